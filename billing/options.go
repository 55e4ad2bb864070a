package billing

import (
	"time"

	"go.uber.org/zap"
)

// Config tunes the Runner and Service.
type Config struct {
	// CatchUpCap bounds the occurrences one CatchUp call generates.
	CatchUpCap int
	// NumberRetries is how many times an occurrence is retried after a
	// duplicate invoice number or a version conflict.
	NumberRetries uint64
	RetryDelay    time.Duration
	// MaxConcurrency bounds the templates RunDue processes in parallel.
	MaxConcurrency int
}

func DefaultConfig() Config {
	return Config{
		CatchUpCap:     1000,
		NumberRetries:  3,
		RetryDelay:     10 * time.Millisecond,
		MaxConcurrency: 4,
	}
}

type options struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Runner or a Service.
type Option func(*options)

func WithConfig(cfg Config) Option {
	return func(o *options) {
		def := DefaultConfig()
		if cfg.CatchUpCap <= 0 {
			cfg.CatchUpCap = def.CatchUpCap
		}
		if cfg.RetryDelay < 0 {
			cfg.RetryDelay = 0
		}
		if cfg.MaxConcurrency <= 0 {
			cfg.MaxConcurrency = def.MaxConcurrency
		}
		o.cfg = cfg
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
