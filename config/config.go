/*
Package config loads service configuration.

PURPOSE:
  Reads defaults, an optional config.toml, a .env file and BILLING_*
  environment variables (in increasing priority) into one typed Config.

KEYS (env form in parentheses):
  app.env                    (BILLING_APP_ENV)                    development
  app.port                   (BILLING_APP_PORT)                   8080
  database.path              (BILLING_DATABASE_PATH)              ./data/billing.db
  log.level|format|output    (BILLING_LOG_LEVEL ...)              info, console, stdout
  scheduler.enabled          (BILLING_SCHEDULER_ENABLED)          false
  scheduler.interval         (BILLING_SCHEDULER_INTERVAL)         1h
  scheduler.max_concurrency  (BILLING_SCHEDULER_MAX_CONCURRENCY)  4
  runner.catch_up_cap        (BILLING_RUNNER_CATCH_UP_CAP)        1000
  runner.number_retries      (BILLING_RUNNER_NUMBER_RETRIES)      3
  runner.retry_delay         (BILLING_RUNNER_RETRY_DELAY)         10ms
  reporting.dedup_epsilon    (BILLING_REPORTING_DEDUP_EPSILON)    0.01

SEE ALSO:
  - cmd/server/main.go: flags override app.port and database.path
*/
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/logger"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       logger.Config
	Scheduler SchedulerConfig
	Runner    RunnerConfig
	Reporting ReportingConfig
}

type AppConfig struct {
	Env  string
	Port string
}

type DatabaseConfig struct {
	Path string // file path or :memory:
}

type SchedulerConfig struct {
	Enabled        bool
	Interval       time.Duration
	MaxConcurrency int
}

type RunnerConfig struct {
	CatchUpCap    int
	NumberRetries uint64
	RetryDelay    time.Duration
}

type ReportingConfig struct {
	DedupEpsilon decimal.Decimal
}

// Load reads configuration from the working directory.
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom reads config.toml and .env from dir, when present.
func LoadFrom(dir string) (*Config, error) {
	// .env only fills variables that are not already set.
	if err := godotenv.Load(dir + "/.env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	epsilon, err := decimal.NewFromString(v.GetString("reporting.dedup_epsilon"))
	if err != nil {
		return nil, errors.Wrap(err, "reporting.dedup_epsilon")
	}

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: logger.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Scheduler: SchedulerConfig{
			Enabled:        v.GetBool("scheduler.enabled"),
			Interval:       v.GetDuration("scheduler.interval"),
			MaxConcurrency: v.GetInt("scheduler.max_concurrency"),
		},
		Runner: RunnerConfig{
			CatchUpCap:    v.GetInt("runner.catch_up_cap"),
			NumberRetries: v.GetUint64("runner.number_retries"),
			RetryDelay:    v.GetDuration("runner.retry_delay"),
		},
		Reporting: ReportingConfig{
			DedupEpsilon: epsilon,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := billing.DefaultConfig()
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.path", "./data/billing.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.max_concurrency", def.MaxConcurrency)
	v.SetDefault("runner.catch_up_cap", def.CatchUpCap)
	v.SetDefault("runner.number_retries", def.NumberRetries)
	v.SetDefault("runner.retry_delay", def.RetryDelay)
	v.SetDefault("reporting.dedup_epsilon", billing.MoneyEpsilon.String())
}

// Validate checks ranges that viper cannot express.
func (c *Config) Validate() error {
	switch {
	case c.App.Port == "":
		return errors.New("app.port is required")
	case c.Database.Path == "":
		return errors.New("database.path is required")
	case c.Scheduler.Enabled && c.Scheduler.Interval <= 0:
		return errors.Newf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	case c.Scheduler.MaxConcurrency < 1:
		return errors.Newf("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency)
	case c.Runner.CatchUpCap < 1:
		return errors.Newf("runner.catch_up_cap must be >= 1, got %d", c.Runner.CatchUpCap)
	case c.Reporting.DedupEpsilon.IsNegative():
		return errors.New("reporting.dedup_epsilon must not be negative")
	}
	return nil
}

// IsProduction reports whether app.env is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

// BillingConfig maps the runner keys onto billing.Config.
func (c *Config) BillingConfig() billing.Config {
	return billing.Config{
		CatchUpCap:     c.Runner.CatchUpCap,
		NumberRetries:  c.Runner.NumberRetries,
		RetryDelay:     c.Runner.RetryDelay,
		MaxConcurrency: c.Scheduler.MaxConcurrency,
	}
}
