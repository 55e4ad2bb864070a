package billing

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ID prefixes, e.g. inv_01J9Z3K8...
const (
	PrefixTemplate = "tmpl"
	PrefixInvoice  = "inv"
	PrefixExpense  = "exp"
	PrefixRun      = "run"
)

// NewID returns a k-sortable unique identifier with a prefix.
func NewID(prefix string) string {
	if prefix == "" {
		return ulid.Make().String()
	}
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}
