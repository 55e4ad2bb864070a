package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// InvoicePrefix precedes the zero-padded sequence number: INV-0001.
const InvoicePrefix = "INV-"

// FormatInvoiceNumber pads to four digits and grows past 9999 without
// truncating (INV-10000).
func FormatInvoiceNumber(n int64) string {
	return fmt.Sprintf("%s%04d", InvoicePrefix, n)
}

// ParseInvoiceNumber extracts the trailing numeric suffix of s.
func ParseInvoiceNumber(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.ParseInt(s[start:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextInvoiceNumber allocates the next number for tenantID inside tx.
//
// The number is the successor of the larger of the tenant's sequence counter
// and its highest existing invoice number, so a deleted invoice never frees
// its number and invoices imported with a higher number are respected. The
// counter is advanced in the same transaction the caller inserts the invoice
// with: if that insert fails, the allocation rolls back with it.
func NextInvoiceNumber(ctx context.Context, tx Tx, tenantID string) (string, error) {
	last, err := tx.SequenceValue(ctx, tenantID)
	if err != nil {
		return "", errors.Wrap(err, "read invoice sequence")
	}

	latest, err := tx.LatestInvoiceNumber(ctx, tenantID)
	if err != nil {
		return "", errors.Wrap(err, "read latest invoice number")
	}
	if n, ok := ParseInvoiceNumber(latest); ok && n > last {
		last = n
	}

	next := last + 1
	if err := tx.SetSequenceValue(ctx, tenantID, next); err != nil {
		return "", errors.Wrap(err, "advance invoice sequence")
	}
	return FormatInvoiceNumber(next), nil
}
