package storage

import (
	"context"
	"strings"
	"time"
)

// ErrorLog is the per-tenant, operator-visible failure history.
type ErrorLog struct {
	b   Backend
	now func() time.Time
}

func NewErrorLog(b Backend) *ErrorLog {
	return &ErrorLog{b: b, now: time.Now}
}

// Append records one failure. Messages are single-line.
func (l *ErrorLog) Append(ctx context.Context, tenantID, kind, message string) error {
	message = strings.Join(strings.Fields(message), " ")
	return l.b.AppendError(ctx, ErrorEntry{
		TenantID: tenantID,
		At:       l.now().UTC(),
		Kind:     kind,
		Message:  message,
	})
}

// Entries returns up to MaxErrorEntries entries, oldest first.
func (l *ErrorLog) Entries(ctx context.Context, tenantID string) ([]ErrorEntry, error) {
	return l.b.ListErrors(ctx, tenantID)
}
