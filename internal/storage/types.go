package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("storage closed")

// MaxErrorEntries is how many error log entries are kept per tenant.
const MaxErrorEntries = 50

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis at URL, keys under KeyPrefix
//   - "memory": non-durable, tests and dry runs
type Config struct {
	Driver      string
	Path        string
	URL         string
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Error log kinds written by this package. Delivery kinds come from the notifier.
const (
	KindConfig      = "config"
	KindContent     = "content"
	KindPersistence = "persistence"
	KindPanic       = "panic"
)

// ErrorEntry is one operator-visible failure record.
type ErrorEntry struct {
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"timestamp"`
	Kind     string    `json:"kind"`
	Message  string    `json:"error"`
}

// Backend is the durable side of the store.
//
// LoadLastSent skips (and logs) individual entries it cannot parse.
// AppendError keeps at most MaxErrorEntries per tenant, oldest evicted first.
// ListErrors returns entries oldest first.
type Backend interface {
	LoadLastSent(ctx context.Context) (map[string]time.Time, error)
	PutLastSent(ctx context.Context, tenantID string, at time.Time) error
	DeleteLastSent(ctx context.Context, tenantID string) error
	// Sync is the durability point called at tick boundaries.
	Sync(ctx context.Context) error

	AppendError(ctx context.Context, e ErrorEntry) error
	ListErrors(ctx context.Context, tenantID string) ([]ErrorEntry, error)

	Close() error
}

// PersistenceError reports a write that reached memory but not the backend.
type PersistenceError struct {
	TenantID string
	Op       string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.TenantID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// timeFormat is the persisted representation: ISO-8601 UTC, second precision.
const timeFormat = time.RFC3339

func formatTime(t time.Time) string { return t.UTC().Truncate(time.Second).Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Second), nil
}

func trimEntries(in []ErrorEntry) []ErrorEntry {
	if len(in) <= MaxErrorEntries {
		return in
	}
	return append([]ErrorEntry(nil), in[len(in)-MaxErrorEntries:]...)
}
