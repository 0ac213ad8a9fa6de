package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "dailycast/pkg/logx"
)

type pendingOp uint8

const (
	opPut pendingOp = iota + 1
	opDelete
)

// LastSentStore is the authoritative map tenant -> last successful send.
//
// Reads are served from memory. Writes go through to the Backend; when that
// fails the memory value still changes and the tenant is retried on Flush.
type LastSentStore struct {
	b   Backend
	log logx.Logger

	mu      sync.RWMutex
	m       map[string]time.Time
	pending map[string]pendingOp
}

func NewLastSentStore(b Backend, log logx.Logger) *LastSentStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LastSentStore{
		b:       b,
		log:     log.With(logx.String("comp", "lastsent")),
		m:       map[string]time.Time{},
		pending: map[string]pendingOp{},
	}
}

// Load replaces the in-memory map with the backend contents.
func (s *LastSentStore) Load(ctx context.Context) error {
	m, err := s.b.LoadLastSent(ctx)
	if err != nil {
		return fmt.Errorf("load last-sent: %w", err)
	}
	s.mu.Lock()
	s.m = m
	s.pending = map[string]pendingOp{}
	s.mu.Unlock()
	s.log.Info("last-sent loaded", logx.Int("tenants", len(m)))
	return nil
}

func (s *LastSentStore) Get(tenantID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.m[tenantID]
	return t, ok
}

// Set records a successful send. An instant not after the stored one is ignored.
func (s *LastSentStore) Set(ctx context.Context, tenantID string, at time.Time) error {
	at = at.UTC().Truncate(time.Second)

	s.mu.Lock()
	if cur, ok := s.m[tenantID]; ok && !at.After(cur) {
		s.mu.Unlock()
		return nil
	}
	s.m[tenantID] = at
	s.mu.Unlock()

	if err := s.b.PutLastSent(ctx, tenantID, at); err != nil {
		s.markPending(tenantID, opPut)
		return &PersistenceError{TenantID: tenantID, Op: "put", Err: err}
	}
	s.clearPending(tenantID, opPut)
	return nil
}

// Delete forgets a tenant (tenant removal).
func (s *LastSentStore) Delete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	delete(s.m, tenantID)
	s.mu.Unlock()

	if err := s.b.DeleteLastSent(ctx, tenantID); err != nil {
		s.markPending(tenantID, opDelete)
		return &PersistenceError{TenantID: tenantID, Op: "delete", Err: err}
	}
	s.clearPending(tenantID, opDelete)
	return nil
}

// Flush retries writes that failed earlier and then syncs the backend.
func (s *LastSentStore) Flush(ctx context.Context) error {
	s.mu.RLock()
	retry := make(map[string]pendingOp, len(s.pending))
	for k, v := range s.pending {
		retry[k] = v
	}
	s.mu.RUnlock()

	var errs []error
	for tenantID, op := range retry {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var err error
		switch op {
		case opPut:
			at, ok := s.Get(tenantID)
			if !ok {
				s.clearPending(tenantID, opPut)
				continue
			}
			err = s.b.PutLastSent(ctx, tenantID, at)
		case opDelete:
			err = s.b.DeleteLastSent(ctx, tenantID)
		}
		if err != nil {
			errs = append(errs, &PersistenceError{TenantID: tenantID, Op: "retry", Err: err})
			continue
		}
		s.clearPending(tenantID, op)
	}
	if err := s.b.Sync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	return errors.Join(errs...)
}

// Pending reports how many tenants have writes not yet persisted.
func (s *LastSentStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *LastSentStore) Snapshot() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

func (s *LastSentStore) markPending(tenantID string, op pendingOp) {
	s.mu.Lock()
	s.pending[tenantID] = op
	s.mu.Unlock()
}

// clearPending drops a pending op only if a newer op of another kind has not
// replaced it in the meantime.
func (s *LastSentStore) clearPending(tenantID string, op pendingOp) {
	s.mu.Lock()
	if s.pending[tenantID] == op {
		delete(s.pending, tenantID)
	}
	s.mu.Unlock()
}
