package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "dailycast/pkg/logx"
)

// flakyBackend fails writes while broken is set.
type flakyBackend struct {
	*Memory
	mu     sync.Mutex
	broken bool
	puts   int
	syncs  int
}

var errDiskFull = errors.New("disk full")

func newFlaky() *flakyBackend { return &flakyBackend{Memory: NewMemory()} }

func (f *flakyBackend) setBroken(v bool) {
	f.mu.Lock()
	f.broken = v
	f.mu.Unlock()
}

func (f *flakyBackend) PutLastSent(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	f.puts++
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return errDiskFull
	}
	return f.Memory.PutLastSent(ctx, id, at)
}

func (f *flakyBackend) DeleteLastSent(ctx context.Context, id string) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return errDiskFull
	}
	return f.Memory.DeleteLastSent(ctx, id)
}

func (f *flakyBackend) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	if f.broken {
		return errDiskFull
	}
	return nil
}

func TestLastSentStoreMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLastSentStore(NewMemory(), logx.Nop())
	t0 := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	_, ok := s.Get("g1")
	assert.False(t, ok, "absent means never sent")

	require.NoError(t, s.Set(ctx, "g1", t0))
	require.NoError(t, s.Set(ctx, "g1", t0.Add(-time.Hour)))
	got, ok := s.Get("g1")
	require.True(t, ok)
	assert.Equal(t, t0, got, "older write ignored")

	require.NoError(t, s.Set(ctx, "g1", t0.Add(24*time.Hour)))
	got, _ = s.Get("g1")
	assert.Equal(t, t0.Add(24*time.Hour), got)
}

func TestLastSentStoreStoresUTCSeconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLastSentStore(NewMemory(), logx.Nop())
	tokyo := time.FixedZone("JST", 9*3600)

	require.NoError(t, s.Set(ctx, "g1", time.Date(2025, 3, 10, 17, 0, 0, 999_000_000, tokyo)))
	got, _ := s.Get("g1")
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestLastSentStorePersistenceError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newFlaky()
	s := NewLastSentStore(b, logx.Nop())
	t0 := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	b.setBroken(true)
	err := s.Set(ctx, "g1", t0)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "g1", perr.TenantID)
	assert.ErrorIs(t, err, errDiskFull)

	got, ok := s.Get("g1")
	require.True(t, ok, "memory still updated")
	assert.Equal(t, t0, got)
	assert.Equal(t, 1, s.Pending())

	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 1, s.Pending())

	b.setBroken(false)
	require.NoError(t, s.Flush(ctx))
	assert.Zero(t, s.Pending())

	persisted, err := b.LoadLastSent(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, persisted["g1"])
}

func TestLastSentStoreDeleteRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := newFlaky()
	s := NewLastSentStore(b, logx.Nop())
	require.NoError(t, s.Set(ctx, "g1", time.Now()))

	b.setBroken(true)
	require.Error(t, s.Delete(ctx, "g1"))
	_, ok := s.Get("g1")
	assert.False(t, ok)

	b.setBroken(false)
	require.NoError(t, s.Flush(ctx))
	persisted, _ := b.LoadLastSent(ctx)
	assert.NotContains(t, persisted, "g1")
}

func TestLastSentStoreRestartIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")
	t0 := time.Date(2025, 3, 10, 8, 0, 30, 0, time.UTC)

	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	s := NewLastSentStore(b, logx.Nop())
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Set(ctx, "g1", t0))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, b.Close())

	b, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()
	s = NewLastSentStore(b, logx.Nop())
	require.NoError(t, s.Load(ctx))

	got, ok := s.Get("g1")
	require.True(t, ok)
	assert.Equal(t, t0, got)
	assert.Equal(t, map[string]time.Time{"g1": t0}, s.Snapshot())
}

func TestErrorLogAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewErrorLog(NewMemory())
	fixed := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	require.NoError(t, l.Append(ctx, "g1", KindContent, "upstream\nreturned   500"))
	got, err := l.Entries(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ErrorEntry{TenantID: "g1", At: fixed, Kind: KindContent, Message: "upstream returned 500"}, got[0])
}
