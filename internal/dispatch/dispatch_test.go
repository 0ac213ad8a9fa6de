package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailycast/internal/eligibility"
	"dailycast/internal/notifier"
	"dailycast/internal/storage"
	"dailycast/internal/telemetry"
	"dailycast/internal/tenants"
	logx "dailycast/pkg/logx"
)

type stubContent struct {
	text string
	err  error
	n    int
}

func (s *stubContent) Fetch(context.Context) (string, error) {
	s.n++
	return s.text, s.err
}

type stubNotifier struct {
	mu    sync.Mutex
	err   error
	sent  []notifier.Destination
	texts []string
}

func (s *stubNotifier) Deliver(_ context.Context, to notifier.Destination, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, to)
	s.texts = append(s.texts, text)
	return nil
}

type fixture struct {
	d       *Dispatcher
	store   *storage.LastSentStore
	errlog  *storage.ErrorLog
	content *stubContent
	notify  *stubNotifier
	backend storage.Backend
}

func newFixture(t *testing.T, b storage.Backend) *fixture {
	t.Helper()
	if b == nil {
		b = storage.NewMemory()
	}
	f := &fixture{
		store:   storage.NewLastSentStore(b, logx.Nop()),
		errlog:  storage.NewErrorLog(b),
		content: &stubContent{text: "quote of the day"},
		notify:  &stubNotifier{},
		backend: b,
	}
	f.d = New(Deps{
		Store:    f.store,
		Errors:   f.errlog,
		Content:  f.content,
		Notifier: f.notify,
		Metrics:  telemetry.NewMetrics(),
		Fallback: func() string { return "fallback text" },
	})
	return f
}

func (f *fixture) entries(t *testing.T, id string) []storage.ErrorEntry {
	t.Helper()
	e, err := f.errlog.Entries(context.Background(), id)
	require.NoError(t, err)
	return e
}

func tenant(id string) tenants.Tenant {
	return tenants.Tenant{ID: id, Platform: "discord", Schedule: eligibility.Schedule{
		Timezone: "UTC", Anchor: eligibility.Anchor{Hour: 8}, Interval: 24 * time.Hour,
		DeliveryTarget: "chan-" + id, MentionTarget: "role-" + id,
	}}
}

var day1 = time.Date(2025, 3, 10, 8, 0, 17, 0, time.UTC)

func TestCycleSkipsBeforeAnchor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	out, err := f.d.Cycle(context.Background(), tenant("g1"), day1.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Zero(t, f.content.n)
	assert.Empty(t, f.notify.sent)
}

func TestCycleSendsAndRecordsEvaluationInstant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.d.Cycle(ctx, tenant("g1"), day1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, notifier.Destination{Platform: "discord", Target: "chan-g1", Mention: "role-g1"}, f.notify.sent[0])
	assert.Equal(t, "quote of the day", f.notify.texts[0])

	at, ok := f.store.Get("g1")
	require.True(t, ok)
	assert.Equal(t, day1, at)

	// Next minute, same day: suppressed.
	out, err = f.d.Cycle(ctx, tenant("g1"), day1.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	// Next day at the same tick second: due again, no drift.
	out, err = f.d.Cycle(ctx, tenant("g1"), day1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Len(t, f.notify.sent, 2)
}

func TestCycleContentFailureUsesFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.content.err = errors.New("quote upstream: status 503")

	out, err := f.d.Cycle(context.Background(), tenant("g1"), day1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, []string{"fallback text"}, f.notify.texts)

	entries := f.entries(t, "g1")
	require.Len(t, entries, 1)
	assert.Equal(t, storage.KindContent, entries[0].Kind)
}

func TestCycleDeliveryFailureLeavesStoreUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.notify.err = &notifier.DeliveryError{Platform: "discord", Target: "chan-g1", Kind: notifier.PermissionDenied, Err: errors.New("50013")}

	out, err := f.d.Cycle(ctx, tenant("g1"), day1)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	_, ok := f.store.Get("g1")
	assert.False(t, ok)

	entries := f.entries(t, "g1")
	require.Len(t, entries, 1)
	assert.Equal(t, "permission_denied", entries[0].Kind)
	assert.Contains(t, entries[0].Message, "Missing permissions")

	// Permission fixed: the next tick in the window sends.
	f.notify.err = nil
	out, err = f.d.Cycle(ctx, tenant("g1"), day1.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	at, _ := f.store.Get("g1")
	assert.Equal(t, day1.Add(time.Minute), at)
}

func TestCycleConfigFallbackRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	tn := tenant("g1")
	tn.Schedule.Timezone = "Mars/Phobos"

	// 12:00 UTC is past 08:00 in Brussels.
	out, err := f.d.Cycle(context.Background(), tn, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	entries := f.entries(t, "g1")
	require.Len(t, entries, 1)
	assert.Equal(t, storage.KindConfig, entries[0].Kind)
	assert.Contains(t, entries[0].Message, "Mars/Phobos")
}

type brokenBackend struct{ *storage.Memory }

func (brokenBackend) PutLastSent(context.Context, string, time.Time) error {
	return errors.New("read-only file system")
}

func TestCyclePersistenceErrorStillSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, brokenBackend{storage.NewMemory()})

	out, err := f.d.Cycle(context.Background(), tenant("g1"), day1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	_, ok := f.store.Get("g1")
	assert.True(t, ok, "memory updated so the same process doesn't resend")
	assert.Equal(t, 1, f.store.Pending())

	entries := f.entries(t, "g1")
	require.Len(t, entries, 1)
	assert.Equal(t, storage.KindPersistence, entries[0].Kind)
}
