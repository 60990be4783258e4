package reminders

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tariel-x/sleepchecker/internal/models"
)

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that became due, in order,
// on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Live counts timers that are neither stopped nor fired.
func (c *fakeClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentMessage struct {
	Endpoint string
	Payload  models.Payload
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	errFor map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{errFor: make(map[string]error)}
}

func (s *fakeSender) Send(_ context.Context, target models.DeliveryTarget, payload models.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{Endpoint: target.Endpoint, Payload: payload})
	return s.errFor[target.Endpoint]
}

func (s *fakeSender) fail(endpoint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errFor[endpoint] = err
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type memStore struct {
	mu      sync.Mutex
	records map[string]models.PersistedSubscription
	fired   []models.ReminderKind
	// loadErr is returned by Load alongside the readable records.
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.PersistedSubscription)}
}

func (m *memStore) Save(_ context.Context, rec models.PersistedSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Endpoint] = rec
	return nil
}

func (m *memStore) Delete(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, endpoint)
	return nil
}

func (m *memStore) MarkFired(_ context.Context, endpoint string, kind models.ReminderKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = append(m.fired, kind)
	rec, ok := m.records[endpoint]
	if !ok {
		return nil
	}
	rec.FireTimes.Set(kind, time.Time{})
	m.records[endpoint] = rec
	return nil
}

func (m *memStore) Load(context.Context) ([]models.PersistedSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PersistedSubscription, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, m.loadErr
}

func (m *memStore) get(endpoint string) (models.PersistedSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[endpoint]
	return rec, ok
}

// blockingStore holds the first Save for one endpoint until release is
// closed.
type blockingStore struct {
	*memStore
	endpoint string
	entered  chan struct{}
	release  chan struct{}

	once sync.Once
}

func newBlockingStore(endpoint string) *blockingStore {
	return &blockingStore{
		memStore: newMemStore(),
		endpoint: endpoint,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (b *blockingStore) Save(ctx context.Context, rec models.PersistedSubscription) error {
	if rec.Endpoint == b.endpoint {
		b.once.Do(func() {
			close(b.entered)
			<-b.release
		})
	}
	return b.memStore.Save(ctx, rec)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.ReminderEvent
}

func (r *eventRecorder) Publish(ev models.ReminderEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []models.ReminderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ReminderEvent(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func target(endpoint string) models.DeliveryTarget {
	return models.DeliveryTarget{
		Endpoint: endpoint,
		Keys:     models.PushKeys{P256DH: "p256dh-" + endpoint, Auth: "auth-" + endpoint},
	}
}

// evening is 2025-03-10 20:00 UTC, the reference "now" for most tests.
func evening() time.Time {
	return time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T, clock *fakeClock, sender Sender, opts ...func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Sender:   sender,
		Clock:    clock,
		Location: time.UTC,
		Logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}
