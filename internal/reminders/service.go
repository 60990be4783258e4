// Package reminders schedules the bath and wind-down reminders for every
// subscriber and delivers each one once.
//
// A Service owns three parts: the Registry of subscriptions, the Scheduler of
// armed timers and the Dispatcher that pushes fired reminders. Registry and
// Scheduler state only change together, under the Service lock. Store writes
// happen after that lock is released, one endpoint at a time, and are skipped
// once a newer registration owns the endpoint.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tariel-x/sleepchecker/internal/bedtime"
	"github.com/tariel-x/sleepchecker/internal/models"
)

// Store persists subscriptions together with their armed fire instants.
type Store interface {
	Save(ctx context.Context, rec models.PersistedSubscription) error
	Delete(ctx context.Context, endpoint string) error
	MarkFired(ctx context.Context, endpoint string, kind models.ReminderKind) error
	Load(ctx context.Context) ([]models.PersistedSubscription, error)
}

type Config struct {
	Sender Sender
	// Clock defaults to the system clock.
	Clock Clock
	// Location is the zone bedtimes are interpreted in. Defaults to time.Local.
	Location        *time.Location
	MaxPending      int
	DeliveryTimeout time.Duration
	// SendConcurrency bounds parallel deliveries of a test reminder.
	// Defaults to DefaultSendConcurrency.
	SendConcurrency int
	// Store is optional; without it state lives only for the process lifetime.
	Store  Store
	Events Publisher
	Logger *slog.Logger
}

const DefaultSendConcurrency = 8

type Registration struct {
	Subscription models.Subscription
	Reminders    []models.ScheduledReminder
}

type Service struct {
	mu         sync.Mutex
	clock      Clock
	location   *time.Location
	registry   *Registry
	scheduler  *Scheduler
	dispatcher *Dispatcher
	store      Store
	persistMu  *keyLock
	sendLimit  int
	logger     *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = DefaultSendConcurrency
	}

	s := &Service{
		clock:     cfg.Clock,
		location:  cfg.Location,
		registry:  NewRegistry(),
		store:     cfg.Store,
		persistMu: newKeyLock(),
		sendLimit: cfg.SendConcurrency,
		logger:    cfg.Logger,
	}
	s.scheduler = NewScheduler(cfg.Clock, cfg.MaxPending, s.fire)
	s.dispatcher = NewDispatcher(s.registry, cfg.Sender, cfg.DeliveryTimeout, cfg.Logger)
	s.dispatcher.events = cfg.Events
	s.dispatcher.nowFn = s.now
	s.dispatcher.purge = s.purge
	return s
}

func (s *Service) now() time.Time {
	return s.clock.Now().In(s.location)
}

// Register creates or replaces the subscription for endpoint and arms its
// reminders. On ErrTimerArm the returned registration is still valid: the
// subscription is stored but has no reminders, and the caller may retry.
func (s *Service) Register(ctx context.Context, endpoint string, target models.DeliveryTarget, bedtimeStr string) (Registration, error) {
	b, err := bedtime.Parse(bedtimeStr)
	if err != nil {
		return Registration{}, err
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Registration{}, fmt.Errorf("%w: endpoint is required", ErrInvalidTarget)
	}
	if target.Endpoint != "" && target.Endpoint != endpoint {
		return Registration{}, fmt.Errorf("%w: endpoint mismatch", ErrInvalidTarget)
	}
	target.Endpoint = endpoint

	s.mu.Lock()
	now := s.now()
	sub := s.registry.Upsert(endpoint, target, b, now)
	armed, armErr := s.scheduler.Rearm(endpoint, b, now)
	s.mu.Unlock()

	s.persist(ctx, sub, armed)

	if armErr != nil {
		s.logger.Warn("subscription registered without reminders",
			"endpoint", shortEndpoint(endpoint), "bedtime", b.String(), "error", armErr)
		return Registration{Subscription: sub}, armErr
	}

	attrs := []any{"endpoint", shortEndpoint(endpoint), "bedtime", b.String()}
	for _, r := range armed {
		attrs = append(attrs, string(r.Kind)+"_at", r.FireAt.Format(time.RFC3339))
	}
	s.logger.Info("subscription registered", attrs...)

	return Registration{Subscription: sub, Reminders: armed}, nil
}

// Rearm retries arming for an existing subscription, e.g. after ErrTimerArm.
func (s *Service) Rearm(ctx context.Context, endpoint string) ([]models.ScheduledReminder, error) {
	s.mu.Lock()
	sub, ok := s.registry.Get(endpoint)
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownEndpoint
	}
	armed, err := s.scheduler.Rearm(endpoint, sub.Bedtime, s.now())
	s.mu.Unlock()

	s.persist(ctx, sub, armed)
	return armed, err
}

// Unregister removes the subscription and cancels its reminders. It returns
// ErrUnknownEndpoint when there was nothing to remove.
func (s *Service) Unregister(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	existed := s.registry.Remove(endpoint)
	cancelled := s.scheduler.CancelAll(endpoint)
	s.mu.Unlock()

	s.forget(ctx, endpoint)

	if !existed {
		return ErrUnknownEndpoint
	}
	s.logger.Info("subscription removed", "endpoint", shortEndpoint(endpoint), "cancelled", cancelled)
	return nil
}

func (s *Service) List() []models.SubscriptionInfo {
	return s.registry.List()
}

func (s *Service) Pending(endpoint string) []models.ScheduledReminder {
	return s.scheduler.Pending(endpoint)
}

// SendTestReminder pushes a test message to every subscriber right away,
// bypassing the scheduler. Permanent failures purge the subscriber as with
// scheduled reminders.
func (s *Service) SendTestReminder(ctx context.Context, message string) ([]DeliveryResult, error) {
	subs := s.registry.Snapshot()
	if len(subs) == 0 {
		return nil, ErrNoSubscriptions
	}

	payload := TestPayload(message)
	results := make([]DeliveryResult, len(subs))

	var g errgroup.Group
	g.SetLimit(s.sendLimit)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = s.dispatcher.Deliver(ctx, sub, models.ReminderTest, payload)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// Restore loads stored subscriptions and re-arms the stored instants that are
// still in the future. Instants that elapsed while the process was down are
// dropped, not delivered late. Records the store could not read are reported
// in the returned error; every readable record is still restored.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	var errs []error
	records, err := s.store.Load(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to load subscriptions: %w", err))
		s.logger.Error("some stored subscriptions are unreadable", "readable", len(records), "error", err)
	}

	type rewrite struct {
		sub   models.Subscription
		armed []models.ScheduledReminder
	}
	var rewrites []rewrite

	s.mu.Lock()
	now := s.now()
	for _, rec := range records {
		sub := s.registry.Restore(rec.Subscription)
		armed, err := s.scheduler.Arm(sub.Endpoint, rec.FireTimes, now)
		if err != nil {
			// Keep the stored instants so a later restart can still arm them.
			errs = append(errs, fmt.Errorf("%s: %w", shortEndpoint(sub.Endpoint), err))
			continue
		}
		if len(armed) != countSet(rec.FireTimes) {
			rewrites = append(rewrites, rewrite{sub: sub, armed: armed})
		}
	}
	pending := s.scheduler.Len()
	s.mu.Unlock()

	for _, r := range rewrites {
		s.persist(ctx, r.sub, r.armed)
		s.logger.Info("dropped reminders missed while stopped", "endpoint", shortEndpoint(r.sub.Endpoint),
			"armed", len(r.armed))
	}

	s.logger.Info("subscriptions restored", "count", len(records), "pending", pending)
	return len(records), errors.Join(errs...)
}

// Shutdown cancels every pending timer. Registered subscriptions stay in the
// store and are re-armed by Restore.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.scheduler.Stop()
	s.logger.Info("scheduler stopped", "cancelled", n)
}

func (s *Service) fire(r models.ScheduledReminder) {
	ctx := context.Background()

	if s.store != nil {
		unlock := s.persistMu.lock(r.Endpoint)
		// A re-registration that raced with this timer owns the stored
		// instant now; leave it alone.
		if !s.scheduler.Armed(r.Endpoint, r.Kind) {
			if err := s.store.MarkFired(ctx, r.Endpoint, r.Kind); err != nil {
				s.logger.Error("failed to mark reminder fired", "endpoint", shortEndpoint(r.Endpoint), "kind", r.Kind, "error", err)
			}
		}
		unlock()
	}

	s.dispatcher.Fire(ctx, r.Endpoint, r.Kind)
}

// purge drops a subscription whose endpoint is permanently gone, unless it
// was replaced in the meantime.
func (s *Service) purge(ctx context.Context, sub models.Subscription) {
	s.mu.Lock()
	if !s.registry.RemoveRevision(sub.Endpoint, sub.Revision) {
		s.mu.Unlock()
		return
	}
	cancelled := s.scheduler.CancelAll(sub.Endpoint)
	s.mu.Unlock()

	s.forget(ctx, sub.Endpoint)
	s.logger.Info("invalid subscription removed", "endpoint", shortEndpoint(sub.Endpoint), "cancelled", cancelled)
}

// persist stores sub with its armed instants, unless sub has been replaced
// or removed since it was read.
func (s *Service) persist(ctx context.Context, sub models.Subscription, armed []models.ScheduledReminder) {
	if s.store == nil {
		return
	}
	unlock := s.persistMu.lock(sub.Endpoint)
	defer unlock()

	if cur, ok := s.registry.Get(sub.Endpoint); !ok || cur.Revision != sub.Revision {
		return
	}
	rec := models.PersistedSubscription{Subscription: sub}
	for _, r := range armed {
		rec.FireTimes.Set(r.Kind, r.FireAt)
	}
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("failed to persist subscription", "endpoint", shortEndpoint(sub.Endpoint), "error", err)
	}
}

// forget deletes the stored record for endpoint unless it was registered
// again in the meantime.
func (s *Service) forget(ctx context.Context, endpoint string) {
	if s.store == nil {
		return
	}
	unlock := s.persistMu.lock(endpoint)
	defer unlock()

	if _, ok := s.registry.Get(endpoint); ok {
		return
	}
	if err := s.store.Delete(ctx, endpoint); err != nil {
		s.logger.Error("failed to delete stored subscription", "endpoint", shortEndpoint(endpoint), "error", err)
	}
}

func countSet(f models.FireTimes) int {
	n := 0
	for _, kind := range models.ReminderKinds {
		if !f.For(kind).IsZero() {
			n++
		}
	}
	return n
}
