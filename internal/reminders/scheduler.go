package reminders

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tariel-x/sleepchecker/internal/bedtime"
	"github.com/tariel-x/sleepchecker/internal/metrics"
	"github.com/tariel-x/sleepchecker/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const tokenLength = 16

type reminderKey struct {
	endpoint string
	kind     models.ReminderKind
}

type armedReminder struct {
	models.ScheduledReminder
	timer Timer
}

// FireFunc receives a reminder whose timer expired. It runs on the timer's
// goroutine with no scheduler lock held.
type FireFunc func(r models.ScheduledReminder)

// Scheduler owns the live reminders, at most one per (endpoint, kind).
type Scheduler struct {
	mu         sync.Mutex
	clock      Clock
	live       map[reminderKey]*armedReminder
	maxPending int
	onFire     FireFunc
	newToken   func() (string, error)
}

// NewScheduler creates a scheduler. maxPending <= 0 disables the cap on live
// reminders.
func NewScheduler(clock Clock, maxPending int, onFire FireFunc) *Scheduler {
	return &Scheduler{
		clock:      clock,
		live:       make(map[reminderKey]*armedReminder),
		maxPending: maxPending,
		onFire:     onFire,
		newToken: func() (string, error) {
			return gonanoid.New(tokenLength)
		},
	}
}

// Rearm replaces the endpoint's reminders with the ones derived from b.
func (s *Scheduler) Rearm(endpoint string, b models.Bedtime, now time.Time) ([]models.ScheduledReminder, error) {
	return s.Arm(endpoint, bedtime.Resolve(b, now), now)
}

// Arm cancels every live reminder for endpoint and arms one per non-zero
// instant in fire that is strictly after now. On ErrTimerArm nothing is left
// armed for the endpoint.
func (s *Scheduler) Arm(endpoint string, fire models.FireTimes, now time.Time) ([]models.ScheduledReminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelAllLocked(endpoint)

	var due []models.ReminderKind
	for _, kind := range models.ReminderKinds {
		at := fire.For(kind)
		if !at.IsZero() && at.After(now) {
			due = append(due, kind)
		}
	}

	if s.maxPending > 0 && len(s.live)+len(due) > s.maxPending {
		metrics.ArmFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: %d reminders pending, limit %d", ErrTimerArm, len(s.live), s.maxPending)
	}

	armed := make([]models.ScheduledReminder, 0, len(due))
	for _, kind := range due {
		token, err := s.newToken()
		if err != nil {
			s.cancelAllLocked(endpoint)
			metrics.ArmFailuresTotal.Inc()
			return nil, fmt.Errorf("%w: %v", ErrTimerArm, err)
		}

		key := reminderKey{endpoint: endpoint, kind: kind}
		r := &armedReminder{
			ScheduledReminder: models.ScheduledReminder{
				Endpoint: endpoint,
				Kind:     kind,
				FireAt:   fire.For(kind),
				Token:    token,
			},
		}
		r.timer = s.clock.AfterFunc(r.FireAt.Sub(now), func() {
			s.expire(key, token)
		})
		s.live[key] = r
		armed = append(armed, r.ScheduledReminder)
		metrics.RemindersArmedTotal.WithLabelValues(string(kind)).Inc()
	}

	metrics.RemindersPending.Set(float64(len(s.live)))
	return armed, nil
}

// CancelAll stops every live reminder for endpoint and returns how many there
// were. It is a no-op for unknown endpoints.
func (s *Scheduler) CancelAll(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.cancelAllLocked(endpoint)
	metrics.RemindersPending.Set(float64(len(s.live)))
	return n
}

func (s *Scheduler) cancelAllLocked(endpoint string) int {
	n := 0
	for _, kind := range models.ReminderKinds {
		key := reminderKey{endpoint: endpoint, kind: kind}
		r, ok := s.live[key]
		if !ok {
			continue
		}
		// A timer that already started finds its token gone and returns.
		r.timer.Stop()
		delete(s.live, key)
		n++
	}
	if n > 0 {
		metrics.RemindersCancelledTotal.Add(float64(n))
	}
	return n
}

// expire runs when a timer goes off. Only the arming that still owns the key
// may fire.
func (s *Scheduler) expire(key reminderKey, token string) {
	s.mu.Lock()
	r, ok := s.live[key]
	if !ok || r.Token != token {
		s.mu.Unlock()
		return
	}
	delete(s.live, key)
	metrics.RemindersPending.Set(float64(len(s.live)))
	s.mu.Unlock()

	metrics.RemindersFiredTotal.WithLabelValues(string(key.kind)).Inc()
	if s.onFire != nil {
		s.onFire(r.ScheduledReminder)
	}
}

// Armed reports whether a reminder of kind is live for endpoint.
func (s *Scheduler) Armed(endpoint string, kind models.ReminderKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live[reminderKey{endpoint: endpoint, kind: kind}]
	return ok
}

// Pending returns the live reminders for endpoint, earliest first.
func (s *Scheduler) Pending(endpoint string) []models.ScheduledReminder {
	s.mu.Lock()
	var out []models.ScheduledReminder
	for _, kind := range models.ReminderKinds {
		if r, ok := s.live[reminderKey{endpoint: endpoint, kind: kind}]; ok {
			out = append(out, r.ScheduledReminder)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stop cancels every live reminder.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.live)
	for key, r := range s.live {
		r.timer.Stop()
		delete(s.live, key)
	}
	if n > 0 {
		metrics.RemindersCancelledTotal.Add(float64(n))
	}
	metrics.RemindersPending.Set(0)
	return n
}
