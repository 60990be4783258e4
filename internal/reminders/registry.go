package reminders

import (
	"sort"
	"sync"
	"time"

	"github.com/tariel-x/sleepchecker/internal/metrics"
	"github.com/tariel-x/sleepchecker/internal/models"
)

// Registry holds at most one subscription per endpoint.
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]*models.Subscription
	revision uint64
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*models.Subscription),
	}
}

// Upsert replaces any existing subscription for endpoint. Fields are never
// merged with the previous entry.
func (r *Registry) Upsert(endpoint string, target models.DeliveryTarget, b models.Bedtime, now time.Time) models.Subscription {
	return r.put(models.Subscription{
		Endpoint:     endpoint,
		Target:       target,
		Bedtime:      b,
		RegisteredAt: now,
	})
}

// Restore puts back a subscription loaded from storage, keeping its original
// registration time.
func (r *Registry) Restore(sub models.Subscription) models.Subscription {
	return r.put(sub)
}

func (r *Registry) put(sub models.Subscription) models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revision++
	sub.Revision = r.revision
	sub.Target.Endpoint = sub.Endpoint
	r.subs[sub.Endpoint] = &sub
	metrics.Subscriptions.Set(float64(len(r.subs)))
	return sub
}

func (r *Registry) Get(endpoint string) (models.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[endpoint]
	if !ok {
		return models.Subscription{}, false
	}
	return *sub, true
}

// Remove deletes the subscription and reports whether it existed.
func (r *Registry) Remove(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(endpoint)
}

// RemoveRevision deletes the subscription only if it is still the given
// revision, so a purge for a replaced subscription leaves its successor alone.
func (r *Registry) RemoveRevision(endpoint string, revision uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[endpoint]
	if !ok || sub.Revision != revision {
		return false
	}
	return r.removeLocked(endpoint)
}

func (r *Registry) removeLocked(endpoint string) bool {
	if _, ok := r.subs[endpoint]; !ok {
		return false
	}
	delete(r.subs, endpoint)
	metrics.Subscriptions.Set(float64(len(r.subs)))
	return true
}

// List returns a read-only view ordered by registration time.
func (r *Registry) List() []models.SubscriptionInfo {
	subs := r.Snapshot()
	infos := make([]models.SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, models.SubscriptionInfo{
			Endpoint:     sub.Endpoint,
			Bedtime:      sub.Bedtime,
			RegisteredAt: sub.RegisteredAt,
		})
	}
	return infos
}

// Snapshot copies every subscription, ordered by registration time.
func (r *Registry) Snapshot() []models.Subscription {
	r.mu.RLock()
	subs := make([]models.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, *sub)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].RegisteredAt.Equal(subs[j].RegisteredAt) {
			return subs[i].Endpoint < subs[j].Endpoint
		}
		return subs[i].RegisteredAt.Before(subs[j].RegisteredAt)
	})
	return subs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
