package reminders

import (
	"context"
	"log/slog"
	"time"

	"github.com/tariel-x/sleepchecker/internal/metrics"
	"github.com/tariel-x/sleepchecker/internal/models"
)

// Sender delivers a payload to one endpoint. It returns nil on success, a
// *DeliveryError with Permanent set when the target is gone, and any other
// error for transient failures.
type Sender interface {
	Send(ctx context.Context, target models.DeliveryTarget, payload models.Payload) error
}

// Publisher receives an event for every delivery attempt.
type Publisher interface {
	Publish(ev models.ReminderEvent)
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomePermanent Outcome = "permanent_failure"
	OutcomeTransient Outcome = "transient_failure"
	OutcomeSkipped   Outcome = "skipped"
)

type DeliveryResult struct {
	Endpoint string              `json:"endpoint"`
	Kind     models.ReminderKind `json:"kind"`
	Outcome  Outcome             `json:"outcome"`
	Err      error               `json:"-"`
}

const DefaultDeliveryTimeout = 30 * time.Second

const defaultTestBody = "これはテスト通知です"

// PayloadFor returns the notification copy for a scheduled reminder.
func PayloadFor(kind models.ReminderKind) models.Payload {
	switch kind {
	case models.ReminderBath:
		return models.Payload{
			Title: "🛁 お風呂の時間です",
			Body:  "リラックスしてお風呂に入りましょう",
			Tag:   models.TagBath,
		}
	default:
		return models.Payload{
			Title: "🧘 就寝準備の時間です",
			Body:  "ヨガをしたり、スマホを離れて、明かりを暗くしましょう",
			Tag:   models.TagPrep,
		}
	}
}

func TestPayload(message string) models.Payload {
	if message == "" {
		message = defaultTestBody
	}
	return models.Payload{
		Title: "テスト通知",
		Body:  message,
		Tag:   models.TagTest,
	}
}

// Dispatcher turns fired reminders into push deliveries.
type Dispatcher struct {
	registry *Registry
	sender   Sender
	timeout  time.Duration
	events   Publisher
	logger   *slog.Logger
	nowFn    func() time.Time

	// purge is called after a permanent failure for the subscription that
	// was being delivered to.
	purge func(ctx context.Context, sub models.Subscription)
}

func NewDispatcher(registry *Registry, sender Sender, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		sender:   sender,
		timeout:  timeout,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Fire delivers the reminder of kind to endpoint. A subscription removed or
// replaced since arming is not an error: the result is OutcomeSkipped.
func (d *Dispatcher) Fire(ctx context.Context, endpoint string, kind models.ReminderKind) DeliveryResult {
	sub, ok := d.registry.Get(endpoint)
	if !ok {
		d.logger.Debug("reminder fired for removed subscription", "endpoint", shortEndpoint(endpoint), "kind", kind)
		metrics.DeliveriesTotal.WithLabelValues(string(kind), string(OutcomeSkipped)).Inc()
		return DeliveryResult{Endpoint: endpoint, Kind: kind, Outcome: OutcomeSkipped}
	}
	return d.Deliver(ctx, sub, kind, PayloadFor(kind))
}

// Deliver sends payload to sub and applies the outcome policy.
func (d *Dispatcher) Deliver(ctx context.Context, sub models.Subscription, kind models.ReminderKind, payload models.Payload) DeliveryResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(ctx, sub.Target, payload)
	metrics.DeliveryDurationSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	result := DeliveryResult{Endpoint: sub.Endpoint, Kind: kind, Err: err}
	switch {
	case err == nil:
		result.Outcome = OutcomeDelivered
		d.logger.Info("push notification sent", "endpoint", shortEndpoint(sub.Endpoint), "kind", kind)
	case IsPermanent(err):
		result.Outcome = OutcomePermanent
		d.logger.Warn("push endpoint is gone, removing subscription",
			"endpoint", shortEndpoint(sub.Endpoint), "kind", kind, "error", err)
		if d.purge != nil {
			// The request context may already be done; removal must still happen.
			d.purge(context.WithoutCancel(ctx), sub)
		}
	default:
		result.Outcome = OutcomeTransient
		d.logger.Error("push notification failed", "endpoint", shortEndpoint(sub.Endpoint), "kind", kind, "error", err)
	}

	metrics.DeliveriesTotal.WithLabelValues(string(kind), string(result.Outcome)).Inc()
	d.publish(result)
	return result
}

func (d *Dispatcher) publish(result DeliveryResult) {
	if d.events == nil {
		return
	}
	ev := models.ReminderEvent{
		Type:     models.EventDelivery,
		Endpoint: result.Endpoint,
		Kind:     result.Kind,
		Outcome:  string(result.Outcome),
		At:       d.nowFn(),
	}
	if result.Err != nil {
		ev.Error = result.Err.Error()
	}
	d.events.Publish(ev)
}

// shortEndpoint keeps push service URLs readable in logs.
func shortEndpoint(endpoint string) string {
	return endpoint[:min(60, len(endpoint))]
}
