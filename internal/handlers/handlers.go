package handlers

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tariel-x/sleepchecker/internal/config"
	"github.com/tariel-x/sleepchecker/internal/events"
	"github.com/tariel-x/sleepchecker/internal/models"
	"github.com/tariel-x/sleepchecker/internal/reminders"
)

// ReminderService is the part of *reminders.Service the HTTP layer uses.
type ReminderService interface {
	Register(ctx context.Context, endpoint string, target models.DeliveryTarget, bedtime string) (reminders.Registration, error)
	Unregister(ctx context.Context, endpoint string) error
	List() []models.SubscriptionInfo
	SendTestReminder(ctx context.Context, message string) ([]reminders.DeliveryResult, error)
}

type Handlers struct {
	config      *config.Config
	reminders   ReminderService
	events      *events.Hub
	wsUpgrader  websocket.Upgrader
	adminSecret []byte
	healthCheck func(ctx context.Context) error
	nowFn       func() time.Time
}

func New(cfg *config.Config, service ReminderService, hub *events.Hub, upgrader websocket.Upgrader) *Handlers {
	return &Handlers{
		config:      cfg,
		reminders:   service,
		events:      hub,
		wsUpgrader:  upgrader,
		adminSecret: []byte(cfg.AdminJWTSecret),
		nowFn:       time.Now,
	}
}

// WithHealthCheck adds a dependency probe to /healthz.
func (h *Handlers) WithHealthCheck(check func(ctx context.Context) error) *Handlers {
	h.healthCheck = check
	return h
}
