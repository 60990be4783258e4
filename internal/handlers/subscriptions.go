package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/sleepchecker/internal/models"
	"github.com/tariel-x/sleepchecker/internal/push"
	"github.com/tariel-x/sleepchecker/internal/reminders"
)

type subscribeRequest struct {
	Subscription models.DeliveryTarget `json:"subscription"`
	Bedtime      string                `json:"bedtime"`
}

type reminderResponse struct {
	Kind   models.ReminderKind `json:"kind"`
	FireAt time.Time           `json:"fireAt"`
}

type subscriptionResponse struct {
	Endpoint     string             `json:"endpoint"`
	Bedtime      string             `json:"bedtime"`
	RegisteredAt time.Time          `json:"registeredAt"`
	Reminders    []reminderResponse `json:"reminders"`
}

type subscribeResponse struct {
	Message      string               `json:"message"`
	Subscription subscriptionResponse `json:"subscription"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type subscriptionListItem struct {
	Endpoint     string    `json:"endpoint"`
	Bedtime      string    `json:"bedtime"`
	Timestamp    int64     `json:"timestamp"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type listSubscriptionsResponse struct {
	Count         int                    `json:"count"`
	Subscriptions []subscriptionListItem `json:"subscriptions"`
}

type testNotificationRequest struct {
	Message string `json:"message"`
}

type deliveryResultResponse struct {
	Endpoint string            `json:"endpoint"`
	Outcome  reminders.Outcome `json:"outcome"`
	Error    string            `json:"error,omitempty"`
}

type testNotificationResponse struct {
	Message string                   `json:"message"`
	Results []deliveryResultResponse `json:"results"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.config.VAPIDKeys.PublicKey})
}

func (h *Handlers) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Subscription.Endpoint = strings.TrimSpace(req.Subscription.Endpoint)
	if req.Subscription.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription endpoint is required"})
		return
	}
	if err := push.ValidateTarget(req.Subscription); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg, err := h.reminders.Register(c.Request.Context(), req.Subscription.Endpoint, req.Subscription, req.Bedtime)
	if err != nil && !errors.Is(err, reminders.ErrTimerArm) {
		h.writeServiceError(c, err)
		return
	}

	body := subscribeResponse{
		Message:      "Subscription registered successfully",
		Subscription: toSubscriptionResponse(reg),
	}
	if err != nil {
		slog.Default().Warn("subscribe: reminders not armed", "error", err)
		body.Message = "Subscription registered, but reminders could not be scheduled; please retry"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *Handlers) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Endpoint) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	err := h.reminders.Unregister(c.Request.Context(), strings.TrimSpace(req.Endpoint))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Subscription removed", "removed": true})
	case errors.Is(err, reminders.ErrUnknownEndpoint):
		c.JSON(http.StatusOK, gin.H{"message": "Subscription not found", "removed": false})
	default:
		h.writeServiceError(c, err)
	}
}

func (h *Handlers) ListSubscriptions(c *gin.Context) {
	subs := h.reminders.List()
	items := make([]subscriptionListItem, 0, len(subs))
	for _, s := range subs {
		items = append(items, subscriptionListItem{
			Endpoint:     s.Endpoint,
			Bedtime:      s.Bedtime.String(),
			Timestamp:    s.RegisteredAt.UnixMilli(),
			RegisteredAt: s.RegisteredAt,
		})
	}
	c.JSON(http.StatusOK, listSubscriptionsResponse{Count: len(items), Subscriptions: items})
}

func (h *Handlers) SendTestNotification(c *gin.Context) {
	var req testNotificationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	results, err := h.reminders.SendTestReminder(c.Request.Context(), req.Message)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	out := make([]deliveryResultResponse, 0, len(results))
	for _, r := range results {
		item := deliveryResultResponse{Endpoint: r.Endpoint, Outcome: r.Outcome}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, testNotificationResponse{Message: "Test notifications sent successfully", Results: out})
}

func (h *Handlers) Health(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscriptions": len(h.reminders.List())})
}

func (h *Handlers) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reminders.ErrInvalidBedtime), errors.Is(err, reminders.ErrInvalidTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reminders.ErrNoSubscriptions):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No subscriptions found"})
	case errors.Is(err, reminders.ErrUnknownEndpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case errors.Is(err, reminders.ErrTimerArm):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Default().Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toSubscriptionResponse(reg reminders.Registration) subscriptionResponse {
	out := subscriptionResponse{
		Endpoint:     reg.Subscription.Endpoint,
		Bedtime:      reg.Subscription.Bedtime.String(),
		RegisteredAt: reg.Subscription.RegisteredAt,
		Reminders:    make([]reminderResponse, 0, len(reg.Reminders)),
	}
	for _, r := range reg.Reminders {
		out.Reminders = append(out.Reminders, reminderResponse{Kind: r.Kind, FireAt: r.FireAt})
	}
	return out
}
