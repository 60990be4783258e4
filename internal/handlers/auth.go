package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	adminSubject = "admin"
	tokenIssuer  = "sleepchecker"
)

var errAdminRequired = errors.New("admin token required")

// NewAdminToken mints an operator token accepted by RequireAdmin.
func NewAdminToken(secret string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireAdmin guards operator routes. Without a configured secret every
// request passes.
func (h *Handlers) RequireAdmin(c *gin.Context) {
	if err := h.checkAdmin(c); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (h *Handlers) checkAdmin(c *gin.Context) error {
	if len(h.adminSecret) == 0 {
		return nil
	}

	raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if raw == "" {
		// Browsers cannot set headers on websocket upgrades.
		raw = c.Query("token")
	}
	if raw == "" {
		return errAdminRequired
	}

	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return h.adminSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(adminSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(h.nowFn),
	)
	if err != nil {
		slog.Default().Debug("admin token rejected", "ip", c.ClientIP(), "error", err)
		return errors.New("invalid admin token")
	}
	return nil
}
