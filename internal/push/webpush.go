// Package push delivers reminder payloads through the Web Push protocol.
package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tariel-x/sleepchecker/internal/models"
	"github.com/tariel-x/sleepchecker/internal/reminders"
)

const (
	DefaultTTL = 3600

	p256dhLength = 65
	authLength   = 16
)

var ErrMalformedKeys = errors.New("malformed subscription keys")

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type Options struct {
	VAPID VAPIDKeys
	// TTL is how long, in seconds, the push service keeps an undelivered
	// message.
	TTL int
	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

// WebPush is a reminders.Sender backed by webpush-go.
type WebPush struct {
	vapid  VAPIDKeys
	ttl    int
	client webpush.HTTPClient
}

var _ reminders.Sender = (*WebPush)(nil)

func New(opts Options) *WebPush {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &WebPush{
		vapid:  opts.VAPID,
		ttl:    opts.TTL,
		client: opts.HTTPClient,
	}
}

// Send encrypts payload for target and posts it to the push service.
// 404 and 410 answers, as well as keys that can never be used, are reported
// as permanent *reminders.DeliveryError values.
func (w *WebPush) Send(ctx context.Context, target models.DeliveryTarget, payload models.Payload) error {
	p256dh := strings.TrimSpace(target.Keys.P256DH)
	auth := strings.TrimSpace(target.Keys.Auth)
	if err := validateKeys(p256dh, auth); err != nil {
		return &reminders.DeliveryError{Permanent: true, Err: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	sub := &webpush.Subscription{
		Endpoint: target.Endpoint,
		Keys: webpush.Keys{
			P256dh: p256dh,
			Auth:   auth,
		},
	}
	opts := &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.vapid.Subject,
		VAPIDPublicKey:  w.vapid.PublicKey,
		VAPIDPrivateKey: w.vapid.PrivateKey,
		TTL:             w.ttl,
		Urgency:         webpush.UrgencyHigh,
		Topic:           payload.Tag,
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, opts)
	if err != nil {
		return &reminders.DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classify(resp.StatusCode, strings.TrimSpace(string(msg)))
}

func classify(status int, msg string) error {
	switch {
	case status < http.StatusBadRequest:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return &reminders.DeliveryError{StatusCode: status, Permanent: true, Err: errors.New("push subscription is no longer valid")}
	default:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &reminders.DeliveryError{StatusCode: status, Err: fmt.Errorf("push service rejected message: %s", msg)}
	}
}

// validateKeys checks the browser keys before any network call. Browsers send
// URL-safe base64, some clients pad it or use the standard alphabet.
func validateKeys(p256dh, auth string) error {
	if p256dh == "" || auth == "" {
		return fmt.Errorf("%w: p256dh and auth are required", ErrMalformedKeys)
	}
	key, err := decodeKey(p256dh)
	if err != nil {
		return fmt.Errorf("%w: p256dh: %v", ErrMalformedKeys, err)
	}
	if len(key) != p256dhLength || key[0] != 0x04 {
		return fmt.Errorf("%w: p256dh must be an uncompressed P-256 point", ErrMalformedKeys)
	}
	secret, err := decodeKey(auth)
	if err != nil {
		return fmt.Errorf("%w: auth: %v", ErrMalformedKeys, err)
	}
	if len(secret) != authLength {
		return fmt.Errorf("%w: auth must be %d bytes, got %d", ErrMalformedKeys, authLength, len(secret))
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64")
}

// ValidateTarget reports ErrMalformedKeys for keys Send would reject.
func ValidateTarget(target models.DeliveryTarget) error {
	return validateKeys(strings.TrimSpace(target.Keys.P256DH), strings.TrimSpace(target.Keys.Auth))
}

// GenerateVAPIDKeys returns a fresh key pair in the encoding browsers expect.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
