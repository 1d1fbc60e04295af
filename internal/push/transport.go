package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/resilience"
)

// maxCiphertextBytes is the largest plaintext a single aes128gcm record can carry.
const maxCiphertextBytes = 4096 - 103

// Config holds VAPID credentials and per-message delivery options.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact URL or email sent in the VAPID claims.
	Subscriber string
	TTL        time.Duration
	Urgency    string
	Topic      string
}

// StatusError is a push service response outside the success range.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

// Transport delivers encrypted payloads to push subscriptions.
type Transport struct {
	cfg    Config
	client *http.Client
}

// NewTransport creates a transport. Missing VAPID keys are a configuration error.
func NewTransport(cfg Config, client *http.Client) (*Transport, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID public and private keys are required")
	}
	if cfg.Subscriber == "" {
		return nil, errors.New("VAPID subscriber is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Urgency == "" {
		cfg.Urgency = string(webpush.UrgencyHigh)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{cfg: cfg, client: client}, nil
}

// Deliver sends one message. Expired endpoints fail with models.ErrSubscriptionGone,
// refused messages with models.ErrPayloadRejected; other errors are transient.
func (t *Transport) Deliver(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	if len(payload) > maxCiphertextBytes {
		return fmt.Errorf("%w: %d bytes exceeds the record size", models.ErrPayloadRejected, len(payload))
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      t.cfg.Subscriber,
		TTL:             int(t.cfg.TTL.Seconds()),
		Urgency:         webpush.Urgency(t.cfg.Urgency),
		Topic:           t.cfg.Topic,
		VAPIDPublicKey:  t.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: t.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, webpush.ErrMaxPadExceeded) {
			return fmt.Errorf("%w: %v", models.ErrPayloadRejected, err)
		}
		return fmt.Errorf("failed to send push to %s: %w", sub.Host(), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s returned %d", models.ErrSubscriptionGone, sub.Host(), resp.StatusCode)
	case http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %w", models.ErrPayloadRejected, &StatusError{Code: resp.StatusCode, Body: string(body)})
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
}

// Classify treats gone endpoints and rejected payloads as permanent.
func Classify(err error) resilience.Class {
	if errors.Is(err, models.ErrSubscriptionGone) || errors.Is(err, models.ErrPayloadRejected) {
		return resilience.Permanent
	}
	return resilience.Transient
}

// GenerateVAPIDKeys returns a new (public, private) VAPID key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
