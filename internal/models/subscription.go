package models

import (
	"errors"
	"net/mail"
	"net/url"
	"time"
)

// PushKeys is the client key material used to encrypt a push payload.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is one browser endpoint a user receives notifications on.
// A user may hold several; (UserID, Endpoint) is unique.
type PushSubscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	Keys      PushKeys  `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks subscription field constraints.
func (s *PushSubscription) Validate() error {
	if s.UserID == "" {
		return errors.New("user ID must not be empty")
	}
	if s.Endpoint == "" {
		return errors.New("endpoint must not be empty")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errors.New("endpoint must be an absolute http(s) URL")
	}
	if s.Keys.P256dh == "" {
		return errors.New("p256dh key must not be empty")
	}
	if s.Keys.Auth == "" {
		return errors.New("auth key must not be empty")
	}
	return nil
}

// Host returns the push service host of the endpoint, used to group breakers.
func (s *PushSubscription) Host() string {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}

// ValidateEmail checks that addr is a single bare address.
func ValidateEmail(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return err
	}
	if parsed.Address != addr {
		return errors.New("email must be a bare address")
	}
	return nil
}
