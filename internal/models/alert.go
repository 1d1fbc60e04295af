// Package models defines the core domain entities: alerts, push subscriptions, and cycle summaries.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the threshold an alert is waiting for the price to reach.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// Alert is a persisted rule binding a user, a coin, a threshold price, and a direction.
// Version is bumped on every successful conditional update and guards concurrent writers.
type Alert struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"user_id"`
	CoinID             string              `json:"coin_id"`
	ThresholdPrice     decimal.Decimal     `json:"threshold_price"`
	Direction          Direction           `json:"direction"`
	IsActive           bool                `json:"is_active"`
	LastEvaluatedPrice decimal.NullDecimal `json:"last_evaluated_price"`
	TriggeredAt        *time.Time          `json:"triggered_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	Version            int64               `json:"version"`
}

// State returns the mutable part of the alert.
func (a *Alert) State() AlertState {
	return AlertState{
		LastEvaluatedPrice: a.LastEvaluatedPrice,
		TriggeredAt:        a.TriggeredAt,
		IsActive:           a.IsActive,
	}
}

// Apply copies s onto the alert. Callers apply a state only after the store accepted it.
func (a *Alert) Apply(s AlertState) {
	a.LastEvaluatedPrice = s.LastEvaluatedPrice
	a.TriggeredAt = s.TriggeredAt
	a.IsActive = s.IsActive
}

// Validate checks alert field constraints.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if a.UserID == "" {
		return errors.New("user ID must not be empty")
	}
	if a.CoinID == "" {
		return errors.New("coin ID must not be empty")
	}
	if !a.ThresholdPrice.IsPositive() {
		return errors.New("threshold price must be greater than 0")
	}
	if !a.Direction.Valid() {
		return errors.New("direction must be one of: above, below")
	}
	if a.LastEvaluatedPrice.Valid && a.LastEvaluatedPrice.Decimal.IsNegative() {
		return errors.New("last evaluated price must not be negative")
	}
	if a.IsActive && a.TriggeredAt != nil {
		return errors.New("triggered alert must not be active")
	}
	if a.CreatedAt.IsZero() {
		return errors.New("created at must be set")
	}
	if a.Version < 1 {
		return errors.New("version must be at least 1")
	}
	return nil
}

// NormalizeCoinID lower-cases and trims a coin identifier.
func NormalizeCoinID(coinID string) string {
	return strings.ToLower(strings.TrimSpace(coinID))
}

// AlertState is the projection written by a conditional update.
type AlertState struct {
	LastEvaluatedPrice decimal.NullDecimal
	TriggeredAt        *time.Time
	IsActive           bool
}

// Decision is the outcome of evaluating one alert against one price.
type Decision int

const (
	NoChange Decision = iota
	UpdateOnly
	Trigger
)

func (d Decision) String() string {
	switch d {
	case UpdateOnly:
		return "update_only"
	case Trigger:
		return "trigger"
	default:
		return "no_change"
	}
}
