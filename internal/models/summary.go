package models

import "time"

// CycleTrigger names what started a cycle.
type CycleTrigger string

const (
	TriggerScheduled CycleTrigger = "scheduled"
	TriggerManual    CycleTrigger = "manual"
	TriggerCreation  CycleTrigger = "creation"
)

// CycleState is the terminal state of a cycle.
type CycleState string

const (
	CycleDone   CycleState = "done"
	CycleFailed CycleState = "failed"
)

// CycleSummary is the observability record emitted at the end of every cycle.
type CycleSummary struct {
	ID        string        `json:"id"`
	Trigger   CycleTrigger  `json:"trigger"`
	CoinID    string        `json:"coin_id,omitempty"`
	State     CycleState    `json:"state"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Coins           int `json:"coins"`
	Evaluated       int `json:"evaluated"`
	Triggered       int `json:"triggered"`
	Updated         int `json:"updated"`
	Unchanged       int `json:"unchanged"`
	Skipped         int `json:"skipped"`
	Conflicts       int `json:"conflicts"`
	PersistFailures int `json:"persist_failures"`

	Delivered           int `json:"delivered"`
	DeliveryFailures    int `json:"delivery_failures"`
	SubscriptionsPruned int `json:"subscriptions_pruned"`
	EmailsSent          int `json:"emails_sent"`
	EmailFailures       int `json:"email_failures"`
}
