package models

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflicting update")
	ErrInvalidAlert     = errors.New("invalid alert")
	ErrUnknownCoin      = errors.New("unknown coin")
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrSubscriptionGone means the push service no longer accepts the endpoint.
	ErrSubscriptionGone = errors.New("push subscription gone")
	// ErrPayloadRejected means the push service refused the message itself.
	ErrPayloadRejected = errors.New("push payload rejected")
)
