package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/pricewatch/internal/models"
)

// Evaluate decides what price means for alert. It does not modify alert.
//
// An alert fires on a crossing: the price reaches the threshold from the
// waiting side, or from an unknown side when no price has been recorded yet.
// Inactive or already triggered alerts never change.
func Evaluate(alert *models.Alert, price decimal.Decimal) models.Decision {
	if !alert.IsActive || alert.TriggeredAt != nil {
		return models.NoChange
	}

	last := alert.LastEvaluatedPrice
	threshold := alert.ThresholdPrice

	switch alert.Direction {
	case models.DirectionAbove:
		if price.GreaterThanOrEqual(threshold) && (!last.Valid || last.Decimal.LessThan(threshold)) {
			return models.Trigger
		}
	case models.DirectionBelow:
		if price.LessThanOrEqual(threshold) && (!last.Valid || last.Decimal.GreaterThan(threshold)) {
			return models.Trigger
		}
	}

	if !last.Valid || !price.Equal(last.Decimal) {
		return models.UpdateOnly
	}
	return models.NoChange
}

// NextState returns the state to persist for decision. ok is false for NoChange.
func NextState(alert *models.Alert, decision models.Decision, price decimal.Decimal, now time.Time) (models.AlertState, bool) {
	switch decision {
	case models.Trigger:
		at := now
		return models.AlertState{
			LastEvaluatedPrice: decimal.NewNullDecimal(price),
			TriggeredAt:        &at,
			IsActive:           false,
		}, true
	case models.UpdateOnly:
		return models.AlertState{
			LastEvaluatedPrice: decimal.NewNullDecimal(price),
			TriggeredAt:        alert.TriggeredAt,
			IsActive:           alert.IsActive,
		}, true
	default:
		return alert.State(), false
	}
}

// InferDirection picks the side of the threshold the user is waiting for.
// A threshold at or above the current price waits for a rise.
func InferDirection(threshold, current decimal.Decimal) models.Direction {
	if threshold.GreaterThanOrEqual(current) {
		return models.DirectionAbove
	}
	return models.DirectionBelow
}
