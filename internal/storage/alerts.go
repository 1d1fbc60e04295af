package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/pricewatch/internal/models"
)

const alertCols = `id, user_id, coin_id, threshold_price, direction, is_active,
	last_evaluated_price, triggered_at, created_at, updated_at, version`

// CreateAlert inserts a new alert.
func (s *Storage) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if err := alert.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidAlert, err)
	}
	updatedAt := alert.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = alert.CreatedAt
	}
	_, err := s.exec(ctx, `
		INSERT INTO alerts (`+alertCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.UserID, alert.CoinID, alert.ThresholdPrice.String(), string(alert.Direction),
		boolToInt(alert.IsActive), nullPrice(alert), nullTime(alert.TriggeredAt),
		alert.CreatedAt.UnixNano(), updatedAt.UnixNano(), alert.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert returns the alert with id or models.ErrNotFound.
func (s *Storage) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.queryRow(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// ListActiveAlerts returns every active alert, or only those for coinID when it is not empty.
func (s *Storage) ListActiveAlerts(ctx context.Context, coinID string) ([]*models.Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts WHERE is_active = 1`
	var args []any
	if coinID != "" {
		q += ` AND coin_id = ?`
		args = append(args, coinID)
	}
	q += ` ORDER BY coin_id, created_at`
	return s.listAlerts(ctx, q, args...)
}

// ListUserAlerts returns the user's alerts, newest first.
func (s *Storage) ListUserAlerts(ctx context.Context, userID string, activeOnly bool) ([]*models.Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts WHERE user_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY created_at DESC`
	return s.listAlerts(ctx, q, userID)
}

func (s *Storage) listAlerts(ctx context.Context, q string, args ...any) ([]*models.Alert, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ConditionalUpdate writes state only if the stored alert is still at
// expectedVersion, still active, and not yet triggered. It reports whether the
// write won; a false result with a nil error is a lost race.
func (s *Storage) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, state models.AlertState, now time.Time) (bool, error) {
	var last any
	if state.LastEvaluatedPrice.Valid {
		last = state.LastEvaluatedPrice.Decimal.String()
	}
	res, err := s.exec(ctx, `
		UPDATE alerts SET
			last_evaluated_price = ?, triggered_at = ?, is_active = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND is_active = 1 AND triggered_at IS NULL`,
		last, nullTime(state.TriggeredAt), boolToInt(state.IsActive), now.UnixNano(),
		id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return n == 1, nil
}

// DeactivateAlert marks the user's alert inactive. History is retained.
func (s *Storage) DeactivateAlert(ctx context.Context, userID, id string, now time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE alerts SET is_active = 0, updated_at = ?, version = version + 1
		WHERE id = ? AND user_id = ? AND is_active = 1`,
		now.UnixNano(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("active alert %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanAlert(scan func(...any) error) (*models.Alert, error) {
	var (
		a                    models.Alert
		direction            string
		isActive             int
		triggeredAt          sql.NullInt64
		createdAt, updatedAt int64
	)
	err := scan(
		&a.ID, &a.UserID, &a.CoinID, &a.ThresholdPrice, &direction, &isActive,
		&a.LastEvaluatedPrice, &triggeredAt, &createdAt, &updatedAt, &a.Version,
	)
	if err != nil {
		return nil, err
	}
	a.Direction = models.Direction(direction)
	a.IsActive = isActive != 0
	if triggeredAt.Valid {
		t := time.Unix(0, triggeredAt.Int64)
		a.TriggeredAt = &t
	}
	a.CreatedAt = time.Unix(0, createdAt)
	a.UpdatedAt = time.Unix(0, updatedAt)
	return &a, nil
}

func nullPrice(a *models.Alert) any {
	if !a.LastEvaluatedPrice.Valid {
		return nil
	}
	return a.LastEvaluatedPrice.Decimal.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
