package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/pricewatch/internal/models"
)

// UpsertSubscription stores sub. Re-subscribing the same (user, endpoint) replaces its keys.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		sub.UserID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all live subscriptions of userID.
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	rows, err := s.query(ctx, `
		SELECT user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []models.PushSubscription{}
	for rows.Next() {
		var sub models.PushSubscription
		var createdAt int64
		if err := rows.Scan(&sub.UserID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.CreatedAt = time.Unix(0, createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes exactly the (userID, endpoint) subscription.
// Deleting a missing subscription returns models.ErrNotFound.
func (s *Storage) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	res, err := s.exec(ctx, `DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription: %w", models.ErrNotFound)
	}
	return nil
}

// SetContactEmail stores the email address used for the email channel.
func (s *Storage) SetContactEmail(ctx context.Context, userID, email string, now time.Time) error {
	_, err := s.exec(ctx, `
		INSERT INTO user_contacts (user_id, email, updated_at) VALUES (?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET email = excluded.email, updated_at = excluded.updated_at`,
		userID, email, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

// ContactEmail returns the user's email address or models.ErrNotFound.
func (s *Storage) ContactEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.queryRow(ctx, `SELECT email FROM user_contacts WHERE user_id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("contact for %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get contact: %w", err)
	}
	return email, nil
}
