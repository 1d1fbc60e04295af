package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rewired-gh/pricewatch/internal/models"
)

// RecordCycle stores a cycle summary and trims history to the configured size.
func (s *Storage) RecordCycle(ctx context.Context, summary models.CycleSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle summary: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO cycle_runs (id, cycle_trigger, coin_id, state, started_at, summary)
		VALUES (?,?,?,?,?,?)`,
		summary.ID, string(summary.Trigger), summary.CoinID, string(summary.State),
		summary.StartedAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle run: %w", err)
	}
	return s.PruneCycles(ctx)
}

// RecentCycles returns up to n summaries, newest first.
func (s *Storage) RecentCycles(ctx context.Context, n int) ([]models.CycleSummary, error) {
	rows, err := s.query(ctx, `SELECT summary FROM cycle_runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle runs: %w", err)
	}
	defer rows.Close()

	summaries := []models.CycleSummary{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan cycle run: %w", err)
		}
		var summary models.CycleSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cycle summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// PruneCycles keeps at most maxCycleHistory newest cycle runs.
func (s *Storage) PruneCycles(ctx context.Context) error {
	_, err := s.exec(ctx, `
		DELETE FROM cycle_runs WHERE id NOT IN (
			SELECT id FROM cycle_runs ORDER BY started_at DESC LIMIT ?
		)`, s.maxCycleHistory)
	if err != nil {
		return fmt.Errorf("failed to prune cycle runs: %w", err)
	}
	return nil
}
