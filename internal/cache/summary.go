package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/pricewatch/internal/models"
)

// DefaultSummaryChannel is the Redis channel cycle summaries are published on.
const DefaultSummaryChannel = "pricewatch:cycles"

// SummaryPublisher publishes cycle summaries as JSON on a Redis channel.
type SummaryPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewSummaryPublisher creates a publisher for channel.
func NewSummaryPublisher(rdb *redis.Client, channel string) *SummaryPublisher {
	if channel == "" {
		channel = DefaultSummaryChannel
	}
	return &SummaryPublisher{rdb: rdb, channel: channel}
}

// Publish sends summary to all current subscribers of the channel.
func (p *SummaryPublisher) Publish(ctx context.Context, summary models.CycleSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode cycle summary: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish cycle summary: %w", err)
	}
	return nil
}

// Channel returns the channel name.
func (p *SummaryPublisher) Channel() string {
	return p.channel
}
