package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/models"
)

// Sender is the part of Client the reporter needs.
type Sender interface {
	SendError(ctx context.Context, cycleErr error) error
	SendRecovery(ctx context.Context, failureCount int) error
	SendSummary(ctx context.Context, summary models.CycleSummary) error
}

// Reporter turns cycle outcomes into operator messages: one message when a
// run of failures starts, one when it ends, and optionally a summary for
// cycles that triggered alerts.
type Reporter struct {
	sender    Sender
	summaries bool
	timeout   time.Duration

	mu                  sync.Mutex
	consecutiveFailures int
}

// NewReporter creates a reporter. With summaries set, every cycle that
// triggered at least one alert is reported.
func NewReporter(sender Sender, summaries bool) *Reporter {
	return &Reporter{sender: sender, summaries: summaries, timeout: 30 * time.Second}
}

// OnCycle records the outcome of a cycle. It matches scheduler.Options.OnCycle.
func (r *Reporter) OnCycle(summary models.CycleSummary, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.mu.Lock()
	if err != nil {
		r.consecutiveFailures++
		first := r.consecutiveFailures == 1
		r.mu.Unlock()
		if first {
			if serr := r.sender.SendError(ctx, err); serr != nil {
				logger.Error("Failed to send error notification: %v", serr)
			}
		}
		return
	}

	failures := r.consecutiveFailures
	r.consecutiveFailures = 0
	r.mu.Unlock()

	if failures > 0 {
		if serr := r.sender.SendRecovery(ctx, failures); serr != nil {
			logger.Error("Failed to send recovery notification: %v", serr)
		}
	}
	if r.summaries && summary.Triggered > 0 {
		if serr := r.sender.SendSummary(ctx, summary); serr != nil {
			logger.Error("Failed to send cycle summary: %v", serr)
		}
	}
}

// ConsecutiveFailures returns the length of the current failure run.
func (r *Reporter) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}
