// Package telegram sends operator notifications via the Telegram Bot API and
// answers operator commands.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/models"
)

// Config holds bot credentials and send behaviour.
type Config struct {
	BotToken       string
	ChatID         string
	MaxRetries     int
	RetryDelayBase time.Duration
	// APIEndpoint overrides the Bot API URL format, e.g. for a local Bot API server.
	APIEndpoint string
}

// CheckFunc runs an on-demand cycle for the /check command.
type CheckFunc func(ctx context.Context, coinID string) (models.CycleSummary, error)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(cfg Config) (*Client, error) {
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: 70 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// Only messages from the configured chat are answered. It returns immediately;
// the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, check CheckFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() && update.Message.Chat.ID == c.chatID {
					c.handleCommand(ctx, update.Message, check)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message, check CheckFunc) {
	var reply string
	switch msg.Command() {
	case "ping":
		reply = "Pong"
	case "check":
		if check == nil {
			return
		}
		coin := models.NormalizeCoinID(msg.CommandArguments())
		summary, err := check(ctx, coin)
		if err != nil {
			reply = fmt.Sprintf("⚠️ *Check failed*\n`%s`", escapeMarkdownV2(err.Error()))
		} else {
			reply = formatSummary(summary)
		}
	default:
		return
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	if msg.Command() != "ping" {
		out.ParseMode = tgbotapi.ModeMarkdownV2
	}
	if _, err := c.bot.Send(out); err != nil {
		logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a cycle failure notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	return c.sendMarkdownV2(ctx, formatError(cycleErr))
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	return c.sendMarkdownV2(ctx, formatRecovery(failureCount))
}

// SendSummary sends the outcome of one cycle.
func (c *Client) SendSummary(ctx context.Context, summary models.CycleSummary) error {
	return c.sendMarkdownV2(ctx, formatSummary(summary))
}

func formatError(err error) string {
	return fmt.Sprintf("⚠️ *Alert cycle error*\n`%s`", escapeMarkdownV2(err.Error()))
}

func formatRecovery(failureCount int) string {
	return fmt.Sprintf("✅ *Alert cycles recovered* after %d consecutive failure\\(s\\)", failureCount)
}

// formatSummary formats a cycle summary into a Telegram MarkdownV2 message.
func formatSummary(s models.CycleSummary) string {
	var b strings.Builder

	scope := "all coins"
	if s.CoinID != "" {
		scope = s.CoinID
	}
	icon := "📊"
	if s.State == models.CycleFailed {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s *%s cycle* \\(%s\\)\n", icon, escapeMarkdownV2(string(s.Trigger)), escapeMarkdownV2(scope))
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "📅 %s, took %s\n\n",
			escapeMarkdownV2(s.StartedAt.UTC().Format("2006-01-02 15:04:05 MST")),
			escapeMarkdownV2(s.Duration.Round(time.Millisecond).String()))
	}

	fmt.Fprintf(&b, "Evaluated: %d across %d coin\\(s\\)\n", s.Evaluated, s.Coins)
	fmt.Fprintf(&b, "Triggered: *%d*\n", s.Triggered)
	if s.Skipped > 0 {
		fmt.Fprintf(&b, "Skipped: %d\n", s.Skipped)
	}
	if s.Conflicts > 0 || s.PersistFailures > 0 {
		fmt.Fprintf(&b, "Conflicts: %d, write failures: %d\n", s.Conflicts, s.PersistFailures)
	}
	if s.Triggered > 0 {
		fmt.Fprintf(&b, "Push: %d delivered, %d failed, %d pruned\n", s.Delivered, s.DeliveryFailures, s.SubscriptionsPruned)
		if s.EmailsSent > 0 || s.EmailFailures > 0 {
			fmt.Fprintf(&b, "Email: %d sent, %d failed\n", s.EmailsSent, s.EmailFailures)
		}
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "\n`%s`\n", escapeMarkdownV2(s.Error))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
