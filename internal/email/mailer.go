// Package email sends triggered alerts to users who registered a contact address.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wneessen/go-mail"

	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/resilience"
)

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Alert is the data rendered into an alert email.
type Alert struct {
	CoinID          string
	Direction       models.Direction
	ThresholdPrice  decimal.Decimal
	TriggeringPrice decimal.Decimal
	TriggeredAt     time.Time
}

const htmlBody = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
  <h2>Price alert: {{.CoinID}}</h2>
  <p>{{.CoinID}} has {{if eq .Direction "below"}}fallen{{else}}risen{{end}} to
     <strong>{{.TriggeringPrice}} USD</strong>, crossing your threshold of {{.ThresholdPrice}} USD.</p>
  <p style="color: #666;">Triggered at {{.TriggeredAt.UTC.Format "2006-01-02 15:04 MST"}}. This alert is now inactive.</p>
</body>
</html>
`

const textBody = `Price alert: {{.CoinID}}

{{.CoinID}} has {{if eq .Direction "below"}}fallen{{else}}risen{{end}} to {{.TriggeringPrice}} USD, crossing your threshold of {{.ThresholdPrice}} USD.
Triggered at {{.TriggeredAt.UTC.Format "2006-01-02 15:04 MST"}}. This alert is now inactive.
`

var (
	htmlTmpl = htmltemplate.Must(htmltemplate.New("alert.html").Parse(htmlBody))
	textTmpl = texttemplate.Must(texttemplate.New("alert.txt").Parse(textBody))
)

// Mailer renders and sends alert emails over SMTP.
type Mailer struct {
	cfg  Config
	opts []mail.Option
}

// NewMailer creates a mailer. Each send dials its own SMTP connection.
func NewMailer(cfg Config) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return &Mailer{cfg: cfg, opts: opts}, nil
}

// Send delivers one alert email to addr.
func (m *Mailer) Send(ctx context.Context, addr string, a Alert) error {
	msg, err := Compose(m.cfg.From, addr, a)
	if err != nil {
		return err
	}
	client, err := mail.NewClient(m.cfg.Host, m.opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

// Compose builds the multipart message for a.
func Compose(from, to string, a Alert) (*mail.Msg, error) {
	var html, text bytes.Buffer
	if err := htmlTmpl.Execute(&html, a); err != nil {
		return nil, fmt.Errorf("failed to render HTML body: %w", err)
	}
	if err := textTmpl.Execute(&text, a); err != nil {
		return nil, fmt.Errorf("failed to render text body: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg.Subject(fmt.Sprintf("Price alert: %s reached %s USD", a.CoinID, a.TriggeringPrice.String()))
	msg.SetBodyString(mail.TypeTextPlain, text.String())
	msg.AddAlternativeString(mail.TypeTextHTML, html.String())
	return msg, nil
}

// Classify treats SMTP rejections the server marks as permanent as permanent.
func Classify(err error) resilience.Class {
	var se *mail.SendError
	if errors.As(err, &se) && !se.IsTemp() {
		return resilience.Permanent
	}
	return resilience.Transient
}
