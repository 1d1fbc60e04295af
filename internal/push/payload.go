// Package push builds notification payloads for triggered alerts and delivers
// them to browser push services.
package push

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/pricewatch/internal/models"
)

// DefaultMaxPayloadBytes leaves room for aes128gcm framing inside a 4096 byte record.
const DefaultMaxPayloadBytes = 3800

const ellipsis = "…"

// Data is the machine-readable part of a notification. It is never truncated.
type Data struct {
	AlertID         string `json:"alertId"`
	CoinID          string `json:"coinId"`
	ThresholdPrice  string `json:"thresholdPrice"`
	TriggeringPrice string `json:"triggeringPrice"`
	Timestamp       string `json:"timestamp"`
}

// Payload is the JSON document sent to the service worker.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Data  Data   `json:"data"`
}

// Marshal encodes the payload as JSON.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Composer builds payloads. The zero value uses DefaultMaxPayloadBytes and no icons.
type Composer struct {
	MaxBytes int
	Icon     string
	Badge    string
}

// Compose builds the notification for alert triggered at price. It is
// deterministic for a given (alert, price, at) and does not touch the alert.
func (c Composer) Compose(alert *models.Alert, price decimal.Decimal, at time.Time) (Payload, error) {
	p := Payload{
		Title: "Price alert: " + alert.CoinID,
		Body:  body(alert, price),
		Icon:  c.Icon,
		Badge: c.Badge,
		Tag:   "alert-" + alert.ID,
		Data: Data{
			AlertID:         alert.ID,
			CoinID:          alert.CoinID,
			ThresholdPrice:  alert.ThresholdPrice.String(),
			TriggeringPrice: price.String(),
			Timestamp:       at.UTC().Format(time.RFC3339),
		},
	}
	return c.fit(p)
}

func body(alert *models.Alert, price decimal.Decimal) string {
	verb := "risen to"
	if alert.Direction == models.DirectionBelow {
		verb = "fallen to"
	}
	return fmt.Sprintf("%s has %s %s USD, crossing your threshold of %s USD.",
		alert.CoinID, verb, price.String(), alert.ThresholdPrice.String())
}

// fit shortens the body, then the title, until the encoded payload fits.
func (c Composer) fit(p Payload) (Payload, error) {
	limit := c.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}

	raw, err := p.Marshal()
	if err != nil {
		return Payload{}, err
	}
	over := len(raw) - limit
	if over <= 0 {
		return p, nil
	}

	p.Body, over = shrink(p.Body, over)
	if over > 0 {
		p.Title, over = shrink(p.Title, over)
	}

	// JSON escaping can make the estimate slightly short; settle it exactly.
	for {
		raw, err = p.Marshal()
		if err != nil {
			return Payload{}, err
		}
		over = len(raw) - limit
		if over <= 0 {
			return p, nil
		}
		switch {
		case p.Body != "":
			p.Body, _ = shrink(p.Body, over)
		case p.Title != "":
			p.Title, _ = shrink(p.Title, over)
		default:
			return Payload{}, fmt.Errorf("%w: data fields alone need %d bytes, limit %d",
				models.ErrPayloadRejected, len(raw), limit)
		}
	}
}

// shrink drops at least n bytes from s on a rune boundary, marking the cut
// with an ellipsis when anything is left. It returns the bytes still owed.
func shrink(s string, n int) (string, int) {
	if n <= 0 {
		return s, 0
	}
	if n >= len(s) {
		return "", n - len(s)
	}
	cut := len(s) - n - len(ellipsis)
	if cut <= 0 {
		return "", n - len(s)
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return "", n - len(s)
	}
	return s[:cut] + ellipsis, 0
}
