package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/resilience"
)

func testAlert() *models.Alert {
	return &models.Alert{
		ID:             "a1",
		UserID:         "u1",
		CoinID:         "bitcoin",
		ThresholdPrice: decimal.RequireFromString("50000"),
		Direction:      models.DirectionAbove,
		IsActive:       true,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Version:        1,
	}
}

func TestCompose(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := Composer{}.Compose(testAlert(), decimal.RequireFromString("51000"), at)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if !strings.Contains(p.Title, "bitcoin") {
		t.Errorf("title %q does not name the coin", p.Title)
	}
	for _, want := range []string{"50000", "51000", "risen"} {
		if !strings.Contains(p.Body, want) {
			t.Errorf("body %q missing %q", p.Body, want)
		}
	}
	want := Data{
		AlertID:         "a1",
		CoinID:          "bitcoin",
		ThresholdPrice:  "50000",
		TriggeringPrice: "51000",
		Timestamp:       "2024-03-01T12:00:00Z",
	}
	if p.Data != want {
		t.Errorf("data = %+v, want %+v", p.Data, want)
	}

	raw, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	data := decoded["data"].(map[string]any)
	for _, key := range []string{"alertId", "coinId", "thresholdPrice", "triggeringPrice", "timestamp"} {
		if _, ok := data[key]; !ok {
			t.Errorf("data missing %q", key)
		}
	}
}

func TestCompose_Deterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	price := decimal.RequireFromString("49999.5")
	a := testAlert()
	a.Direction = models.DirectionBelow

	p1, _ := Composer{}.Compose(a, price, at)
	p2, _ := Composer{}.Compose(a, price, at)
	if p1 != p2 {
		t.Errorf("compose is not deterministic: %+v vs %+v", p1, p2)
	}
	if !strings.Contains(p1.Body, "fallen") {
		t.Errorf("below alert body %q should mention a fall", p1.Body)
	}
	if a.IsActive != true || a.LastEvaluatedPrice.Valid {
		t.Error("compose mutated the alert")
	}
}

func TestCompose_TruncatesTextKeepsData(t *testing.T) {
	a := testAlert()
	a.CoinID = strings.Repeat("é", 200)
	c := Composer{MaxBytes: 600}

	p, err := c.Compose(a, decimal.RequireFromString("51000"), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	raw, _ := p.Marshal()
	if len(raw) > 600 {
		t.Errorf("payload is %d bytes, limit 600", len(raw))
	}
	if p.Data.CoinID != a.CoinID || p.Data.ThresholdPrice != "50000" || p.Data.TriggeringPrice != "51000" {
		t.Errorf("data fields were altered: %+v", p.Data)
	}
	if !utf8.ValidString(p.Body) || !utf8.ValidString(p.Title) {
		t.Error("truncation split a rune")
	}
}

func TestCompose_DataTooLarge(t *testing.T) {
	a := testAlert()
	a.ID = strings.Repeat("x", 1000)
	_, err := Composer{MaxBytes: 500}.Compose(a, decimal.RequireFromString("1"), time.Unix(0, 0))
	if !errors.Is(err, models.ErrPayloadRejected) {
		t.Errorf("err = %v, want ErrPayloadRejected", err)
	}
}

func TestShrink(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		n        int
		wantLen  int
		wantOwed int
	}{
		{name: "nothing", in: "hello", n: 0, wantLen: 5},
		{name: "partial", in: "hello world", n: 5, wantLen: 6},
		{name: "all", in: "hello", n: 5, wantLen: 0},
		{name: "more than all", in: "hi", n: 5, wantLen: 0, wantOwed: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, owed := shrink(tt.in, tt.n)
			if len(got) != tt.wantLen || owed != tt.wantOwed {
				t.Errorf("shrink(%q, %d) = %q (%d), %d; want len %d, owed %d",
					tt.in, tt.n, got, len(got), owed, tt.wantLen, tt.wantOwed)
			}
		})
	}
}

func newSubscription(t *testing.T, endpoint string) models.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	return models.PushSubscription{
		UserID:   "u1",
		Endpoint: endpoint,
		Keys: models.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newTransport(t *testing.T) *Transport {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTransport(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "ops@example.com",
		TTL:             time.Hour,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestNewTransport_RequiresKeys(t *testing.T) {
	if _, err := NewTransport(Config{Subscriber: "ops@example.com"}, nil); err == nil {
		t.Error("expected error for missing VAPID keys")
	}
}

func TestDeliver_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   error
		wantClass resilience.Class
		ok        bool
	}{
		{status: http.StatusCreated, ok: true},
		{status: http.StatusOK, ok: true},
		{status: http.StatusGone, wantErr: models.ErrSubscriptionGone, wantClass: resilience.Permanent},
		{status: http.StatusNotFound, wantErr: models.ErrSubscriptionGone, wantClass: resilience.Permanent},
		{status: http.StatusRequestEntityTooLarge, wantErr: models.ErrPayloadRejected, wantClass: resilience.Permanent},
		{status: http.StatusBadRequest, wantErr: models.ErrPayloadRejected, wantClass: resilience.Permanent},
		{status: http.StatusTooManyRequests, wantClass: resilience.Transient},
		{status: http.StatusServiceUnavailable, wantClass: resilience.Transient},
	}

	tr := newTransport(t)
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var got atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got.Store(r.Header.Clone())
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := tr.Deliver(context.Background(), newSubscription(t, srv.URL+"/push/abc"), []byte(`{"title":"t"}`))
			if tt.ok {
				if err != nil {
					t.Fatalf("Deliver: %v", err)
				}
				h := got.Load().(http.Header)
				if h.Get("Content-Encoding") != "aes128gcm" {
					t.Errorf("Content-Encoding = %q", h.Get("Content-Encoding"))
				}
				if h.Get("TTL") != "3600" {
					t.Errorf("TTL = %q, want 3600", h.Get("TTL"))
				}
				if !strings.HasPrefix(h.Get("Authorization"), "vapid ") {
					t.Errorf("Authorization = %q, want vapid scheme", h.Get("Authorization"))
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if c := Classify(err); c != tt.wantClass {
				t.Errorf("Classify = %s, want %s", c, tt.wantClass)
			}
		})
	}
}

func TestDeliver_OversizedPayload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newTransport(t).Deliver(context.Background(), newSubscription(t, srv.URL), make([]byte, 5000))
	if !errors.Is(err, models.ErrPayloadRejected) {
		t.Errorf("err = %v, want ErrPayloadRejected", err)
	}
	if calls.Load() != 0 {
		t.Error("oversized payload reached the push service")
	}
}

func TestDeliver_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	err := newTransport(t).Deliver(context.Background(), newSubscription(t, endpoint), []byte("{}"))
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != resilience.Transient {
		t.Errorf("Classify(%v) = permanent, want transient", err)
	}
}
