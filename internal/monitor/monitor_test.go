package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/pricewatch/internal/email"
	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/pricing"
	"github.com/rewired-gh/pricewatch/internal/push"
	"github.com/rewired-gh/pricewatch/internal/resilience"
	"github.com/rewired-gh/pricewatch/internal/storage"
)

var errUpstream = errors.New("upstream unavailable")

// fakePrices serves fixed prices. failFirst[coin] makes the first n lookups fail.
type fakePrices struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	failFirst map[string]int
	errs      map[string]error
	calls     map[string]int
}

func newFakePrices(prices map[string]string) *fakePrices {
	f := &fakePrices{
		prices:    make(map[string]decimal.Decimal),
		failFirst: make(map[string]int),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
	for coin, p := range prices {
		f.prices[coin] = decimal.RequireFromString(p)
	}
	return f
}

func (f *fakePrices) set(coin, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[coin] = decimal.RequireFromString(price)
}

func (f *fakePrices) GetPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[coinID]++
	if err, ok := f.errs[coinID]; ok {
		return decimal.Zero, err
	}
	if f.calls[coinID] <= f.failFirst[coinID] {
		return decimal.Zero, errUpstream
	}
	p, ok := f.prices[coinID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", models.ErrUnknownCoin, coinID)
	}
	return p, nil
}

func (f *fakePrices) callCount(coin string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[coin]
}

type delivery struct {
	endpoint string
	payload  string
}

// fakeTransport records deliveries; errs maps endpoints to the error they return.
type fakeTransport struct {
	mu        sync.Mutex
	errs      map[string]error
	delivered []delivery
	attempts  map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{errs: make(map[string]error), attempts: make(map[string]int)}
}

func (f *fakeTransport) Deliver(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[sub.Endpoint]++
	if err := f.errs[sub.Endpoint]; err != nil {
		return err
	}
	f.delivered = append(f.delivered, delivery{endpoint: sub.Endpoint, payload: string(payload)})
	return nil
}

func (f *fakeTransport) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.delivered...)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent map[string]email.Alert
}

func (f *fakeMailer) Send(ctx context.Context, addr string, a email.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string]email.Alert)
	}
	f.sent[addr] = a
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	summaries []models.CycleSummary
}

func (f *fakePublisher) Publish(ctx context.Context, s models.CycleSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func testPolicyConfig() resilience.Config {
	return resilience.Config{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 100,
		Cooldown:         time.Minute,
	}
}

type harness struct {
	store     *storage.Storage
	prices    *fakePrices
	transport *fakeTransport
	engine    *Engine
}

func newHarness(t *testing.T, prices map[string]string, mutate ...func(*Deps)) *harness {
	t.Helper()
	s, err := storage.New(storage.DriverSQLite, ":memory:", 50)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{store: s, prices: newFakePrices(prices), transport: newFakeTransport()}
	deps := Deps{
		Store:        s,
		Prices:       h.prices,
		Push:         h.transport,
		PricePolicy:  resilience.NewPolicy("price-"+t.Name(), testPolicyConfig(), pricing.Classify),
		PushPolicies: resilience.NewGroup("push-"+t.Name(), testPolicyConfig(), push.Classify),
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.engine = New(deps, Config{})
	return h
}

func (h *harness) seedAlert(t *testing.T, id, userID, coin, threshold string, dir models.Direction, lastPrice string) {
	t.Helper()
	a := &models.Alert{
		ID:                 id,
		UserID:             userID,
		CoinID:             coin,
		ThresholdPrice:     decimal.RequireFromString(threshold),
		Direction:          dir,
		IsActive:           true,
		LastEvaluatedPrice: last(lastPrice),
		CreatedAt:          time.Now(),
		Version:            1,
	}
	if err := h.store.CreateAlert(context.Background(), a); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
}

func (h *harness) subscribe(t *testing.T, userID, endpoint string) {
	t.Helper()
	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		Keys:     models.PushKeys{P256dh: "p256dh", Auth: "auth"},
	}
	if err := h.engine.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func (h *harness) alert(t *testing.T, id string) *models.Alert {
	t.Helper()
	a, err := h.store.GetAlert(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	return a
}

func TestEngine_EndToEndTrigger(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000"})
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "48000")
	h.subscribe(t, "u1", "https://fcm.googleapis.com/fcm/send/phone")
	h.subscribe(t, "u1", "https://updates.push.services.mozilla.com/wpush/v2/laptop")
	ctx := context.Background()

	summary, err := h.engine.CheckAlertsNow(ctx, "")
	if err != nil {
		t.Fatalf("CheckAlertsNow: %v", err)
	}
	if summary.State != models.CycleDone || summary.Evaluated != 1 || summary.Triggered != 1 || summary.Delivered != 2 {
		t.Errorf("summary = %+v", summary)
	}

	deliveries := h.transport.deliveries()
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(deliveries))
	}
	for _, want := range []string{"bitcoin", "50000", "51000"} {
		if !strings.Contains(deliveries[0].payload, want) {
			t.Errorf("payload %s missing %q", deliveries[0].payload, want)
		}
	}

	stored := h.alert(t, "a1")
	if stored.IsActive || stored.TriggeredAt == nil || stored.LastEvaluatedPrice.Decimal.String() != "51000" {
		t.Errorf("stored alert = %+v", stored)
	}
	if got := Evaluate(stored, decimal.RequireFromString("52000")); got != models.NoChange {
		t.Errorf("decision after trigger = %s, want no_change", got)
	}

	h.prices.set("bitcoin", "52000")
	summary, err = h.engine.CheckAlertsNow(ctx, "bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Triggered != 0 || summary.Evaluated != 0 {
		t.Errorf("second cycle summary = %+v", summary)
	}
	if len(h.transport.deliveries()) != 2 {
		t.Error("triggered alert notified twice")
	}
	again := h.alert(t, "a1")
	if !again.TriggeredAt.Equal(*stored.TriggeredAt) || again.LastEvaluatedPrice.Decimal.String() != "51000" {
		t.Errorf("inactive alert was mutated: %+v", again)
	}
}

func TestEngine_OnePriceLookupPerCoin(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "40000", "ethereum": "3000"})
	for i := 0; i < 5; i++ {
		h.seedAlert(t, fmt.Sprintf("btc-%d", i), "u1", "bitcoin", "50000", models.DirectionAbove, "")
	}
	h.seedAlert(t, "eth-1", "u2", "ethereum", "2000", models.DirectionBelow, "")

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Coins != 2 || summary.Evaluated != 6 || summary.Updated != 6 {
		t.Errorf("summary = %+v", summary)
	}
	if n := h.prices.callCount("bitcoin"); n != 1 {
		t.Errorf("bitcoin looked up %d times, want 1", n)
	}
}

func TestEngine_PriceRetrySucceeds(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000"})
	h.prices.failFirst["bitcoin"] = 2
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "48000")

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 0 || summary.Triggered != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if n := h.prices.callCount("bitcoin"); n != 3 {
		t.Errorf("price calls = %d, want 3", n)
	}
}

func TestEngine_PriceFailureIsolatedToCoin(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000", "ethereum": "1500"})
	h.prices.failFirst["bitcoin"] = 4
	h.seedAlert(t, "btc-1", "u1", "bitcoin", "50000", models.DirectionAbove, "48000")
	h.seedAlert(t, "btc-2", "u2", "bitcoin", "60000", models.DirectionAbove, "48000")
	h.seedAlert(t, "eth-1", "u1", "ethereum", "2000", models.DirectionBelow, "2500")

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatalf("coin failure must not fail the cycle: %v", err)
	}
	if summary.State != models.CycleDone {
		t.Errorf("state = %s", summary.State)
	}
	if summary.Skipped != 2 || summary.Evaluated != 1 || summary.Triggered != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if n := h.prices.callCount("bitcoin"); n != 3 {
		t.Errorf("bitcoin attempts = %d, want 3", n)
	}

	for _, id := range []string{"btc-1", "btc-2"} {
		a := h.alert(t, id)
		if !a.IsActive || a.Version != 1 || a.LastEvaluatedPrice.Decimal.String() != "48000" {
			t.Errorf("skipped alert %s was modified: %+v", id, a)
		}
	}
	if a := h.alert(t, "eth-1"); a.IsActive {
		t.Error("ethereum alert should have triggered")
	}
}

func TestEngine_UnknownCoinSkippedNotDeleted(t *testing.T) {
	h := newHarness(t, map[string]string{})
	h.seedAlert(t, "a1", "u1", "delisted", "1", models.DirectionAbove, "")

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", summary.Skipped)
	}
	if n := h.prices.callCount("delisted"); n != 1 {
		t.Errorf("unknown coin retried: %d calls", n)
	}
	if a := h.alert(t, "a1"); !a.IsActive {
		t.Error("alert for unknown coin was deactivated")
	}
}

func TestEngine_PermanentPushFailurePrunesOnlyThatSubscription(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000"})
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "")
	gone := "https://fcm.googleapis.com/fcm/send/old-phone"
	live := "https://fcm.googleapis.com/fcm/send/new-phone"
	h.subscribe(t, "u1", gone)
	h.subscribe(t, "u1", live)
	h.subscribe(t, "u2", gone)
	h.transport.errs[gone] = fmt.Errorf("%w: 410", models.ErrSubscriptionGone)

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Delivered != 1 || summary.DeliveryFailures != 1 || summary.SubscriptionsPruned != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if n := h.transport.attempts[gone]; n != 1 {
		t.Errorf("gone endpoint attempted %d times, want 1", n)
	}

	subs, _ := h.store.ListSubscriptions(context.Background(), "u1")
	if len(subs) != 1 || subs[0].Endpoint != live {
		t.Errorf("u1 subscriptions = %+v", subs)
	}
	other, _ := h.store.ListSubscriptions(context.Background(), "u2")
	if len(other) != 1 {
		t.Error("another user's subscription was pruned")
	}
}

func TestEngine_TransientPushFailureKeepsSubscriptionAndTrigger(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000"})
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "")
	flaky := "https://push.example.com/flaky"
	h.subscribe(t, "u1", flaky)
	h.transport.errs[flaky] = errors.New("503 service unavailable")

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Triggered != 1 || summary.DeliveryFailures != 1 || summary.SubscriptionsPruned != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if n := h.transport.attempts[flaky]; n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	subs, _ := h.store.ListSubscriptions(context.Background(), "u1")
	if len(subs) != 1 {
		t.Error("transient failure removed the subscription")
	}
	if a := h.alert(t, "a1"); a.IsActive || a.TriggeredAt == nil {
		t.Error("trigger must persist even when delivery fails")
	}
}

func TestEngine_PushBreakerShortCircuits(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.MaxAttempts = 1
	cfg.FailureThreshold = 2
	h := newHarness(t, map[string]string{"bitcoin": "51000"}, func(d *Deps) {
		d.PushPolicies = resilience.NewGroup("push-breaker", cfg, push.Classify)
	})
	endpoint := "https://down.example.com/sub"
	for i := 0; i < 4; i++ {
		user := fmt.Sprintf("u%d", i)
		h.seedAlert(t, "a"+user, user, "bitcoin", "50000", models.DirectionAbove, "")
		h.subscribe(t, user, endpoint)
	}
	h.transport.errs[endpoint] = errors.New("connection refused")
	// Deliveries are serialised so the breaker sees the failures in order.
	h.engine.config.DeliveryWorkers = 1

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.DeliveryFailures != 4 {
		t.Errorf("delivery failures = %d, want 4", summary.DeliveryFailures)
	}
	if n := h.transport.attempts[endpoint]; n != 2 {
		t.Errorf("transport invoked %d times, want 2 before the breaker opened", n)
	}
	if state := h.engine.BreakerStates()["push-breaker:down.example.com"]; state != "open" {
		t.Errorf("breaker state = %q, want open", state)
	}
}

func TestEngine_ConcurrentCyclesTriggerOnce(t *testing.T) {
	for run := 0; run < 10; run++ {
		h := newHarness(t, map[string]string{"bitcoin": "51000"})
		h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "48000")
		h.subscribe(t, "u1", "https://fcm.googleapis.com/fcm/send/a")
		h.subscribe(t, "u1", "https://fcm.googleapis.com/fcm/send/b")

		var triggered atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				summary, err := h.engine.CheckAlertsNow(context.Background(), "bitcoin")
				if err != nil {
					t.Error(err)
					return
				}
				triggered.Add(int32(summary.Triggered))
			}()
		}
		wg.Wait()

		if triggered.Load() != 1 {
			t.Fatalf("run %d: %d cycles triggered the alert, want 1", run, triggered.Load())
		}
		if n := len(h.transport.deliveries()); n != 2 {
			t.Fatalf("run %d: %d deliveries, want 2", run, n)
		}
	}
}

func TestEngine_StaleVersionDoesNotDispatch(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000"})
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "48000")
	h.subscribe(t, "u1", "https://fcm.googleapis.com/fcm/send/a")

	// Another writer moves the alert on after this cycle loaded it.
	stale := h.alert(t, "a1")
	won, err := h.store.ConditionalUpdate(context.Background(), "a1", 1,
		models.AlertState{LastEvaluatedPrice: last("49000"), IsActive: true}, time.Now())
	if err != nil || !won {
		t.Fatalf("setup update: %v %v", won, err)
	}

	summary, err := h.engine.runCycle(context.Background(), models.TriggerManual, "bitcoin",
		func(context.Context) ([]*models.Alert, error) { return []*models.Alert{stale}, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Conflicts != 1 || summary.Triggered != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(h.transport.deliveries()) != 0 {
		t.Error("losing writer dispatched a notification")
	}
}

func TestEngine_CreateAlert(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "100"})
	ctx := context.Background()

	tests := []struct {
		threshold string
		wantDir   models.Direction
	}{
		{"120", models.DirectionAbove},
		{"80", models.DirectionBelow},
	}
	for _, tt := range tests {
		a, err := h.engine.CreateAlert(ctx, "u1", " Bitcoin ", decimal.RequireFromString(tt.threshold))
		if err != nil {
			t.Fatalf("CreateAlert(%s): %v", tt.threshold, err)
		}
		if a.Direction != tt.wantDir || a.CoinID != "bitcoin" {
			t.Errorf("threshold %s: direction = %s, coin = %q", tt.threshold, a.Direction, a.CoinID)
		}
		stored := h.alert(t, a.ID)
		if !stored.IsActive || stored.LastEvaluatedPrice.Decimal.String() != "100" || stored.Version != 2 {
			t.Errorf("creation check did not record a baseline: %+v", stored)
		}
		if a.Version != stored.Version {
			t.Errorf("returned version %d, stored %d", a.Version, stored.Version)
		}
	}
}

func TestEngine_CreateAlertAtCurrentPriceTriggers(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "100"})
	h.subscribe(t, "u1", "https://fcm.googleapis.com/fcm/send/a")

	a, err := h.engine.CreateAlert(context.Background(), "u1", "bitcoin", decimal.RequireFromString("100"))
	if err != nil {
		t.Fatal(err)
	}
	if a.IsActive || a.TriggeredAt == nil {
		t.Errorf("alert at the current price should trigger on creation: %+v", a)
	}
	if len(h.transport.deliveries()) != 1 {
		t.Errorf("deliveries = %d, want 1", len(h.transport.deliveries()))
	}
}

func TestEngine_CreateAlertPriceUnavailable(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "100"})
	h.prices.failFirst["bitcoin"] = 10
	ctx := context.Background()

	_, err := h.engine.CreateAlert(ctx, "u1", "bitcoin", decimal.RequireFromString("120"))
	if !errors.Is(err, models.ErrPriceUnavailable) {
		t.Errorf("err = %v, want ErrPriceUnavailable", err)
	}

	_, err = h.engine.CreateAlert(ctx, "u1", "nosuchcoin", decimal.RequireFromString("1"))
	if !errors.Is(err, models.ErrPriceUnavailable) || !errors.Is(err, models.ErrUnknownCoin) {
		t.Errorf("err = %v, want ErrPriceUnavailable wrapping ErrUnknownCoin", err)
	}

	alerts, _ := h.store.ListUserAlerts(ctx, "u1", false)
	if len(alerts) != 0 {
		t.Errorf("failed creations stored %d alerts", len(alerts))
	}
}

func TestEngine_CreateAlertValidation(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "100"})
	ctx := context.Background()
	for _, tc := range []struct {
		user, coin, threshold string
	}{
		{"", "bitcoin", "10"},
		{"u1", "  ", "10"},
		{"u1", "bitcoin", "0"},
		{"u1", "bitcoin", "-5"},
	} {
		if _, err := h.engine.CreateAlert(ctx, tc.user, tc.coin, decimal.RequireFromString(tc.threshold)); !errors.Is(err, models.ErrInvalidAlert) {
			t.Errorf("CreateAlert(%q, %q, %s): err = %v, want ErrInvalidAlert", tc.user, tc.coin, tc.threshold, err)
		}
	}
	if h.prices.callCount("bitcoin") != 0 {
		t.Error("invalid requests reached the price source")
	}
}

func TestEngine_DeactivatedAlertIsNotEvaluated(t *testing.T) {
	h := newHarness(t, map[string]string{"bitcoin": "51000"})
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "48000")
	ctx := context.Background()

	if err := h.engine.DeactivateAlert(ctx, "u1", "a1"); err != nil {
		t.Fatal(err)
	}
	before := h.alert(t, "a1")
	for i := 0; i < 5; i++ {
		h.prices.set("bitcoin", fmt.Sprintf("%d", 40000+i*5000))
		if _, err := h.engine.RunScheduledCycle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	after := h.alert(t, "a1")
	if after.TriggeredAt != nil || !after.LastEvaluatedPrice.Decimal.Equal(before.LastEvaluatedPrice.Decimal) {
		t.Errorf("deactivated alert mutated: %+v", after)
	}
	if alerts, _ := h.engine.UserAlerts(ctx, "u1"); len(alerts) != 0 {
		t.Errorf("UserAlerts returned %d inactive alerts", len(alerts))
	}
}

func TestEngine_EmailChannel(t *testing.T) {
	mailer := &fakeMailer{}
	h := newHarness(t, map[string]string{"bitcoin": "51000"}, func(d *Deps) {
		d.Mailer = mailer
		d.MailPolicy = resilience.NewPolicy("email-test", testPolicyConfig(), email.Classify)
	})
	ctx := context.Background()
	h.seedAlert(t, "a1", "u1", "bitcoin", "50000", models.DirectionAbove, "")
	h.seedAlert(t, "a2", "u2", "bitcoin", "50000", models.DirectionAbove, "")
	if err := h.engine.SetContactEmail(ctx, "u1", "u1@example.com"); err != nil {
		t.Fatal(err)
	}

	summary, err := h.engine.RunScheduledCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.EmailsSent != 1 || summary.EmailFailures != 0 {
		t.Errorf("summary = %+v", summary)
	}
	got, ok := mailer.sent["u1@example.com"]
	if !ok || got.CoinID != "bitcoin" || got.TriggeringPrice.String() != "51000" {
		t.Errorf("sent = %+v", mailer.sent)
	}

	if err := h.engine.SetContactEmail(ctx, "u1", "not-an-address"); err == nil {
		t.Error("expected error for invalid address")
	}
}

type failingStore struct {
	*storage.Storage
}

func (f failingStore) ListActiveAlerts(ctx context.Context, coinID string) ([]*models.Alert, error) {
	return nil, errors.New("database is locked")
}

func TestEngine_LoadFailureFailsCycle(t *testing.T) {
	pub := &fakePublisher{}
	var store *storage.Storage
	h := newHarness(t, nil, func(d *Deps) {
		store = d.Store.(*storage.Storage)
		d.Store = failingStore{store}
		d.Publisher = pub
	})

	summary, err := h.engine.RunScheduledCycle(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if summary.State != models.CycleFailed || summary.Error == "" {
		t.Errorf("summary = %+v", summary)
	}
	if len(pub.summaries) != 1 || pub.summaries[0].State != models.CycleFailed {
		t.Errorf("published = %+v", pub.summaries)
	}
	recent, _ := store.RecentCycles(context.Background(), 10)
	if len(recent) != 1 || recent[0].State != models.CycleFailed {
		t.Errorf("recorded = %+v", recent)
	}
}

func TestEngine_UnsubscribeAndSubscribeValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.subscribe(t, "u1", "https://fcm.googleapis.com/fcm/send/a")

	if err := h.engine.Unsubscribe(ctx, "u1", "https://fcm.googleapis.com/fcm/send/a"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := h.engine.Unsubscribe(ctx, "u1", "https://fcm.googleapis.com/fcm/send/a"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := h.engine.Subscribe(ctx, models.PushSubscription{UserID: "u1", Endpoint: "https://x.example.com"}); err == nil {
		t.Error("expected error for missing keys")
	}
}
