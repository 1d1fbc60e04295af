// Package monitor evaluates price alerts and dispatches notifications for the ones that fire.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rewired-gh/pricewatch/internal/email"
	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/metrics"
	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/pricing"
	"github.com/rewired-gh/pricewatch/internal/push"
	"github.com/rewired-gh/pricewatch/internal/resilience"
)

// Store is the durable record of alerts, subscriptions and contacts.
type Store interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListActiveAlerts(ctx context.Context, coinID string) ([]*models.Alert, error)
	ListUserAlerts(ctx context.Context, userID string, activeOnly bool) ([]*models.Alert, error)
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, state models.AlertState, now time.Time) (bool, error)
	DeactivateAlert(ctx context.Context, userID, id string, now time.Time) error

	UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error

	SetContactEmail(ctx context.Context, userID, email string, now time.Time) error
	ContactEmail(ctx context.Context, userID string) (string, error)

	RecordCycle(ctx context.Context, summary models.CycleSummary) error
}

// PriceSource returns the current price of a coin.
type PriceSource interface {
	GetPrice(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// PushTransport delivers one encrypted message to one subscription.
type PushTransport interface {
	Deliver(ctx context.Context, sub models.PushSubscription, payload []byte) error
}

// Mailer sends alert emails.
type Mailer interface {
	Send(ctx context.Context, addr string, alert email.Alert) error
}

// SummaryPublisher receives every cycle summary.
type SummaryPublisher interface {
	Publish(ctx context.Context, summary models.CycleSummary) error
}

// Config tunes cycle concurrency.
type Config struct {
	PriceWorkers    int
	DeliveryWorkers int
	StoreTimeout    time.Duration
	Composer        push.Composer
}

func DefaultConfig() Config {
	return Config{
		PriceWorkers:    8,
		DeliveryWorkers: 16,
		StoreTimeout:    5 * time.Second,
	}
}

// Deps are the collaborators of an Engine. Mailer and Publisher are optional;
// missing policies are created with default settings.
type Deps struct {
	Store        Store
	Prices       PriceSource
	Push         PushTransport
	PricePolicy  *resilience.Policy
	PushPolicies *resilience.Group
	Mailer       Mailer
	MailPolicy   *resilience.Policy
	Publisher    SummaryPublisher
	Now          func() time.Time
}

// Engine runs evaluation cycles. Cycles may overlap; per-alert conditional
// writes keep each alert from triggering twice.
type Engine struct {
	store        Store
	prices       PriceSource
	transport    PushTransport
	pricePolicy  *resilience.Policy
	pushPolicies *resilience.Group
	mailer       Mailer
	mailPolicy   *resilience.Policy
	publisher    SummaryPublisher
	now          func() time.Time
	config       Config
	tracer       trace.Tracer
}

// New creates an engine.
func New(deps Deps, config Config) *Engine {
	d := DefaultConfig()
	if config.PriceWorkers <= 0 {
		config.PriceWorkers = d.PriceWorkers
	}
	if config.DeliveryWorkers <= 0 {
		config.DeliveryWorkers = d.DeliveryWorkers
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = d.StoreTimeout
	}

	e := &Engine{
		store:        deps.Store,
		prices:       deps.Prices,
		transport:    deps.Push,
		pricePolicy:  deps.PricePolicy,
		pushPolicies: deps.PushPolicies,
		mailer:       deps.Mailer,
		mailPolicy:   deps.MailPolicy,
		publisher:    deps.Publisher,
		now:          deps.Now,
		config:       config,
		tracer:       otel.Tracer("pricewatch/monitor"),
	}
	if e.pricePolicy == nil {
		e.pricePolicy = resilience.NewPolicy("price", resilience.DefaultConfig(), pricing.Classify)
	}
	if e.pushPolicies == nil {
		e.pushPolicies = resilience.NewGroup("push", resilience.DefaultConfig(), push.Classify)
	}
	if e.mailer != nil && e.mailPolicy == nil {
		e.mailPolicy = resilience.NewPolicy("email", resilience.DefaultConfig(), email.Classify)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// evaluation is one alert's decision within a cycle.
type evaluation struct {
	alert    *models.Alert
	price    decimal.Decimal
	decision models.Decision
}

// CreateAlert stores a new alert for userID. The direction is inferred from
// the current price, so creation fails with models.ErrPriceUnavailable when
// no price can be obtained. The new alert is evaluated once against the
// creation price before returning.
func (e *Engine) CreateAlert(ctx context.Context, userID, coinID string, threshold decimal.Decimal) (*models.Alert, error) {
	coinID = models.NormalizeCoinID(coinID)
	if userID == "" || coinID == "" {
		return nil, fmt.Errorf("%w: user and coin are required", models.ErrInvalidAlert)
	}
	if !threshold.IsPositive() {
		return nil, fmt.Errorf("%w: threshold price must be greater than 0", models.ErrInvalidAlert)
	}

	price, err := e.resolvePrice(ctx, coinID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrPriceUnavailable, coinID, err)
	}

	now := e.now()
	alert := &models.Alert{
		ID:             uuid.NewString(),
		UserID:         userID,
		CoinID:         coinID,
		ThresholdPrice: threshold,
		Direction:      InferDirection(threshold, price),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	storeCtx, cancel := e.storeContext(ctx)
	err = e.store.CreateAlert(storeCtx, alert)
	cancel()
	if err != nil {
		return nil, err
	}
	logger.Info("Created alert %s: %s %s %s (current %s)", alert.ID, coinID, alert.Direction, threshold, price)

	_, _ = e.runCycle(ctx, models.TriggerCreation, coinID, func(context.Context) ([]*models.Alert, error) {
		return []*models.Alert{alert}, nil
	}, map[string]decimal.Decimal{coinID: price})
	return alert, nil
}

// CheckAlertsNow runs one cycle immediately. An empty coinID checks every coin.
func (e *Engine) CheckAlertsNow(ctx context.Context, coinID string) (models.CycleSummary, error) {
	coinID = models.NormalizeCoinID(coinID)
	return e.runCycle(ctx, models.TriggerManual, coinID, e.loader(coinID), nil)
}

// RunScheduledCycle runs one cycle over every active alert.
func (e *Engine) RunScheduledCycle(ctx context.Context) (models.CycleSummary, error) {
	return e.runCycle(ctx, models.TriggerScheduled, "", e.loader(""), nil)
}

func (e *Engine) loader(coinID string) func(context.Context) ([]*models.Alert, error) {
	return func(ctx context.Context) ([]*models.Alert, error) {
		storeCtx, cancel := e.storeContext(ctx)
		defer cancel()
		return e.store.ListActiveAlerts(storeCtx, coinID)
	}
}

// runCycle executes Loading, Grouping, Evaluating, Persisting and Dispatching.
// known holds prices already resolved by the caller.
func (e *Engine) runCycle(
	ctx context.Context,
	trigger models.CycleTrigger,
	coinID string,
	load func(context.Context) ([]*models.Alert, error),
	known map[string]decimal.Decimal,
) (models.CycleSummary, error) {
	summary := models.CycleSummary{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		CoinID:    coinID,
		StartedAt: e.now(),
	}
	ctx, span := e.tracer.Start(ctx, "monitor.cycle", trace.WithAttributes(
		attribute.String("cycle.id", summary.ID),
		attribute.String("cycle.trigger", string(trigger)),
		attribute.String("cycle.coin", coinID),
	))
	defer span.End()
	started := time.Now()

	alerts, err := load(ctx)
	if err != nil {
		err = fmt.Errorf("failed to load active alerts: %w", err)
		e.finish(ctx, span, &summary, started, err)
		return summary, err
	}

	batches := groupByCoin(alerts)
	summary.Coins = len(batches)

	prices := e.resolvePrices(ctx, batches, known)

	var evals []evaluation
	for _, coin := range sortedCoins(batches) {
		price, ok := prices[coin]
		if !ok {
			summary.Skipped += len(batches[coin])
			metrics.AlertsSkippedTotal.Add(float64(len(batches[coin])))
			continue
		}
		for _, alert := range batches[coin] {
			decision := Evaluate(alert, price)
			metrics.DecisionsTotal.WithLabelValues(decision.String()).Inc()
			summary.Evaluated++
			evals = append(evals, evaluation{alert: alert, price: price, decision: decision})
		}
	}

	won := e.persist(ctx, evals, &summary)
	e.dispatch(ctx, won, &summary)

	var cycleErr error
	if err := ctx.Err(); err != nil {
		cycleErr = fmt.Errorf("cycle interrupted: %w", err)
	}
	e.finish(ctx, span, &summary, started, cycleErr)
	return summary, cycleErr
}

func groupByCoin(alerts []*models.Alert) map[string][]*models.Alert {
	batches := make(map[string][]*models.Alert)
	for _, a := range alerts {
		batches[a.CoinID] = append(batches[a.CoinID], a)
	}
	return batches
}

func sortedCoins(batches map[string][]*models.Alert) []string {
	coins := make([]string, 0, len(batches))
	for coin := range batches {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	return coins
}

type priceResult struct {
	coin  string
	price decimal.Decimal
	err   error
}

// resolvePrices looks up one price per coin. Coins whose lookup failed are absent from the result.
func (e *Engine) resolvePrices(ctx context.Context, batches map[string][]*models.Alert, known map[string]decimal.Decimal) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(batches))
	p := pool.NewWithResults[priceResult]().WithMaxGoroutines(e.config.PriceWorkers)
	for coin := range batches {
		if price, ok := known[coin]; ok {
			prices[coin] = price
			continue
		}
		p.Go(func() priceResult {
			price, err := e.resolvePrice(ctx, coin)
			return priceResult{coin: coin, price: price, err: err}
		})
	}
	for _, r := range p.Wait() {
		if r.err != nil {
			logger.Warn("Skipping %d alert(s) for %s: price unavailable: %v", len(batches[r.coin]), r.coin, r.err)
			continue
		}
		prices[r.coin] = r.price
	}
	return prices
}

func (e *Engine) resolvePrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	ctx, span := e.tracer.Start(ctx, "monitor.price", trace.WithAttributes(attribute.String("coin", coinID)))
	defer span.End()

	out := resilience.Do(ctx, e.pricePolicy, func(ctx context.Context) (decimal.Decimal, error) {
		return e.prices.GetPrice(ctx, coinID)
	})
	span.SetAttributes(attribute.Int("attempts", out.Attempts))
	if !out.OK() {
		span.SetStatus(codes.Error, out.Err.Error())
		return decimal.Zero, out.Err
	}
	return out.Value, nil
}

// persist writes every changed alert conditionally and returns the triggers that won.
// A failed write is logged and the remaining alerts are still written.
func (e *Engine) persist(ctx context.Context, evals []evaluation, summary *models.CycleSummary) []evaluation {
	var won []evaluation
	for _, ev := range evals {
		state, changed := NextState(ev.alert, ev.decision, ev.price, e.now())
		if !changed {
			summary.Unchanged++
			continue
		}

		storeCtx, cancel := e.storeContext(ctx)
		ok, err := e.store.ConditionalUpdate(storeCtx, ev.alert.ID, ev.alert.Version, state, e.now())
		cancel()
		switch {
		case err != nil:
			summary.PersistFailures++
			metrics.PersistTotal.WithLabelValues("failed").Inc()
			logger.Error("Failed to persist alert %s: %v", ev.alert.ID, err)
			continue
		case !ok:
			summary.Conflicts++
			metrics.PersistTotal.WithLabelValues("conflict").Inc()
			logger.Debug("Alert %s changed concurrently, discarding %s", ev.alert.ID, ev.decision)
			continue
		}
		metrics.PersistTotal.WithLabelValues("won").Inc()

		ev.alert.Apply(state)
		ev.alert.Version++
		ev.alert.UpdatedAt = e.now()

		if ev.decision == models.Trigger {
			summary.Triggered++
			logger.Info("Alert %s triggered: %s at %s (threshold %s, %s)",
				ev.alert.ID, ev.alert.CoinID, ev.price, ev.alert.ThresholdPrice, ev.alert.Direction)
			won = append(won, ev)
		} else {
			summary.Updated++
		}
	}
	return won
}

type deliveryResult struct {
	channel string
	outcome string
	pruned  bool
}

// dispatch delivers every won trigger to all of its owner's subscriptions and,
// when configured, by email. Each delivery succeeds or fails on its own.
func (e *Engine) dispatch(ctx context.Context, won []evaluation, summary *models.CycleSummary) {
	if len(won) == 0 {
		return
	}
	at := e.now()
	p := pool.NewWithResults[deliveryResult]().WithMaxGoroutines(e.config.DeliveryWorkers)
	subsByUser := make(map[string][]models.PushSubscription)

	for _, ev := range won {
		alert, price := ev.alert, ev.price

		subs, ok := subsByUser[alert.UserID]
		if !ok {
			storeCtx, cancel := e.storeContext(ctx)
			var err error
			subs, err = e.store.ListSubscriptions(storeCtx, alert.UserID)
			cancel()
			if err != nil {
				logger.Error("Failed to list subscriptions for %s: %v", alert.UserID, err)
			}
			subsByUser[alert.UserID] = subs
		}

		if len(subs) > 0 {
			payload, err := e.config.Composer.Compose(alert, price, at)
			var raw []byte
			if err == nil {
				raw, err = payload.Marshal()
			}
			if err != nil {
				logger.Error("Failed to compose notification for alert %s: %v", alert.ID, err)
				summary.DeliveryFailures += len(subs)
				metrics.DeliveriesTotal.WithLabelValues("push", "rejected").Add(float64(len(subs)))
			} else {
				for _, sub := range subs {
					p.Go(func() deliveryResult {
						return e.deliverPush(ctx, sub, raw)
					})
				}
			}
		} else {
			logger.Debug("Alert %s triggered but user %s has no push subscriptions", alert.ID, alert.UserID)
		}

		if e.mailer != nil {
			p.Go(func() deliveryResult {
				return e.deliverEmail(ctx, alert, price, at)
			})
		}
	}

	for _, r := range p.Wait() {
		metrics.DeliveriesTotal.WithLabelValues(r.channel, r.outcome).Inc()
		switch {
		case r.channel == "email" && r.outcome == "delivered":
			summary.EmailsSent++
		case r.channel == "email" && r.outcome == "failed":
			summary.EmailFailures++
		case r.outcome == "delivered":
			summary.Delivered++
		case r.outcome != "skipped":
			summary.DeliveryFailures++
		}
		if r.pruned {
			summary.SubscriptionsPruned++
			metrics.SubscriptionsPrunedTotal.Inc()
		}
	}
}

func (e *Engine) deliverPush(ctx context.Context, sub models.PushSubscription, payload []byte) deliveryResult {
	host := sub.Host()
	ctx, span := e.tracer.Start(ctx, "monitor.push", trace.WithAttributes(attribute.String("push.host", host)))
	defer span.End()

	out := resilience.Do(ctx, e.pushPolicies.Policy(host), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.transport.Deliver(ctx, sub, payload)
	})
	if out.OK() {
		return deliveryResult{channel: "push", outcome: "delivered"}
	}
	span.SetStatus(codes.Error, out.Err.Error())

	switch {
	case errors.Is(out.Err, models.ErrSubscriptionGone):
		res := deliveryResult{channel: "push", outcome: "gone"}
		storeCtx, cancel := e.storeContext(ctx)
		defer cancel()
		err := e.store.DeleteSubscription(storeCtx, sub.UserID, sub.Endpoint)
		switch {
		case err == nil:
			res.pruned = true
			logger.Info("Removed expired push subscription of %s at %s", sub.UserID, host)
		case errors.Is(err, models.ErrNotFound):
		default:
			logger.Error("Failed to remove expired subscription of %s at %s: %v", sub.UserID, host, err)
		}
		return res
	case errors.Is(out.Err, models.ErrPayloadRejected):
		logger.Warn("Push service %s rejected notification for %s: %v", host, sub.UserID, out.Err)
		return deliveryResult{channel: "push", outcome: "rejected"}
	default:
		logger.Warn("Push to %s for %s failed after %d attempt(s): %v", host, sub.UserID, out.Attempts, out.Err)
		return deliveryResult{channel: "push", outcome: "failed"}
	}
}

func (e *Engine) deliverEmail(ctx context.Context, alert *models.Alert, price decimal.Decimal, at time.Time) deliveryResult {
	storeCtx, cancel := e.storeContext(ctx)
	addr, err := e.store.ContactEmail(storeCtx, alert.UserID)
	cancel()
	if errors.Is(err, models.ErrNotFound) {
		return deliveryResult{channel: "email", outcome: "skipped"}
	}
	if err != nil {
		logger.Error("Failed to load contact for %s: %v", alert.UserID, err)
		return deliveryResult{channel: "email", outcome: "failed"}
	}

	out := resilience.Do(ctx, e.mailPolicy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.mailer.Send(ctx, addr, email.Alert{
			CoinID:          alert.CoinID,
			Direction:       alert.Direction,
			ThresholdPrice:  alert.ThresholdPrice,
			TriggeringPrice: price,
			TriggeredAt:     at,
		})
	})
	if !out.OK() {
		logger.Warn("Alert email for %s failed after %d attempt(s): %v", alert.ID, out.Attempts, out.Err)
		return deliveryResult{channel: "email", outcome: "failed"}
	}
	return deliveryResult{channel: "email", outcome: "delivered"}
}

// finish closes out the cycle: state, metrics, history and publication.
func (e *Engine) finish(ctx context.Context, span trace.Span, summary *models.CycleSummary, started time.Time, err error) {
	summary.Duration = time.Since(started)
	summary.State = models.CycleDone
	if err != nil {
		summary.State = models.CycleFailed
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("cycle.evaluated", summary.Evaluated),
		attribute.Int("cycle.triggered", summary.Triggered),
		attribute.Int("cycle.skipped", summary.Skipped),
	)

	metrics.CyclesTotal.WithLabelValues(string(summary.Trigger), string(summary.State)).Inc()
	metrics.CycleDuration.WithLabelValues(string(summary.Trigger)).Observe(summary.Duration.Seconds())
	metrics.LastCycleTimestamp.SetToCurrentTime()

	if err != nil {
		logger.Error("Cycle %s (%s) failed after %v: %v", summary.ID, summary.Trigger, summary.Duration, err)
	} else {
		logger.Info("Cycle %s (%s) done in %v: coins=%d evaluated=%d triggered=%d updated=%d skipped=%d conflicts=%d delivered=%d failed=%d pruned=%d",
			summary.ID, summary.Trigger, summary.Duration.Round(time.Millisecond),
			summary.Coins, summary.Evaluated, summary.Triggered, summary.Updated, summary.Skipped,
			summary.Conflicts, summary.Delivered, summary.DeliveryFailures, summary.SubscriptionsPruned)
	}

	// History and publication must not be lost to a cancelled caller.
	bg := context.WithoutCancel(ctx)
	storeCtx, cancel := e.storeContext(bg)
	if rerr := e.store.RecordCycle(storeCtx, *summary); rerr != nil {
		logger.Warn("Failed to record cycle %s: %v", summary.ID, rerr)
	}
	cancel()

	if e.publisher != nil {
		pubCtx, cancel := context.WithTimeout(bg, 3*time.Second)
		if perr := e.publisher.Publish(pubCtx, *summary); perr != nil {
			logger.Warn("Failed to publish cycle summary %s: %v", summary.ID, perr)
		}
		cancel()
	}
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.StoreTimeout)
}

// Subscribe registers or refreshes a push subscription.
func (e *Engine) Subscribe(ctx context.Context, sub models.PushSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = e.now()
	}
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.UpsertSubscription(storeCtx, &sub)
}

// Unsubscribe removes one push subscription of userID.
func (e *Engine) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.DeleteSubscription(storeCtx, userID, endpoint)
}

// DeactivateAlert stops evaluating the user's alert. Its history is kept.
func (e *Engine) DeactivateAlert(ctx context.Context, userID, alertID string) error {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.DeactivateAlert(storeCtx, userID, alertID, e.now())
}

// UserAlerts returns the user's active alerts.
func (e *Engine) UserAlerts(ctx context.Context, userID string) ([]*models.Alert, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.ListUserAlerts(storeCtx, userID, true)
}

// SetContactEmail sets the address alert emails go to.
func (e *Engine) SetContactEmail(ctx context.Context, userID, addr string) error {
	if userID == "" {
		return errors.New("user ID must not be empty")
	}
	if err := models.ValidateEmail(addr); err != nil {
		return fmt.Errorf("invalid email address: %w", err)
	}
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.store.SetContactEmail(storeCtx, userID, addr, e.now())
}

// BreakerStates reports the state of every circuit breaker the engine owns.
func (e *Engine) BreakerStates() map[string]string {
	states := e.pushPolicies.States()
	states[e.pricePolicy.Name()] = e.pricePolicy.State()
	if e.mailPolicy != nil {
		states[e.mailPolicy.Name()] = e.mailPolicy.State()
	}
	return states
}
