package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"polymarket-mirror/api"
	"polymarket-mirror/models"
	"polymarket-mirror/storage"
)

func newTestEngine(t *testing.T) (*CopyEngine, *storage.MockStore, *api.MockClobClient) {
	t.Helper()

	store := storage.NewMockStore()
	store.Follows = []models.Follow{
		{FollowerID: "follower-1", LeaderID: "leader-1", Active: true},
	}
	store.Profiles["follower-1"] = models.CopyProfile{
		UserID:             "follower-1",
		Status:             models.CopyProfileEnabled,
		MaxPositionSizeUSD: 1000,
		MaxOpenPositions:   20,
		CopyPercentage:     100,
		MinOdds:            0.05,
		MaxOdds:            0.95,
	}
	store.Balances["follower-1"] = 10000

	clob := api.NewMockClobClient()
	breaker := NewTradingBreaker(3, time.Minute, time.Minute, 1)
	engine := NewCopyEngine(store, clob, breaker, false, time.Minute)

	return engine, store, clob
}

func testEvent() models.LeaderEvent {
	event := models.LeaderEvent{
		LeaderID:    "leader-1",
		ConditionID: "condition-1",
		TokenID:     "token-1",
		Side:        models.SideBuy,
		Size:        20,
		Price:       0.5,
		DetectedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	event.ID = event.Fingerprint()
	return event
}

func TestHandleLeaderEventSubmitsOrder(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()

	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}

	attempt, err := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if err != nil || attempt == nil {
		t.Fatalf("expected attempt, got %v, %v", attempt, err)
	}
	if attempt.Status != models.AttemptSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", attempt.Status)
	}
	if attempt.OrderID == "" {
		t.Error("expected order ID on submitted attempt")
	}

	if len(clob.PlaceLimitOrderCalls) != 1 {
		t.Fatalf("PlaceLimitOrder calls = %d, want 1", len(clob.PlaceLimitOrderCalls))
	}
	call := clob.PlaceLimitOrderCalls[0]
	if call.Size != 20 || call.Price != 0.5 || call.Side != api.SideBuy {
		t.Errorf("unexpected order: %+v", call)
	}

	order, err := store.GetOrder(context.Background(), attempt.OrderID)
	if err != nil || order == nil {
		t.Fatalf("expected saved order, got %v, %v", order, err)
	}
	if order.Status != models.OrderOpen {
		t.Errorf("order status = %s, want OPEN", order.Status)
	}
}

func TestHandleLeaderEventDedupsRedelivery(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()

	for i := 0; i < 2; i++ {
		if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if len(store.Attempts) != 1 {
		t.Fatalf("attempts = %d, want exactly 1", len(store.Attempts))
	}
	if got := clob.Calls["PlaceLimitOrder"]; got != 1 {
		t.Fatalf("PlaceLimitOrder calls = %d, want 1 (second delivery must be a no-op)", got)
	}
}

func TestHandleLeaderEventBreakerOpenSkips(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()

	for i := 0; i < 3; i++ {
		engine.breaker.RecordFailure()
	}

	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}

	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt == nil || attempt.Status != models.AttemptSkipped {
		t.Fatalf("expected SKIPPED attempt, got %+v", attempt)
	}
	if attempt.SkipReason != "circuit breaker open" {
		t.Errorf("skip reason = %q", attempt.SkipReason)
	}
	if clob.Calls["PlaceLimitOrder"] != 0 {
		t.Error("exchange must not be called while the breaker is open")
	}
}

func TestHandleLeaderEventGuardrailSkip(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()
	event.Price = 0.99 // outside the profile's odds range
	event.ID = event.Fingerprint()

	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}

	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt == nil || attempt.Status != models.AttemptSkipped {
		t.Fatalf("expected SKIPPED attempt, got %+v", attempt)
	}
	if clob.Calls["PlaceLimitOrder"] != 0 {
		t.Error("guardrail skip must not reach the exchange")
	}
}

func TestHandleLeaderEventSubmitFailureRecorded(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()
	clob.ErrorOnNext["PlaceLimitOrder"] = errors.New("exchange down")

	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}

	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt == nil || attempt.Status != models.AttemptFailed {
		t.Fatalf("expected FAILED attempt, got %+v", attempt)
	}
	if attempt.ErrorMessage != "exchange down" {
		t.Errorf("error message = %q", attempt.ErrorMessage)
	}
}

func TestHandleLeaderEventBreakerTripsAfterFailures(t *testing.T) {
	engine, store, clob := newTestEngine(t)

	// Three distinct events all failing at the exchange trip the breaker.
	for i := 0; i < 3; i++ {
		event := testEvent()
		event.Size = float64(10 + i)
		event.ID = event.Fingerprint()
		clob.ErrorOnNext["PlaceLimitOrder"] = errors.New("exchange down")
		if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}

	if got := engine.breaker.State(); got != BreakerOpen {
		t.Fatalf("breaker state = %s, want OPEN", got)
	}

	// The next event is skipped without touching the exchange.
	event := testEvent()
	event.Size = 99
	event.ID = event.Fingerprint()
	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}
	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt == nil || attempt.SkipReason != "circuit breaker open" {
		t.Fatalf("expected breaker skip, got %+v", attempt)
	}
}

func TestHandleLeaderEventSkipDoesNotConsumeHalfOpenProbe(t *testing.T) {
	engine, store, clob := newTestEngine(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.breaker.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		engine.breaker.RecordFailure()
	}
	now = now.Add(time.Minute) // recovery elapsed, breaker half-open

	// A guardrail skip must leave the sole probe untouched.
	skipped := testEvent()
	skipped.Price = 0.99
	skipped.ID = skipped.Fingerprint()
	if err := engine.HandleLeaderEvent(context.Background(), skipped); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}
	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", skipped.ID)
	if attempt == nil || attempt.SkipReason == "circuit breaker open" {
		t.Fatalf("expected a guardrail skip, got %+v", attempt)
	}

	// The next valid trade uses the probe, succeeds, and closes the breaker.
	event := testEvent()
	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}
	attempt, _ = store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt == nil || attempt.Status != models.AttemptSubmitted {
		t.Fatalf("expected SUBMITTED attempt after half-open skip, got %+v", attempt)
	}
	if clob.Calls["PlaceLimitOrder"] != 1 {
		t.Fatalf("PlaceLimitOrder calls = %d, want 1", clob.Calls["PlaceLimitOrder"])
	}
	if got := engine.breaker.State(); got != BreakerClosed {
		t.Fatalf("breaker state = %s, want CLOSED after successful probe", got)
	}
}

func TestHandleLeaderEventMarketBlocked(t *testing.T) {
	engine, store, clob := newTestEngine(t)

	profile := store.Profiles["follower-1"]
	profile.BlockedMarketIDs = []string{"condition-1"}
	store.Profiles["follower-1"] = profile

	event := testEvent()
	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}

	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt == nil || attempt.SkipReason != "market blocked" {
		t.Fatalf("expected market blocked skip, got %+v", attempt)
	}
	if clob.Calls["PlaceLimitOrder"] != 0 {
		t.Error("blocked market must not reach the exchange")
	}
}

func TestSyncFillsAdvancesAttempts(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()

	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}
	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)

	clob.OrderStatuses[attempt.OrderID] = &api.OrderStatus{
		ID:           attempt.OrderID,
		Status:       "MATCHED",
		OriginalSize: "20",
		SizeMatched:  "20",
	}

	if err := engine.syncFills(context.Background()); err != nil {
		t.Fatalf("syncFills: %v", err)
	}

	attempt, _ = store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt.Status != models.AttemptFilled {
		t.Fatalf("attempt status = %s, want FILLED", attempt.Status)
	}
	order, _ := store.GetOrder(context.Background(), attempt.OrderID)
	if order.Status != models.OrderFilled || order.FilledSize != 20 {
		t.Fatalf("order = %+v, want FILLED with filledSize 20", order)
	}
}

func TestSyncFillsPartialFill(t *testing.T) {
	engine, store, clob := newTestEngine(t)
	event := testEvent()

	if err := engine.HandleLeaderEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleLeaderEvent: %v", err)
	}
	attempt, _ := store.GetCopyAttempt(context.Background(), "follower-1", event.ID)

	clob.OrderStatuses[attempt.OrderID] = &api.OrderStatus{
		ID:           attempt.OrderID,
		Status:       "LIVE",
		OriginalSize: "20",
		SizeMatched:  "5",
	}

	if err := engine.syncFills(context.Background()); err != nil {
		t.Fatalf("syncFills: %v", err)
	}

	attempt, _ = store.GetCopyAttempt(context.Background(), "follower-1", event.ID)
	if attempt.Status != models.AttemptPartiallyFilled {
		t.Fatalf("attempt status = %s, want PARTIALLY_FILLED", attempt.Status)
	}
}
