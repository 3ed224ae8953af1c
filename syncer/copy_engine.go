package syncer

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"polymarket-mirror/api"
	"polymarket-mirror/models"
	"polymarket-mirror/storage"
)

// CopyEngine mirrors leader events into follower accounts. For each event it
// resolves the enabled followers, applies the follower's guardrails and the
// shared trading breaker, and submits the surviving orders through the
// authenticated CLOB path. The engine never retries a submission; retries
// live in the signing layer only.
type CopyEngine struct {
	store   storage.DataStore
	clob    api.ClobClientInterface
	breaker *TradingBreaker
	negRisk bool

	fillSyncInterval time.Duration

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCopyEngine wires the execution coordinator. The breaker is owned by the
// composition root and shared with health reporting.
func NewCopyEngine(store storage.DataStore, clob api.ClobClientInterface, breaker *TradingBreaker, negRisk bool, fillSyncInterval time.Duration) *CopyEngine {
	if fillSyncInterval <= 0 {
		fillSyncInterval = 30 * time.Second
	}
	return &CopyEngine{
		store:            store,
		clob:             clob,
		breaker:          breaker,
		negRisk:          negRisk,
		fillSyncInterval: fillSyncInterval,
		stopCh:           make(chan struct{}),
	}
}

// Breaker exposes the shared trading breaker for health reporting.
func (e *CopyEngine) Breaker() *TradingBreaker { return e.breaker }

// HandleLeaderEvent processes one observed leader trade. Re-delivery of the
// same event is a no-op per follower: the attempt row is the exactly-once
// gate.
func (e *CopyEngine) HandleLeaderEvent(ctx context.Context, event models.LeaderEvent) error {
	if event.ID == "" {
		event.ID = event.Fingerprint()
	}

	created, err := e.store.SaveLeaderEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to save leader event: %w", err)
	}
	if created {
		log.Printf("[CopyEngine] New leader event %s: %s %s %.2f @ %.4f",
			event.ID[:12], event.LeaderID, event.Side, event.Size, event.Price)
	}

	followers, err := e.store.ListEnabledFollowers(ctx, event.LeaderID)
	if err != nil {
		return fmt.Errorf("failed to list followers: %w", err)
	}

	// Followers are processed sequentially. This bounds exchange load and
	// keeps the shared breaker's failure accounting meaningful.
	for _, profile := range followers {
		if err := e.processFollower(ctx, profile, event); err != nil {
			log.Printf("[CopyEngine] Error processing follower %s: %v", profile.UserID, err)
		}
	}
	return nil
}

func (e *CopyEngine) processFollower(ctx context.Context, profile models.CopyProfile, event models.LeaderEvent) error {
	created, err := e.store.CreateCopyAttempt(ctx, profile.UserID, event.ID)
	if err != nil {
		return fmt.Errorf("failed to create copy attempt: %w", err)
	}
	if !created {
		// Already attempted: idempotent re-delivery, stay silent.
		return nil
	}

	if reason := marketFiltered(profile, event.ConditionID); reason != "" {
		return e.store.MarkAttemptSkipped(ctx, profile.UserID, event.ID, reason)
	}

	openOrders, err := e.store.ListOpenOrders(ctx, profile.UserID)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}

	balance, err := e.store.GetFollowerBalance(ctx, profile.UserID)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	verdict := EvaluateGuardrails(GuardrailInput{
		Profile:        profile,
		OpenOrders:     openOrders,
		LeaderSide:     event.Side,
		LeaderPrice:    event.Price,
		LeaderSize:     event.Size,
		CurrentBalance: balance,
	})
	if !verdict.Allowed {
		log.Printf("[CopyEngine] Skipping %s for %s: %s", event.ID[:12], profile.UserID, verdict.SkipReason)
		return e.store.MarkAttemptSkipped(ctx, profile.UserID, event.ID, verdict.SkipReason)
	}

	// The breaker admits only trades that will actually reach the exchange;
	// a skipped attempt must never consume a half-open probe.
	if !e.breaker.Allow() {
		log.Printf("[CopyEngine] Breaker open, skipping %s for %s", event.ID[:12], profile.UserID)
		return e.store.MarkAttemptSkipped(ctx, profile.UserID, event.ID, "circuit breaker open")
	}

	resp, err := e.clob.PlaceLimitOrder(ctx, profile.UserID, event.TokenID, api.Side(event.Side), verdict.AdjustedSize, verdict.AdjustedPrice, e.negRisk)
	if err != nil {
		e.breaker.RecordFailure()
		if markErr := e.store.MarkAttemptFailed(ctx, profile.UserID, event.ID, err.Error()); markErr != nil {
			return markErr
		}
		return nil
	}
	if !resp.Success {
		e.breaker.RecordFailure()
		if markErr := e.store.MarkAttemptFailed(ctx, profile.UserID, event.ID, resp.ErrorMsg); markErr != nil {
			return markErr
		}
		return nil
	}

	e.breaker.RecordSuccess()

	order := models.Order{
		ID:          resp.OrderID,
		UserID:      profile.UserID,
		ConditionID: event.ConditionID,
		TokenID:     event.TokenID,
		Side:        event.Side,
		Size:        verdict.AdjustedSize,
		Price:       verdict.AdjustedPrice,
		Status:      models.OrderOpen,
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		log.Printf("[CopyEngine] Failed to save order %s: %v", resp.OrderID, err)
	}

	log.Printf("[CopyEngine] Submitted order %s for %s: %s %.2f @ %.4f",
		resp.OrderID, profile.UserID, event.Side, verdict.AdjustedSize, verdict.AdjustedPrice)
	return e.store.MarkAttemptSubmitted(ctx, profile.UserID, event.ID, resp.OrderID)
}

// marketFiltered applies the follower's market allow/block lists. An empty
// enabled list means all markets.
func marketFiltered(profile models.CopyProfile, conditionID string) string {
	for _, blocked := range profile.BlockedMarketIDs {
		if blocked == conditionID {
			return "market blocked"
		}
	}
	if len(profile.EnabledMarketIDs) > 0 {
		for _, enabled := range profile.EnabledMarketIDs {
			if enabled == conditionID {
				return ""
			}
		}
		return "market not enabled"
	}
	return ""
}

// StartFillSync launches the slow loop that advances SUBMITTED attempts to
// FILLED/PARTIALLY_FILLED from exchange order state.
func (e *CopyEngine) StartFillSync(ctx context.Context) error {
	if e.running {
		return fmt.Errorf("copy engine fill sync already running")
	}
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.fillSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if err := e.syncFills(ctx); err != nil {
					log.Printf("[CopyEngine] Fill sync error: %v", err)
				}
			}
		}
	}()

	log.Printf("[CopyEngine] Fill sync started (interval %s)", e.fillSyncInterval)
	return nil
}

// Stop halts the fill sync loop.
func (e *CopyEngine) Stop() {
	if e.running {
		close(e.stopCh)
		e.running = false
		e.wg.Wait()
		log.Printf("[CopyEngine] Stopped")
	}
}

func (e *CopyEngine) syncFills(ctx context.Context) error {
	attempts, err := e.store.ListSubmittedAttempts(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed to list submitted attempts: %w", err)
	}

	for _, attempt := range attempts {
		if attempt.OrderID == "" {
			continue
		}

		status, err := e.clob.GetOrderStatus(ctx, attempt.UserID, attempt.OrderID)
		if err != nil {
			log.Printf("[CopyEngine] Failed to fetch order %s: %v", attempt.OrderID, err)
			continue
		}

		original, _ := strconv.ParseFloat(status.OriginalSize, 64)
		matched, _ := strconv.ParseFloat(status.SizeMatched, 64)
		if matched <= 0 {
			continue
		}

		var orderStatus models.OrderStatus
		var attemptStatus models.CopyAttemptStatus
		if original > 0 && matched >= original {
			orderStatus = models.OrderFilled
			attemptStatus = models.AttemptFilled
		} else {
			orderStatus = models.OrderPartiallyFilled
			attemptStatus = models.AttemptPartiallyFilled
		}

		if err := e.store.UpdateOrderFill(ctx, attempt.OrderID, matched, orderStatus); err != nil {
			log.Printf("[CopyEngine] Failed to update fill for %s: %v", attempt.OrderID, err)
			continue
		}
		if err := e.store.MarkAttemptFill(ctx, attempt.UserID, attempt.LeaderEventID, attemptStatus); err != nil {
			log.Printf("[CopyEngine] Failed to advance attempt for %s: %v", attempt.OrderID, err)
		}
	}
	return nil
}
