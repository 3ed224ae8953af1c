package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"polymarket-mirror/api"
	"polymarket-mirror/models"
	"polymarket-mirror/storage"
)

// Ingestor polls the public trade feed for every followed leader and hands
// new trades to the copy engine. A persisted cursor plus a processed-trade
// set keeps restarts from replaying old activity.
type Ingestor struct {
	store  storage.DataStore
	data   api.DataClientInterface
	engine *CopyEngine

	pollInterval time.Duration
	tradeLimit   int

	// kickCh wakes the poll loop early when the activity websocket sees a
	// followed leader trade.
	kickCh chan string

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewIngestor creates the leader-feed poller.
func NewIngestor(store storage.DataStore, data api.DataClientInterface, engine *CopyEngine, pollInterval time.Duration, tradeLimit int) *Ingestor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if tradeLimit <= 0 {
		tradeLimit = 50
	}
	return &Ingestor{
		store:        store,
		data:         data,
		engine:       engine,
		pollInterval: pollInterval,
		tradeLimit:   tradeLimit,
		kickCh:       make(chan string, 16),
		stopCh:       make(chan struct{}),
	}
}

// Kick requests an early poll for one leader, typically from the activity
// websocket. Non-blocking; a full channel just means a poll is already due.
func (in *Ingestor) Kick(leaderAddress string) {
	select {
	case in.kickCh <- strings.ToLower(leaderAddress):
	default:
	}
}

// Start launches the poll loop.
func (in *Ingestor) Start(ctx context.Context) error {
	if in.running {
		return fmt.Errorf("ingestor already running")
	}
	in.running = true

	in.wg.Add(1)
	go in.run(ctx)

	log.Printf("[Ingestor] Started (interval %s, trade limit %d)", in.pollInterval, in.tradeLimit)
	return nil
}

// Stop halts the poll loop.
func (in *Ingestor) Stop() {
	if in.running {
		close(in.stopCh)
		in.running = false
		in.wg.Wait()
		log.Printf("[Ingestor] Stopped")
	}
}

func (in *Ingestor) run(ctx context.Context) {
	defer in.wg.Done()

	ticker := time.NewTicker(in.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopCh:
			return
		case leader := <-in.kickCh:
			if err := in.pollLeader(ctx, leader); err != nil {
				log.Printf("[Ingestor] Kicked poll for %s failed: %v", leader, err)
			}
		case <-ticker.C:
			if err := in.pollAll(ctx); err != nil {
				log.Printf("[Ingestor] Poll error: %v", err)
			}
		}
	}
}

// pollAll fetches every followed leader's feed, one at a time. Sequential by
// design: fan-out would hammer the feed and blur the shared breaker's
// failure accounting.
func (in *Ingestor) pollAll(ctx context.Context) error {
	leaders, err := in.store.ListFollowedLeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list followed leaders: %w", err)
	}

	for _, leader := range leaders {
		select {
		case <-in.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := in.pollLeader(ctx, leader); err != nil {
			log.Printf("[Ingestor] Error polling %s: %v", leader, err)
		}
	}
	return nil
}

func (in *Ingestor) pollLeader(ctx context.Context, leader string) error {
	cursor, err := in.store.GetFeedCursor(ctx, leader)
	if err != nil {
		return fmt.Errorf("failed to get feed cursor: %w", err)
	}

	trades, err := in.data.GetTrades(ctx, leader, in.tradeLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	// Feed returns newest first; replay oldest-to-newest so events reach the
	// engine in feed order within this tick.
	newest := cursor
	for i := len(trades) - 1; i >= 0; i-- {
		trade := trades[i]
		tradeTime := trade.Time()

		if !tradeTime.After(cursor) {
			continue
		}

		event := models.LeaderEvent{
			LeaderID:     leader,
			ConditionID:  trade.ConditionID,
			TokenID:      trade.Asset,
			MarketSlug:   trade.Title,
			Side:         models.Side(strings.ToUpper(trade.Side)),
			Size:         trade.Size,
			Price:        trade.Price,
			DetectedAt:   tradeTime,
			SourceTxHash: trade.TransactionHash,
		}
		event.ID = event.Fingerprint()

		// The cursor only advances past durably handled trades: a transient
		// failure leaves it behind this trade so the next poll retries.
		// Redelivery is safe because events and attempts are create-once.
		if err := in.engine.HandleLeaderEvent(ctx, event); err != nil {
			log.Printf("[Ingestor] Failed to handle event %s: %v", event.ID[:12], err)
			break
		}

		if _, err := in.store.MarkFeedTradeSeen(ctx, event.ID); err != nil {
			log.Printf("[Ingestor] Seen-mark failed for %s: %v", event.ID[:12], err)
		}
		if tradeTime.After(newest) {
			newest = tradeTime
		}
	}

	if newest.After(cursor) {
		if err := in.store.SetFeedCursor(ctx, leader, newest); err != nil {
			log.Printf("[Ingestor] Failed to persist cursor for %s: %v", leader, err)
		}
	}
	return nil
}
