package storage

import (
	"context"
	"time"

	"polymarket-mirror/models"
)

// DataStore defines the interface for storage backends
type DataStore interface {
	Close() error

	// Leader events (create-once facts)
	SaveLeaderEvent(ctx context.Context, event models.LeaderEvent) (bool, error)
	GetLeaderEvent(ctx context.Context, id string) (*models.LeaderEvent, error)

	// Follows and copy profiles
	ListFollowedLeaders(ctx context.Context) ([]string, error)
	ListEnabledFollowers(ctx context.Context, leaderID string) ([]models.CopyProfile, error)
	GetCopyProfile(ctx context.Context, userID string) (*models.CopyProfile, error)
	SetCopyProfile(ctx context.Context, profile models.CopyProfile) error
	PauseCopyProfile(ctx context.Context, userID string) error

	// Copy attempts (unique per (userId, leaderEventId))
	CreateCopyAttempt(ctx context.Context, userID, leaderEventID string) (bool, error)
	MarkAttemptSkipped(ctx context.Context, userID, leaderEventID, reason string) error
	MarkAttemptSubmitted(ctx context.Context, userID, leaderEventID, orderID string) error
	MarkAttemptFailed(ctx context.Context, userID, leaderEventID, errorMessage string) error
	MarkAttemptFill(ctx context.Context, userID, leaderEventID string, status models.CopyAttemptStatus) error
	ListSubmittedAttempts(ctx context.Context, limit int) ([]models.CopyAttempt, error)
	GetCopyAttempt(ctx context.Context, userID, leaderEventID string) (*models.CopyAttempt, error)

	// Orders
	SaveOrder(ctx context.Context, order models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOpenOrders(ctx context.Context, userID string) ([]models.Order, error)
	UpdateOrderFill(ctx context.Context, orderID string, filledSize float64, status models.OrderStatus) error

	// Follower funds
	GetFollowerBalance(ctx context.Context, userID string) (float64, error)

	// Signing request ledger
	CreateSigningRequest(ctx context.Context, req models.SigningRequest) (int64, error)
	GetSucceededSigningRequest(ctx context.Context, idempotencyKey string) (*models.SigningRequest, error)
	MarkSigningRequestSent(ctx context.Context, id int64, attemptCount int) error
	MarkSigningRequestRetried(ctx context.Context, id int64, attemptCount int, lastError string) error
	MarkSigningRequestSucceeded(ctx context.Context, id int64, signature string) error
	MarkSigningRequestFailed(ctx context.Context, id int64, lastError string) error

	// Server wallets
	GetServerWallet(ctx context.Context, userID string) (*models.ServerWallet, error)
	SaveServerWallet(ctx context.Context, wallet models.ServerWallet) error

	// Leader feed bookkeeping
	GetFeedCursor(ctx context.Context, leaderID string) (time.Time, error)
	SetFeedCursor(ctx context.Context, leaderID string, cursor time.Time) error
	MarkFeedTradeSeen(ctx context.Context, tradeID string) (bool, error)

	// Operational stats
	GetCopyStats(ctx context.Context) (map[string]interface{}, error)
}

// Ensure both implementations satisfy the interface
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
