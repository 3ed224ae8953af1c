package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// LeaderEvent is one observed trade of a followed leader. Events are
// immutable facts: created once, never mutated.
type LeaderEvent struct {
	ID           string    `json:"id"`
	LeaderID     string    `json:"leaderId"`
	ConditionID  string    `json:"conditionId"`
	TokenID      string    `json:"tokenId"`
	MarketSlug   string    `json:"marketSlug,omitempty"`
	Side         Side      `json:"side"`
	Size         float64   `json:"size"`
	Price        float64   `json:"price"`
	DetectedAt   time.Time `json:"detectedAt"`
	SourceTxHash string    `json:"sourceTxHash,omitempty"`
}

// Fingerprint derives the stable identity of the event. Two deliveries of
// the same leader trade always hash to the same ID, which is what makes
// create-once persistence possible.
func (e LeaderEvent) Fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%.6f|%.6f|%d",
		e.LeaderID, e.ConditionID, e.TokenID, e.Side, e.Size, e.Price, e.DetectedAt.UnixMilli())))
	return hex.EncodeToString(h[:])
}

// CopyProfileStatus is the follower's mirroring switch.
type CopyProfileStatus string

const (
	CopyProfileDisabled CopyProfileStatus = "DISABLED"
	CopyProfileEnabled  CopyProfileStatus = "ENABLED"
	CopyProfilePaused   CopyProfileStatus = "PAUSED"
)

// CopyProfile holds one follower's risk limits. Mutated by the follower via
// settings, read by the copy engine on every leader event.
type CopyProfile struct {
	UserID             string            `json:"userId"`
	Status             CopyProfileStatus `json:"status"`
	MaxPositionSizeUSD float64           `json:"maxPositionSizeUsd"`
	MaxOpenPositions   int               `json:"maxOpenPositions"`
	CopyPercentage     float64           `json:"copyPercentage"`
	MinOdds            float64           `json:"minOdds"`
	MaxOdds            float64           `json:"maxOdds"`
	EnabledMarketIDs   []string          `json:"enabledMarketIds,omitempty"`
	BlockedMarketIDs   []string          `json:"blockedMarketIds,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// CopyAttemptStatus tracks the lifecycle of one mirroring decision.
type CopyAttemptStatus string

const (
	AttemptPending         CopyAttemptStatus = "PENDING"
	AttemptSubmitted       CopyAttemptStatus = "SUBMITTED"
	AttemptFilled          CopyAttemptStatus = "FILLED"
	AttemptPartiallyFilled CopyAttemptStatus = "PARTIALLY_FILLED"
	AttemptFailed          CopyAttemptStatus = "FAILED"
	AttemptSkipped         CopyAttemptStatus = "SKIPPED"
)

// CopyAttempt records the outcome of mirroring one LeaderEvent for one
// follower. At most one attempt exists per (userId, leaderEventId);
// transitions are one-way and terminal states never revert.
type CopyAttempt struct {
	ID            int64             `json:"id"`
	UserID        string            `json:"userId"`
	LeaderEventID string            `json:"leaderEventId"`
	Status        CopyAttemptStatus `json:"status"`
	SkipReason    string            `json:"skipReason,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	OrderID       string            `json:"orderId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// OrderStatus mirrors the exchange-side order state.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Order is a follower's submitted exchange order.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	ConditionID string      `json:"conditionId"`
	TokenID     string      `json:"tokenId"`
	Side        Side        `json:"side"`
	Size        float64     `json:"size"`
	Price       float64     `json:"price"`
	FilledSize  float64     `json:"filledSize"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// SigningRequestType distinguishes what kind of payload was signed.
type SigningRequestType string

const (
	SigningTypedData SigningRequestType = "TYPED_DATA"
	SigningMessage   SigningRequestType = "MESSAGE"
	SigningTx        SigningRequestType = "TX"
)

// SigningRequestStatus is the ledger state of one signing attempt.
type SigningRequestStatus string

const (
	SigningCreated   SigningRequestStatus = "CREATED"
	SigningSent      SigningRequestStatus = "SENT"
	SigningSucceeded SigningRequestStatus = "SUCCEEDED"
	SigningFailed    SigningRequestStatus = "FAILED"
	SigningRetried   SigningRequestStatus = "RETRIED"
)

// SigningRequest is the durable audit record of a signing attempt. The
// idempotency key is a deterministic hash of (userId, purpose, payloadHash);
// at most one SUCCEEDED row exists per key.
type SigningRequest struct {
	ID             int64                `json:"id"`
	UserID         string               `json:"userId"`
	RequestType    SigningRequestType   `json:"requestType"`
	Purpose        string               `json:"purpose"`
	IdempotencyKey string               `json:"idempotencyKey"`
	PayloadHash    string               `json:"payloadHash"`
	Status         SigningRequestStatus `json:"status"`
	AttemptCount   int                  `json:"attemptCount"`
	Provider       string               `json:"provider"`
	CorrelationID  string               `json:"correlationId"`
	Signature      string               `json:"signature,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// ServerWalletStatus tracks provisioning of a follower's signing identity.
type ServerWalletStatus string

const (
	WalletCreating ServerWalletStatus = "CREATING"
	WalletReady    ServerWalletStatus = "READY"
	WalletFailed   ServerWalletStatus = "FAILED"
)

// ServerWallet is the follower's on-chain signing identity, provisioned
// lazily on first signing need.
type ServerWallet struct {
	UserID    string             `json:"userId"`
	Address   string             `json:"address"`
	Status    ServerWalletStatus `json:"status"`
	LastError string             `json:"lastError,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Follow links a follower to a leader whose trades they mirror.
type Follow struct {
	FollowerID string    `json:"followerId"`
	LeaderID   string    `json:"leaderId"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}
