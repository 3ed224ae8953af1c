package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrServerWalletNotReady means the follower's signing identity is still
// provisioning. Retriable after a delay, never retried internally.
var ErrServerWalletNotReady = errors.New("server wallet not ready")

// TxRequest describes a transaction for providers that can broadcast.
type TxRequest struct {
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value,omitempty"`
	ChainID int64  `json:"chainId,omitempty"`
}

// TxResult is the outcome of a broadcast transaction.
type TxResult struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

// Provider is the trading authority: it holds (or fronts) the follower's
// signing keys. Implementations never expose raw private keys to callers.
type Provider interface {
	Name() string
	GetAddress(ctx context.Context, userID string) (common.Address, error)
	SignTypedData(ctx context.Context, userID string, td apitypes.TypedData) ([]byte, error)
	SignMessage(ctx context.Context, userID string, msg []byte) ([]byte, error)
}

// TransactionExecutor is an optional provider capability.
type TransactionExecutor interface {
	ExecuteTransaction(ctx context.Context, userID string, tx TxRequest) (*TxResult, error)
}

// KeyRotator is an optional provider capability. Revoke must also pause the
// follower's copy profile so mirroring stops with a dead signer.
type KeyRotator interface {
	Rotate(ctx context.Context, userID string) error
	Revoke(ctx context.Context, userID string) error
}

// ErrorKind tags a normalized signing failure.
type ErrorKind string

const (
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindRateLimited    ErrorKind = "rate_limited"
	KindWalletNotReady ErrorKind = "wallet_not_ready"
	KindBackend        ErrorKind = "backend"
	KindProtocol       ErrorKind = "protocol"
)

// SigningError is the single normalized error type that leaves the signing
// layer. Limit is set for rate-limit failures ("per_user" or "global").
type SigningError struct {
	Kind       ErrorKind
	Limit      string
	RetryAfter time.Duration
	Err        error
}

func (e *SigningError) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("signing: %s (%s): %v", e.Kind, e.Limit, e.Err)
	}
	return fmt.Sprintf("signing: %s: %v", e.Kind, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Retriable reports whether the caller may retry after a delay.
func (e *SigningError) Retriable() bool {
	switch e.Kind {
	case KindCircuitOpen, KindRateLimited, KindWalletNotReady:
		return true
	}
	return false
}

// BackendError is a failure reported by the signing backend itself.
type BackendError struct {
	Status     int
	RetryAfter time.Duration
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("signing backend: %d %s", e.Status, e.Message)
}

// RateLimited reports whether the backend asked us to slow down.
func (e *BackendError) RateLimited() bool { return e.Status == 429 }

// Transient reports whether another attempt might succeed.
func (e *BackendError) Transient() bool {
	return e.Status == 429 || e.Status >= 500 || e.Status == 0
}
