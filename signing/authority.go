package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"polymarket-mirror/config"
	"polymarket-mirror/models"
	"polymarket-mirror/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
)

// Authority is the single orchestration path for every signing call. It
// applies, in order: the rate limiter, the wallet-ready requirement,
// idempotent dedup against the ledger, the signing circuit breaker, and
// retry-with-backoff around the backend.
type Authority struct {
	provider Provider
	store    storage.DataStore
	limiter  *RateLimiter
	breaker  *CircuitBreaker
	retry    config.RetryConfig

	sleep func(ctx context.Context, d time.Duration) error
}

// NewAuthority wires the orchestrator. The limiter and breaker are owned by
// the composition root; one logical instance exists per process.
func NewAuthority(provider Provider, store storage.DataStore, limiter *RateLimiter, breaker *CircuitBreaker, retry config.RetryConfig) *Authority {
	return &Authority{
		provider: provider,
		store:    store,
		limiter:  limiter,
		breaker:  breaker,
		retry:    retry,
		sleep:    sleepCtx,
	}
}

// Provider returns the configured backend's name for ledger rows and stats.
func (a *Authority) ProviderName() string { return a.provider.Name() }

// BreakerState exposes the signing breaker position for health reporting.
func (a *Authority) BreakerState() BreakerState { return a.breaker.State() }

// LimiterStats exposes rate limiter occupancy for health reporting.
func (a *Authority) LimiterStats() RateLimiterStats { return a.limiter.Stats() }

// GetAddress resolves (or lazily provisions) the follower's signing address.
func (a *Authority) GetAddress(ctx context.Context, userID string) (common.Address, error) {
	return a.provider.GetAddress(ctx, userID)
}

// IdempotencyKey derives the deterministic identity of a signing request.
func IdempotencyKey(userID, purpose, payloadHash string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(userID + "|" + purpose + "|" + payloadHash)))
}

// SignTypedData signs an EIP-712 payload through the orchestrated path.
func (a *Authority) SignTypedData(ctx context.Context, userID, purpose string, td apitypes.TypedData) ([]byte, error) {
	payload, err := json.Marshal(td)
	if err != nil {
		return nil, &SigningError{Kind: KindProtocol, Err: fmt.Errorf("encode typed data: %w", err)}
	}
	return a.sign(ctx, userID, purpose, models.SigningTypedData, payload, func() ([]byte, error) {
		return a.provider.SignTypedData(ctx, userID, td)
	})
}

// SignMessage signs a raw message through the orchestrated path.
func (a *Authority) SignMessage(ctx context.Context, userID, purpose string, msg []byte) ([]byte, error) {
	return a.sign(ctx, userID, purpose, models.SigningMessage, msg, func() ([]byte, error) {
		return a.provider.SignMessage(ctx, userID, msg)
	})
}

// ExecuteTransaction broadcasts a transaction if the backend supports it.
// The resulting hash is recorded in the ledger like a signature so retried
// submissions dedup the same way.
func (a *Authority) ExecuteTransaction(ctx context.Context, userID, purpose string, tx TxRequest) (*TxResult, error) {
	executor, ok := a.provider.(TransactionExecutor)
	if !ok {
		return nil, &SigningError{Kind: KindProtocol, Err: fmt.Errorf("provider %s cannot execute transactions", a.provider.Name())}
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, &SigningError{Kind: KindProtocol, Err: fmt.Errorf("encode transaction: %w", err)}
	}

	var result *TxResult
	hash, err := a.sign(ctx, userID, purpose, models.SigningTx, payload, func() ([]byte, error) {
		res, err := executor.ExecuteTransaction(ctx, userID, tx)
		if err != nil {
			return nil, err
		}
		result = res
		return []byte(res.Hash), nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		// Deduped: the hash comes from the cached ledger row.
		return &TxResult{Hash: string(hash), Status: "KNOWN"}, nil
	}
	return result, nil
}

// Rotate re-keys the follower's wallet if the backend supports it.
func (a *Authority) Rotate(ctx context.Context, userID string) error {
	rotator, ok := a.provider.(KeyRotator)
	if !ok {
		return fmt.Errorf("provider %s cannot rotate keys", a.provider.Name())
	}
	return rotator.Rotate(ctx, userID)
}

// Revoke destroys the follower's signing key if the backend supports it.
func (a *Authority) Revoke(ctx context.Context, userID string) error {
	rotator, ok := a.provider.(KeyRotator)
	if !ok {
		return fmt.Errorf("provider %s cannot revoke keys", a.provider.Name())
	}
	return rotator.Revoke(ctx, userID)
}

func (a *Authority) sign(ctx context.Context, userID, purpose string, reqType models.SigningRequestType, payload []byte, invoke func() ([]byte, error)) ([]byte, error) {
	if ok, scope := a.limiter.CheckAndIncrement(userID); !ok {
		return nil, &SigningError{
			Kind:  KindRateLimited,
			Limit: scope,
			Err:   fmt.Errorf("signing rate limit reached for %s", userID),
		}
	}

	if _, err := a.provider.GetAddress(ctx, userID); err != nil {
		if errors.Is(err, ErrServerWalletNotReady) {
			return nil, &SigningError{Kind: KindWalletNotReady, Err: err}
		}
		return nil, &SigningError{Kind: KindProtocol, Err: err}
	}

	payloadHash := hexutil.Encode(crypto.Keccak256(payload))
	key := IdempotencyKey(userID, purpose, payloadHash)

	if cached, err := a.store.GetSucceededSigningRequest(ctx, key); err != nil {
		return nil, &SigningError{Kind: KindProtocol, Err: err}
	} else if cached != nil {
		return common.FromHex(cached.Signature), nil
	}

	// The breaker check runs after every short-circuit return: only requests
	// that will actually invoke the backend may consume a half-open probe.
	if !a.breaker.Allow() {
		return nil, &SigningError{Kind: KindCircuitOpen, Err: errors.New("signing circuit breaker open")}
	}

	reqID, err := a.store.CreateSigningRequest(ctx, models.SigningRequest{
		UserID:         userID,
		RequestType:    reqType,
		Purpose:        purpose,
		IdempotencyKey: key,
		PayloadHash:    payloadHash,
		Provider:       a.provider.Name(),
		CorrelationID:  uuid.NewString(),
	})
	if err != nil {
		return nil, &SigningError{Kind: KindProtocol, Err: err}
	}

	sig, err := a.invokeWithRetry(ctx, reqID, invoke)
	if err != nil {
		a.breaker.RecordFailure()
		if markErr := a.store.MarkSigningRequestFailed(ctx, reqID, err.Error()); markErr != nil {
			log.Printf("[Signing] failed to mark request %d failed: %v", reqID, markErr)
		}
		return nil, normalize(err)
	}

	a.breaker.RecordSuccess()
	if err := a.store.MarkSigningRequestSucceeded(ctx, reqID, hexutil.Encode(sig)); err != nil {
		log.Printf("[Signing] failed to mark request %d succeeded: %v", reqID, err)
	}
	return sig, nil
}

// invokeWithRetry runs the backend call with the configured retry policy:
// backend rate limits wait the advertised retry-after without consuming a
// backoff step, other transient failures back off exponentially, and domain
// errors propagate immediately.
func (a *Authority) invokeWithRetry(ctx context.Context, reqID int64, invoke func() ([]byte, error)) ([]byte, error) {
	attempt := 0
	rateLimitWaits := 0

	for {
		if err := a.store.MarkSigningRequestSent(ctx, reqID, attempt+1); err != nil {
			log.Printf("[Signing] failed to mark request %d sent: %v", reqID, err)
		}

		sig, err := invoke()
		if err == nil {
			return sig, nil
		}

		var be *BackendError
		if !errors.As(err, &be) || !be.Transient() {
			return nil, err
		}

		if be.RateLimited() {
			// Backend told us when to come back; honor it instead of our
			// own backoff, bounded so a stuck 429 cannot spin forever.
			rateLimitWaits++
			if rateLimitWaits > a.retry.MaxAttempts {
				return nil, err
			}
			wait := be.RetryAfter
			if wait <= 0 {
				wait = time.Duration(a.retry.RateLimitRetrySec) * time.Second
			}
			if markErr := a.store.MarkSigningRequestRetried(ctx, reqID, attempt+1, err.Error()); markErr != nil {
				log.Printf("[Signing] failed to mark request %d retried: %v", reqID, markErr)
			}
			if err := a.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		attempt++
		if attempt >= a.retry.MaxAttempts {
			return nil, err
		}
		if markErr := a.store.MarkSigningRequestRetried(ctx, reqID, attempt, err.Error()); markErr != nil {
			log.Printf("[Signing] failed to mark request %d retried: %v", reqID, markErr)
		}

		delay := time.Duration(float64(a.retry.BaseDelayMS)*math.Pow(a.retry.BackoffFactor, float64(attempt))) * time.Millisecond
		if err := a.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func normalize(err error) error {
	var se *SigningError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, ErrServerWalletNotReady) {
		return &SigningError{Kind: KindWalletNotReady, Err: err}
	}
	var be *BackendError
	if errors.As(err, &be) {
		return &SigningError{Kind: KindBackend, RetryAfter: be.RetryAfter, Err: err}
	}
	return &SigningError{Kind: KindProtocol, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
