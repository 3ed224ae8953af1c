package signing

import (
	"context"
	"testing"
	"time"

	"polymarket-mirror/config"
	"polymarket-mirror/models"
	"polymarket-mirror/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider lets tests script backend behavior per call.
type fakeProvider struct {
	addr    common.Address
	addrErr error

	signCalls int
	signErrs  []error // consumed in order; nil means success
	sig       []byte
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GetAddress(_ context.Context, _ string) (common.Address, error) {
	if f.addrErr != nil {
		return common.Address{}, f.addrErr
	}
	return f.addr, nil
}

func (f *fakeProvider) signOnce() ([]byte, error) {
	idx := f.signCalls
	f.signCalls++
	if idx < len(f.signErrs) && f.signErrs[idx] != nil {
		return nil, f.signErrs[idx]
	}
	return f.sig, nil
}

func (f *fakeProvider) SignTypedData(_ context.Context, _ string, _ apitypes.TypedData) ([]byte, error) {
	return f.signOnce()
}

func (f *fakeProvider) SignMessage(_ context.Context, _ string, _ []byte) ([]byte, error) {
	return f.signOnce()
}

func retryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		BaseDelayMS:       100,
		BackoffFactor:     2.0,
		RateLimitRetrySec: 2,
	}
}

func newTestAuthority(provider Provider, store storage.DataStore) (*Authority, *[]time.Duration) {
	limiter := NewRateLimiter(100, 1000)
	breaker := NewCircuitBreaker(5, time.Minute, 30*time.Second, 1)
	a := NewAuthority(provider, store, limiter, breaker, retryConfig())

	var sleeps []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return a, &sleeps
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("alice", "clob-order", "0xabc")
	k2 := IdempotencyKey("alice", "clob-order", "0xabc")
	k3 := IdempotencyKey("alice", "clob-order", "0xdef")
	k4 := IdempotencyKey("bob", "clob-order", "0xabc")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}

func TestAuthoritySignMessageSuccess(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{1, 2, 3}}
	store := storage.NewMockStore()
	a, _ := newTestAuthority(provider, store)

	sig, err := a.SignMessage(context.Background(), "alice", "relay-tx", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, sig)
	assert.Equal(t, 1, provider.signCalls)

	require.Len(t, store.SigningRequests, 1)
	for _, req := range store.SigningRequests {
		assert.Equal(t, models.SigningSucceeded, req.Status)
		assert.Equal(t, "fake", req.Provider)
		assert.NotEmpty(t, req.CorrelationID)
	}
}

func TestAuthorityIdempotentReplayUsesCachedSignature(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{9, 9, 9}}
	store := storage.NewMockStore()
	a, _ := newTestAuthority(provider, store)

	first, err := a.SignMessage(context.Background(), "alice", "relay-tx", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 1, provider.signCalls)

	second, err := a.SignMessage(context.Background(), "alice", "relay-tx", []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.signCalls, "backend must not be invoked for a replay")
	assert.Len(t, store.SigningRequests, 1, "no second ledger row for a replay")
}

func TestAuthorityDifferentPurposeIsNotDeduped(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{1}}
	store := storage.NewMockStore()
	a, _ := newTestAuthority(provider, store)

	_, err := a.SignMessage(context.Background(), "alice", "relay-tx", []byte("payload"))
	require.NoError(t, err)
	_, err = a.SignMessage(context.Background(), "alice", "clob-auth", []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, 2, provider.signCalls)
}

func TestAuthorityRateLimited(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{1}}
	store := storage.NewMockStore()

	limiter := NewRateLimiter(1, 1000)
	breaker := NewCircuitBreaker(5, time.Minute, 30*time.Second, 1)
	a := NewAuthority(provider, store, limiter, breaker, retryConfig())

	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("one"))
	require.NoError(t, err)

	_, err = a.SignMessage(context.Background(), "alice", "p", []byte("two"))
	require.Error(t, err)

	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindRateLimited, se.Kind)
	assert.Equal(t, "per_user", se.Limit)
	assert.Equal(t, 1, provider.signCalls)
}

func TestAuthorityCircuitOpen(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{1}}
	store := storage.NewMockStore()

	limiter := NewRateLimiter(100, 1000)
	breaker := NewCircuitBreaker(2, time.Minute, 30*time.Second, 1)
	a := NewAuthority(provider, store, limiter, breaker, retryConfig())

	breaker.RecordFailure()
	breaker.RecordFailure()

	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.Error(t, err)

	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCircuitOpen, se.Kind)
	assert.Equal(t, 0, provider.signCalls)
}

func TestAuthorityWalletNotReady(t *testing.T) {
	provider := &fakeProvider{addrErr: ErrServerWalletNotReady}
	store := storage.NewMockStore()
	a, sleeps := newTestAuthority(provider, store)

	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.Error(t, err)

	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindWalletNotReady, se.Kind)
	assert.Equal(t, 0, provider.signCalls, "not-ready must not reach the backend")
	assert.Empty(t, *sleeps, "domain errors are not retried")
}

func TestAuthorityTransientErrorsRetryWithBackoff(t *testing.T) {
	provider := &fakeProvider{
		addr: common.HexToAddress("0x1"),
		sig:  []byte{7},
		signErrs: []error{
			&BackendError{Status: 503, Message: "unavailable"},
			&BackendError{Status: 503, Message: "unavailable"},
			nil,
		},
	}
	store := storage.NewMockStore()
	a, sleeps := newTestAuthority(provider, store)

	sig, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, sig)
	assert.Equal(t, 3, provider.signCalls)

	// baseDelay * factor^attempt: 200ms then 400ms.
	require.Len(t, *sleeps, 2)
	assert.Equal(t, 200*time.Millisecond, (*sleeps)[0])
	assert.Equal(t, 400*time.Millisecond, (*sleeps)[1])
}

func TestAuthorityRetriesExhaust(t *testing.T) {
	provider := &fakeProvider{
		addr: common.HexToAddress("0x1"),
		signErrs: []error{
			&BackendError{Status: 500},
			&BackendError{Status: 500},
			&BackendError{Status: 500},
		},
	}
	store := storage.NewMockStore()
	a, _ := newTestAuthority(provider, store)

	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.Error(t, err)

	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindBackend, se.Kind)
	assert.Equal(t, 3, provider.signCalls)

	for _, req := range store.SigningRequests {
		assert.Equal(t, models.SigningFailed, req.Status)
	}
}

func TestAuthorityBackendRateLimitHonorsRetryAfter(t *testing.T) {
	provider := &fakeProvider{
		addr: common.HexToAddress("0x1"),
		sig:  []byte{5},
		signErrs: []error{
			&BackendError{Status: 429, RetryAfter: 5 * time.Second},
			&BackendError{Status: 429}, // no advertised wait, default applies
			nil,
		},
	}
	store := storage.NewMockStore()
	a, sleeps := newTestAuthority(provider, store)

	sig, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, sig)

	// Rate-limit waits use the advertised delay (or the 2s default), not the
	// exponential schedule.
	require.Len(t, *sleeps, 2)
	assert.Equal(t, 5*time.Second, (*sleeps)[0])
	assert.Equal(t, 2*time.Second, (*sleeps)[1])
}

func TestAuthorityDomainErrorNotRetried(t *testing.T) {
	provider := &fakeProvider{
		addr: common.HexToAddress("0x1"),
		signErrs: []error{
			&BackendError{Status: 400, Message: "bad payload"},
		},
	}
	store := storage.NewMockStore()
	a, sleeps := newTestAuthority(provider, store)

	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.Error(t, err)
	assert.Equal(t, 1, provider.signCalls)
	assert.Empty(t, *sleeps)
}

func TestAuthorityCachedReplayDoesNotConsumeHalfOpenProbe(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{4, 2}}
	store := storage.NewMockStore()

	limiter := NewRateLimiter(100, 1000)
	breaker := NewCircuitBreaker(1, time.Minute, 30*time.Second, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	breaker.now = func() time.Time { return now }
	a := NewAuthority(provider, store, limiter, breaker, retryConfig())

	first, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload-a"))
	require.NoError(t, err)

	breaker.RecordFailure() // threshold 1, opens
	now = now.Add(30 * time.Second)

	// The replay is served from the ledger and must leave the probe intact.
	replay, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload-a"))
	require.NoError(t, err)
	assert.Equal(t, first, replay)
	assert.Equal(t, 1, provider.signCalls)

	// A fresh payload uses the probe, succeeds, and closes the breaker.
	_, err = a.SignMessage(context.Background(), "alice", "p", []byte("payload-b"))
	require.NoError(t, err)
	assert.Equal(t, 2, provider.signCalls)
	assert.Equal(t, BreakerClosed, a.BreakerState())
}

func TestAuthorityWalletNotReadyDoesNotConsumeHalfOpenProbe(t *testing.T) {
	provider := &fakeProvider{addr: common.HexToAddress("0x1"), sig: []byte{1}}
	store := storage.NewMockStore()

	limiter := NewRateLimiter(100, 1000)
	breaker := NewCircuitBreaker(1, time.Minute, 30*time.Second, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	breaker.now = func() time.Time { return now }
	a := NewAuthority(provider, store, limiter, breaker, retryConfig())

	breaker.RecordFailure()
	now = now.Add(30 * time.Second)

	provider.addrErr = ErrServerWalletNotReady
	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindWalletNotReady, se.Kind)

	// Once the wallet is ready the probe is still available.
	provider.addrErr = nil
	_, err = a.SignMessage(context.Background(), "alice", "p", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, a.BreakerState())
}

func TestAuthorityFailureFeedsBreaker(t *testing.T) {
	provider := &fakeProvider{
		addr: common.HexToAddress("0x1"),
		signErrs: []error{
			&BackendError{Status: 400},
			&BackendError{Status: 400},
		},
	}
	store := storage.NewMockStore()

	limiter := NewRateLimiter(100, 1000)
	breaker := NewCircuitBreaker(2, time.Minute, 30*time.Second, 1)
	a := NewAuthority(provider, store, limiter, breaker, retryConfig())

	_, err := a.SignMessage(context.Background(), "alice", "p", []byte("one"))
	require.Error(t, err)
	_, err = a.SignMessage(context.Background(), "alice", "p", []byte("two"))
	require.Error(t, err)

	assert.Equal(t, BreakerOpen, a.BreakerState())
}

// fakeExecutorProvider adds transaction broadcast on top of fakeProvider.
type fakeExecutorProvider struct {
	fakeProvider
	txCalls int
	result  *TxResult
}

func (f *fakeExecutorProvider) ExecuteTransaction(_ context.Context, _ string, _ TxRequest) (*TxResult, error) {
	f.txCalls++
	return f.result, nil
}

func TestAuthorityExecuteTransactionDedupReturnsCachedHash(t *testing.T) {
	provider := &fakeExecutorProvider{
		fakeProvider: fakeProvider{addr: common.HexToAddress("0x1")},
		result:       &TxResult{Hash: "0xdeadbeef", Status: "CONFIRMED"},
	}
	store := storage.NewMockStore()
	a, _ := newTestAuthority(provider, store)

	tx := TxRequest{To: "0x2", Data: "0x00", ChainID: 137}

	first, err := a.ExecuteTransaction(context.Background(), "alice", "redeem", tx)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", first.Hash)
	require.Equal(t, 1, provider.txCalls)

	second, err := a.ExecuteTransaction(context.Background(), "alice", "redeem", tx)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.txCalls, "replay must not broadcast again")
	assert.Equal(t, "KNOWN", second.Status)
	assert.Equal(t, "0xdeadbeef", second.Hash, "replay must return the recorded hash")
}
