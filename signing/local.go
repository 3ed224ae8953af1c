package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// LocalProvider is a deterministic in-process signer used for tests and
// local development. Each user's key is derived from a fixed seed, so
// addresses and signatures are stable across runs. Never point this at
// mainnet funds.
type LocalProvider struct {
	seed []byte

	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

// NewLocalProvider builds a provider deriving per-user keys from seed.
func NewLocalProvider(seed string) *LocalProvider {
	return &LocalProvider{
		seed: []byte(seed),
		keys: make(map[string]*ecdsa.PrivateKey),
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) key(userID string) (*ecdsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if k, ok := p.keys[userID]; ok {
		return k, nil
	}
	raw := crypto.Keccak256(p.seed, []byte(userID))
	k, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", userID, err)
	}
	p.keys[userID] = k
	return k, nil
}

func (p *LocalProvider) GetAddress(_ context.Context, userID string) (common.Address, error) {
	k, err := p.key(userID)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(k.PublicKey), nil
}

func (p *LocalProvider) SignTypedData(_ context.Context, userID string, td apitypes.TypedData) ([]byte, error) {
	k, err := p.key(userID)
	if err != nil {
		return nil, err
	}

	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, k)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

func (p *LocalProvider) SignMessage(_ context.Context, userID string, msg []byte) ([]byte, error) {
	k, err := p.key(userID)
	if err != nil {
		return nil, err
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	hash := crypto.Keccak256(append([]byte(prefixed), msg...))

	sig, err := crypto.Sign(hash, k)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
