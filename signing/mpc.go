package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"polymarket-mirror/models"
	"polymarket-mirror/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// MPCProvider fronts an MPC signing service over HTTPS. The private key is
// sharded inside the service and never materializes here; every method is a
// remote call authorized with an API key.
//
// Wallets are provisioned lazily: the first GetAddress for a user creates
// one and records CREATING until the service reports it usable.
type MPCProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      storage.DataStore
}

// NewMPCProvider builds a provider talking to the MPC service at baseURL.
func NewMPCProvider(baseURL, apiKey string, store storage.DataStore) *MPCProvider {
	return &MPCProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		store: store,
	}
}

func (p *MPCProvider) Name() string { return "mpc" }

type mpcWalletResponse struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type mpcSignResponse struct {
	Signature string `json:"signature"`
}

// GetAddress returns the follower's wallet address, provisioning it on first
// use. Returns ErrServerWalletNotReady while the service is still creating
// the key shares.
func (p *MPCProvider) GetAddress(ctx context.Context, userID string) (common.Address, error) {
	wallet, err := p.store.GetServerWallet(ctx, userID)
	if err != nil {
		return common.Address{}, err
	}

	if wallet == nil {
		return common.Address{}, p.provision(ctx, userID)
	}

	switch wallet.Status {
	case models.WalletReady:
		return common.HexToAddress(wallet.Address), nil
	case models.WalletCreating:
		// Re-check the service; provisioning may have finished.
		if err := p.refresh(ctx, userID); err != nil {
			return common.Address{}, err
		}
		refreshed, err := p.store.GetServerWallet(ctx, userID)
		if err != nil {
			return common.Address{}, err
		}
		if refreshed != nil && refreshed.Status == models.WalletReady {
			return common.HexToAddress(refreshed.Address), nil
		}
		return common.Address{}, ErrServerWalletNotReady
	default:
		return common.Address{}, fmt.Errorf("server wallet for %s failed: %s", userID, wallet.LastError)
	}
}

func (p *MPCProvider) provision(ctx context.Context, userID string) error {
	var resp mpcWalletResponse
	err := p.do(ctx, "POST", "/v1/wallets", map[string]string{"userId": userID}, &resp)
	if err != nil {
		saveErr := p.store.SaveServerWallet(ctx, models.ServerWallet{
			UserID:    userID,
			Status:    models.WalletFailed,
			LastError: err.Error(),
		})
		if saveErr != nil {
			log.Printf("[Signing] failed to record wallet failure for %s: %v", userID, saveErr)
		}
		return fmt.Errorf("provision wallet for %s: %w", userID, err)
	}

	status := models.WalletCreating
	if resp.Status == "READY" {
		status = models.WalletReady
	}
	if err := p.store.SaveServerWallet(ctx, models.ServerWallet{
		UserID:  userID,
		Address: resp.Address,
		Status:  status,
	}); err != nil {
		return err
	}

	if status == models.WalletReady {
		return nil
	}
	log.Printf("[Signing] wallet for %s is provisioning", userID)
	return ErrServerWalletNotReady
}

func (p *MPCProvider) refresh(ctx context.Context, userID string) error {
	var resp mpcWalletResponse
	if err := p.do(ctx, "GET", "/v1/wallets/"+userID, nil, &resp); err != nil {
		return err
	}

	status := models.WalletCreating
	switch resp.Status {
	case "READY":
		status = models.WalletReady
	case "FAILED":
		status = models.WalletFailed
	}
	return p.store.SaveServerWallet(ctx, models.ServerWallet{
		UserID:    userID,
		Address:   resp.Address,
		Status:    status,
		LastError: resp.Error,
	})
}

func (p *MPCProvider) SignTypedData(ctx context.Context, userID string, td apitypes.TypedData) ([]byte, error) {
	var resp mpcSignResponse
	err := p.do(ctx, "POST", "/v1/wallets/"+userID+"/sign-typed-data", map[string]interface{}{
		"typedData": td,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return common.FromHex(resp.Signature), nil
}

func (p *MPCProvider) SignMessage(ctx context.Context, userID string, msg []byte) ([]byte, error) {
	var resp mpcSignResponse
	err := p.do(ctx, "POST", "/v1/wallets/"+userID+"/sign-message", map[string]string{
		"message": "0x" + common.Bytes2Hex(msg),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return common.FromHex(resp.Signature), nil
}

// ExecuteTransaction broadcasts through the MPC service.
func (p *MPCProvider) ExecuteTransaction(ctx context.Context, userID string, tx TxRequest) (*TxResult, error) {
	var result TxResult
	if err := p.do(ctx, "POST", "/v1/wallets/"+userID+"/transactions", tx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rotate asks the service to re-shard the user's key under a fresh share set.
func (p *MPCProvider) Rotate(ctx context.Context, userID string) error {
	if err := p.do(ctx, "POST", "/v1/wallets/"+userID+"/rotate", nil, nil); err != nil {
		return fmt.Errorf("rotate wallet for %s: %w", userID, err)
	}
	log.Printf("[Signing] rotated wallet for %s", userID)
	return nil
}

// Revoke destroys the user's key shares and pauses their copy profile so no
// further mirroring runs with a dead signer.
func (p *MPCProvider) Revoke(ctx context.Context, userID string) error {
	if err := p.do(ctx, "DELETE", "/v1/wallets/"+userID, nil, nil); err != nil {
		return fmt.Errorf("revoke wallet for %s: %w", userID, err)
	}
	if err := p.store.SaveServerWallet(ctx, models.ServerWallet{
		UserID:    userID,
		Status:    models.WalletFailed,
		LastError: "revoked",
	}); err != nil {
		return err
	}
	if err := p.store.PauseCopyProfile(ctx, userID); err != nil {
		return fmt.Errorf("pause profile after revoke for %s: %w", userID, err)
	}
	log.Printf("[Signing] revoked wallet for %s and paused mirroring", userID)
	return nil
}

func (p *MPCProvider) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Network failures look like a 0-status transient backend error.
		return &BackendError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		be := &BackendError{Status: resp.StatusCode, Message: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				be.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return be
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
