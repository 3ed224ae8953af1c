package relayer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"polymarket-mirror/config"
	"polymarket-mirror/signing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// structHashPrefix is the fixed literal the relay hub prepends before
// hashing the meta-transaction fields.
var structHashPrefix = []byte("rlx:")

// ProxyCall is one call inside a batched proxy transaction.
type ProxyCall struct {
	TypeCode uint8
	To       common.Address
	Value    *big.Int
	Data     []byte
}

// CallTypeCall is the standard CALL type code for proxy calls.
const CallTypeCall uint8 = 1

// relayPayload is the {relayAddress, nonce} pair the relay hands out before
// a submission.
type relayPayload struct {
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
}

type submitResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
}

// Client builds, signs and submits gasless meta-transactions through the
// relay service. Gas is paid by the relay; the follower only authorizes.
type Client struct {
	cfg        config.RelayConfig
	authority  *signing.Authority
	httpClient *http.Client

	factory      common.Address
	initCodeHash common.Hash
	relayHub     common.Address
}

func NewClient(cfg config.RelayConfig, authority *signing.Authority) *Client {
	return &Client{
		cfg:          cfg,
		authority:    authority,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		factory:      common.HexToAddress(cfg.FactoryAddress),
		initCodeHash: common.HexToHash(cfg.InitCodeHash),
		relayHub:     common.HexToAddress(cfg.RelayHubAddress),
	}
}

// DeriveProxyWallet computes the follower's deterministic asset-holding
// wallet from their EOA. The address is stable whether or not the proxy is
// deployed yet.
func (c *Client) DeriveProxyWallet(eoa common.Address) common.Address {
	salt := crypto.Keccak256(eoa.Bytes())
	return crypto.CreateAddress2(c.factory, common.BytesToHash(salt), c.initCodeHash.Bytes())
}

// SubmitProxyTransactions batches the calls into a single proxy invocation,
// signs it through the follower's authority and submits it gaslessly.
// Returns the transaction hash once the relay reports one.
func (c *Client) SubmitProxyTransactions(ctx context.Context, userID string, purpose string, calls []ProxyCall) (string, error) {
	if len(calls) == 0 {
		return "", fmt.Errorf("no calls to submit")
	}

	from, err := c.authority.GetAddress(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve signing address: %w", err)
	}

	payload, err := c.fetchRelayPayload(ctx, from)
	if err != nil {
		return "", fmt.Errorf("fetch relay payload: %w", err)
	}
	relay := common.HexToAddress(payload.Address)
	nonce, ok := new(big.Int).SetString(payload.Nonce, 10)
	if !ok {
		return "", fmt.Errorf("invalid relay nonce %q", payload.Nonce)
	}

	data, err := encodeProxyCalls(calls)
	if err != nil {
		return "", fmt.Errorf("encode proxy calls: %w", err)
	}

	fee := big.NewInt(0)
	gasPrice := big.NewInt(0)
	gasLimit := big.NewInt(c.cfg.GasLimit)

	structHash := StructHash(from, c.factory, data, fee, gasPrice, gasLimit, nonce, c.relayHub, relay)

	sig, err := c.authority.SignMessage(ctx, userID, purpose, structHash)
	if err != nil {
		return "", fmt.Errorf("sign relay transaction: %w", err)
	}

	body := map[string]interface{}{
		"type":        "PROXY",
		"from":        from.Hex(),
		"to":          c.factory.Hex(),
		"proxyWallet": c.DeriveProxyWallet(from).Hex(),
		"data":        "0x" + common.Bytes2Hex(data),
		"nonce":       nonce.String(),
		"signature":   "0x" + common.Bytes2Hex(sig),
		"signatureParams": map[string]interface{}{
			"gasPrice":   gasPrice.String(),
			"gasLimit":   gasLimit.String(),
			"relayerFee": fee.String(),
			"relayHub":   c.relayHub.Hex(),
			"relay":      relay.Hex(),
		},
		"metadata": "",
	}

	resp, err := c.submit(ctx, body)
	if err != nil {
		return "", err
	}
	if resp.TransactionHash != "" {
		return resp.TransactionHash, nil
	}

	log.Printf("[Relayer] transaction %s accepted without hash, polling", resp.TransactionID)
	return c.pollTransaction(ctx, resp.TransactionID)
}

// StructHash builds the relay hub's meta-transaction digest. Identical
// inputs always produce the identical hash.
func StructHash(from, to common.Address, data []byte, fee, gasPrice, gasLimit, nonce *big.Int, relayHub, relay common.Address) []byte {
	var buf bytes.Buffer
	buf.Write(structHashPrefix)
	buf.Write(from.Bytes())
	buf.Write(to.Bytes())
	buf.Write(data)
	buf.Write(common.LeftPadBytes(fee.Bytes(), 32))
	buf.Write(common.LeftPadBytes(gasPrice.Bytes(), 32))
	buf.Write(common.LeftPadBytes(gasLimit.Bytes(), 32))
	buf.Write(common.LeftPadBytes(nonce.Bytes(), 32))
	buf.Write(relayHub.Bytes())
	buf.Write(relay.Bytes())
	return crypto.Keccak256(buf.Bytes())
}

func (c *Client) fetchRelayPayload(ctx context.Context, from common.Address) (*relayPayload, error) {
	path := "/relay-payload?address=" + from.Hex() + "&type=PROXY"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.attachBuilderAuth(req, http.MethodGet, path, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("relay payload status %d: %s", resp.StatusCode, string(raw))
	}

	var payload relayPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode relay payload: %w", err)
	}
	return &payload, nil
}

func (c *Client) submit(ctx context.Context, body map[string]interface{}) (*submitResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/submit", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachBuilderAuth(req, http.MethodPost, "/submit", raw)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay submit status %d: %s", resp.StatusCode, string(respBody))
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	return &sr, nil
}

// pollTransaction waits for the relay to report a transaction hash by id.
// A failed state is terminal; running out of attempts is a timeout.
func (c *Client) pollTransaction(ctx context.Context, txID string) (string, error) {
	interval := time.Duration(c.cfg.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		path := "/transaction?id=" + txID
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return "", err
		}
		c.attachBuilderAuth(req, http.MethodGet, path, nil)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Printf("[Relayer] poll attempt %d failed: %v", attempt+1, err)
			continue
		}

		var results []submitResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&results)
		resp.Body.Close()
		if decodeErr != nil {
			// Some deployments return a single object instead of a list.
			continue
		}
		if len(results) == 0 {
			continue
		}

		tx := results[0]
		if tx.State == "STATE_FAILED" {
			return "", fmt.Errorf("relay transaction %s failed", txID)
		}
		if tx.TransactionHash != "" {
			return tx.TransactionHash, nil
		}
	}
	return "", fmt.Errorf("relay transaction %s not confirmed after %d attempts", txID, c.cfg.MaxPollAttempts)
}

// attachBuilderAuth adds HMAC builder headers when credentials are set. The
// signature covers timestamp+method+path and the body when present.
func (c *Client) attachBuilderAuth(req *http.Request, method, path string, body []byte) {
	if c.cfg.BuilderAPIKey == "" || c.cfg.BuilderSecret == "" {
		return
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secret, err := base64.URLEncoding.DecodeString(c.cfg.BuilderSecret)
	if err != nil {
		secret = []byte(c.cfg.BuilderSecret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("POLY_BUILDER_API_KEY", c.cfg.BuilderAPIKey)
	req.Header.Set("POLY_BUILDER_TIMESTAMP", timestamp)
	req.Header.Set("POLY_BUILDER_PASSPHRASE", c.cfg.BuilderPassphrase)
	req.Header.Set("POLY_BUILDER_SIGNATURE", sig)
}

var (
	proxyABI = mustParseABI(`[{"name":"proxy","type":"function","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"typeCode","type":"uint8"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}],"outputs":[]}]`)
	erc20ABI = mustParseABI(`[{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]}]`)
	ctfABI   = mustParseABI(`[{"name":"redeemPositions","type":"function","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"outputs":[]}]`)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

func encodeProxyCalls(calls []ProxyCall) ([]byte, error) {
	type abiCall struct {
		TypeCode uint8          `abi:"typeCode"`
		To       common.Address `abi:"to"`
		Value    *big.Int       `abi:"value"`
		Data     []byte         `abi:"data"`
	}
	packed := make([]abiCall, 0, len(calls))
	for _, c := range calls {
		value := c.Value
		if value == nil {
			value = big.NewInt(0)
		}
		packed = append(packed, abiCall{TypeCode: c.TypeCode, To: c.To, Value: value, Data: c.Data})
	}
	return proxyABI.Pack("proxy", packed)
}

// ApproveCall builds an ERC-20 approve for the given spender.
func ApproveCall(token, spender common.Address, amount *big.Int) (ProxyCall, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return ProxyCall{}, fmt.Errorf("encode approve: %w", err)
	}
	return ProxyCall{TypeCode: CallTypeCall, To: token, Value: big.NewInt(0), Data: data}, nil
}

// WithdrawCall builds a USDC transfer out of the proxy wallet.
func WithdrawCall(token, recipient common.Address, amount *big.Int) (ProxyCall, error) {
	data, err := erc20ABI.Pack("transfer", recipient, amount)
	if err != nil {
		return ProxyCall{}, fmt.Errorf("encode transfer: %w", err)
	}
	return ProxyCall{TypeCode: CallTypeCall, To: token, Value: big.NewInt(0), Data: data}, nil
}

// RedeemCall builds a conditional-tokens redeemPositions for a resolved
// market. Index sets 1 and 2 cover both outcomes of a binary condition.
func RedeemCall(ctf, collateral common.Address, conditionID common.Hash) (ProxyCall, error) {
	data, err := ctfABI.Pack("redeemPositions", collateral, [32]byte{}, [32]byte(conditionID), []*big.Int{big.NewInt(1), big.NewInt(2)})
	if err != nil {
		return ProxyCall{}, fmt.Errorf("encode redeemPositions: %w", err)
	}
	return ProxyCall{TypeCode: CallTypeCall, To: ctf, Value: big.NewInt(0), Data: data}, nil
}
