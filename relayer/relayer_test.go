package relayer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-mirror/config"
	"polymarket-mirror/signing"
	"polymarket-mirror/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayConfig(baseURL string) config.RelayConfig {
	return config.RelayConfig{
		BaseURL:         baseURL,
		FactoryAddress:  "0xaB45c5A4B0c941a2F231C04C3f49182e1A254052",
		InitCodeHash:    "0x56e3b0d4a5c95e2dd22f8e78f6b0a9f5a08efe0bbcbc21d0b2a9e9a1a3c1b8aa",
		RelayHubAddress: "0xD216153c06E857cD7f72665E0aF1d7D82172F494",
		GasLimit:        600000,
		PollIntervalMS:  5,
		MaxPollAttempts: 5,
	}
}

func testAuthority() *signing.Authority {
	limiter := signing.NewRateLimiter(100, 1000)
	breaker := signing.NewCircuitBreaker(5, time.Minute, 30*time.Second, 1)
	return signing.NewAuthority(
		signing.NewLocalProvider("relay-test-seed"),
		storage.NewMockStore(),
		limiter,
		breaker,
		config.RetryConfig{MaxAttempts: 3, BaseDelayMS: 1, BackoffFactor: 2, RateLimitRetrySec: 1},
	)
}

func TestStructHashDeterministic(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	relayHub := common.HexToAddress("0x3333333333333333333333333333333333333333")
	relay := common.HexToAddress("0x4444444444444444444444444444444444444444")
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	h1 := StructHash(from, to, data, big.NewInt(0), big.NewInt(0), big.NewInt(600000), big.NewInt(7), relayHub, relay)
	h2 := StructHash(from, to, data, big.NewInt(0), big.NewInt(0), big.NewInt(600000), big.NewInt(7), relayHub, relay)

	require.Len(t, h1, 32)
	assert.Equal(t, h1, h2, "identical inputs must hash identically")

	h3 := StructHash(from, to, data, big.NewInt(0), big.NewInt(0), big.NewInt(600000), big.NewInt(8), relayHub, relay)
	assert.NotEqual(t, h1, h3, "nonce change must change the hash")

	h4 := StructHash(from, to, []byte{0xde, 0xad}, big.NewInt(0), big.NewInt(0), big.NewInt(600000), big.NewInt(7), relayHub, relay)
	assert.NotEqual(t, h1, h4, "data change must change the hash")
}

func TestDeriveProxyWalletStable(t *testing.T) {
	client := NewClient(testRelayConfig("http://unused"), testAuthority())

	eoa := common.HexToAddress("0x5555555555555555555555555555555555555555")
	first := client.DeriveProxyWallet(eoa)
	second := client.DeriveProxyWallet(eoa)

	assert.Equal(t, first, second)
	assert.NotEqual(t, common.Address{}, first)

	other := client.DeriveProxyWallet(common.HexToAddress("0x6666666666666666666666666666666666666666"))
	assert.NotEqual(t, first, other, "different EOAs must derive different proxies")
}

func TestSubmitProxyTransactionsImmediateHash(t *testing.T) {
	var submitBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/relay-payload":
			json.NewEncoder(w).Encode(map[string]string{
				"address": "0x4444444444444444444444444444444444444444",
				"nonce":   "3",
			})
		case r.URL.Path == "/submit" && r.Method == http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitBody))
			json.NewEncoder(w).Encode(map[string]string{
				"transactionID":   "tx-1",
				"transactionHash": "0xhash",
				"state":           "STATE_EXECUTED",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(testRelayConfig(srv.URL), testAuthority())

	call, err := ApproveCall(
		common.HexToAddress("0x2791bca1f2de4661ed88a30c99a7a9449aa84174"),
		common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
		big.NewInt(1000000),
	)
	require.NoError(t, err)

	hash, err := client.SubmitProxyTransactions(context.Background(), "alice", "approve-usdc", []ProxyCall{call})
	require.NoError(t, err)
	assert.Equal(t, "0xhash", hash)

	require.NotNil(t, submitBody)
	assert.Equal(t, "PROXY", submitBody["type"])
	assert.Equal(t, "3", submitBody["nonce"])
	assert.NotEmpty(t, submitBody["proxyWallet"])
	assert.NotEmpty(t, submitBody["signature"])

	params, ok := submitBody["signatureParams"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "600000", params["gasLimit"])
	assert.Equal(t, "0", params["relayerFee"])
}

func TestSubmitProxyTransactionsPollsForHash(t *testing.T) {
	var polls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relay-payload":
			json.NewEncoder(w).Encode(map[string]string{
				"address": "0x4444444444444444444444444444444444444444",
				"nonce":   "0",
			})
		case "/submit":
			json.NewEncoder(w).Encode(map[string]string{
				"transactionID": "tx-2",
				"state":         "STATE_NEW",
			})
		case "/transaction":
			n := atomic.AddInt32(&polls, 1)
			if n < 3 {
				json.NewEncoder(w).Encode([]map[string]string{
					{"state": "STATE_MINED"},
				})
			} else {
				json.NewEncoder(w).Encode([]map[string]string{
					{"state": "STATE_CONFIRMED", "transactionHash": "0xpolled"},
				})
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(testRelayConfig(srv.URL), testAuthority())

	call, err := WithdrawCall(
		common.HexToAddress("0x2791bca1f2de4661ed88a30c99a7a9449aa84174"),
		common.HexToAddress("0x7777777777777777777777777777777777777777"),
		big.NewInt(5000000),
	)
	require.NoError(t, err)

	hash, err := client.SubmitProxyTransactions(context.Background(), "alice", "withdraw-usdc", []ProxyCall{call})
	require.NoError(t, err)
	assert.Equal(t, "0xpolled", hash)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestSubmitProxyTransactionsFailedStateIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relay-payload":
			json.NewEncoder(w).Encode(map[string]string{
				"address": "0x4444444444444444444444444444444444444444",
				"nonce":   "0",
			})
		case "/submit":
			json.NewEncoder(w).Encode(map[string]string{
				"transactionID": "tx-3",
				"state":         "STATE_NEW",
			})
		case "/transaction":
			json.NewEncoder(w).Encode([]map[string]string{
				{"state": "STATE_FAILED"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(testRelayConfig(srv.URL), testAuthority())

	call, err := RedeemCall(
		common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"),
		common.HexToAddress("0x2791bca1f2de4661ed88a30c99a7a9449aa84174"),
		common.HexToHash("0x01"),
	)
	require.NoError(t, err)

	_, err = client.SubmitProxyTransactions(context.Background(), "alice", "redeem", []ProxyCall{call})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestSubmitProxyTransactionsPollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relay-payload":
			json.NewEncoder(w).Encode(map[string]string{
				"address": "0x4444444444444444444444444444444444444444",
				"nonce":   "0",
			})
		case "/submit":
			json.NewEncoder(w).Encode(map[string]string{
				"transactionID": "tx-4",
				"state":         "STATE_NEW",
			})
		case "/transaction":
			json.NewEncoder(w).Encode([]map[string]string{
				{"state": "STATE_MINED"}, // never reports a hash
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(testRelayConfig(srv.URL), testAuthority())

	call, _ := ApproveCall(common.HexToAddress("0x1"), common.HexToAddress("0x2"), big.NewInt(1))
	_, err := client.SubmitProxyTransactions(context.Background(), "alice", "approve", []ProxyCall{call})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not confirmed")
}

func TestBuilderAuthHeaders(t *testing.T) {
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/relay-payload" {
			gotHeaders = r.Header.Clone()
			json.NewEncoder(w).Encode(map[string]string{"address": "0x4444444444444444444444444444444444444444", "nonce": "0"})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := testRelayConfig(srv.URL)
	cfg.BuilderAPIKey = "builder-key"
	cfg.BuilderSecret = "c2VjcmV0" // base64("secret")
	cfg.BuilderPassphrase = "passphrase"

	client := NewClient(cfg, testAuthority())
	addr, err := client.authority.GetAddress(context.Background(), "alice")
	require.NoError(t, err)

	_, err = client.fetchRelayPayload(context.Background(), addr)
	require.NoError(t, err)

	assert.Equal(t, "builder-key", gotHeaders.Get("POLY_BUILDER_API_KEY"))
	assert.Equal(t, "passphrase", gotHeaders.Get("POLY_BUILDER_PASSPHRASE"))
	assert.NotEmpty(t, gotHeaders.Get("POLY_BUILDER_TIMESTAMP"))
	assert.NotEmpty(t, gotHeaders.Get("POLY_BUILDER_SIGNATURE"))
}

func TestNoBuilderHeadersWithoutCredentials(t *testing.T) {
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		json.NewEncoder(w).Encode(map[string]string{"address": "0x4444444444444444444444444444444444444444", "nonce": "0"})
	}))
	defer srv.Close()

	client := NewClient(testRelayConfig(srv.URL), testAuthority())
	_, err := client.fetchRelayPayload(context.Background(), common.HexToAddress("0x1"))
	require.NoError(t, err)

	assert.Empty(t, gotHeaders.Get("POLY_BUILDER_API_KEY"))
	assert.Empty(t, gotHeaders.Get("POLY_BUILDER_SIGNATURE"))
}
