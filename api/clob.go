package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"polymarket-mirror/signing"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ClobClient handles CLOB API interactions for trading. Every signature is
// produced through the follower's signing authority; the client never sees
// a private key.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	authority  *signing.Authority
	chainID    int64

	mu    sync.Mutex
	creds map[string]*APICreds // per-follower L2 credentials
}

// APICreds holds API credentials for CLOB
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// OrderBook represents the order book for a token
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (market order)
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled (limit order)
	OrderTypeGTD OrderType = "GTD" // Good-Til-Date
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	SideInt       int    `json:"-"` // Internal use for EIP-712 signing
}

// OrderRequest is the payload for placing an order
type OrderRequest struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the response from placing an order
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"` // matched, live, delayed, unmatched
}

// OrderStatus is the CLOB's view of an existing order.
type OrderStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// NewClobClient creates a new CLOB API client
func NewClobClient(baseURL string, chainID int64, authority *signing.Authority) *ClobClient {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}

	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		authority: authority,
		chainID:   chainID,
		creds:     make(map[string]*APICreds),
	}
}

// getAPICreds returns the follower's L2 credentials, deriving them through
// the CLOB auth endpoints on first use.
func (c *ClobClient) getAPICreds(ctx context.Context, userID string) (*APICreds, error) {
	c.mu.Lock()
	cached := c.creds[userID]
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	creds, err := c.createAPICreds(ctx, userID)
	if err != nil {
		log.Printf("[CLOB] Creating creds for %s failed (%v), trying to derive existing", userID, err)
		creds, err = c.deriveAPICreds(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive API creds: %w", err)
		}
	}

	c.mu.Lock()
	c.creds[userID] = creds
	c.mu.Unlock()
	return creds, nil
}

func (c *ClobClient) createAPICreds(ctx context.Context, userID string) (*APICreds, error) {
	headers, err := c.l1Headers(ctx, userID)
	if err != nil {
		return nil, err
	}

	nonce := time.Now().UnixNano()
	body := fmt.Sprintf(`{"nonce":%d}`, nonce)

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/auth/api-key", bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create API creds failed: %d %s", resp.StatusCode, string(respBody))
	}

	var creds APICreds
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode API creds: %w", err)
	}
	return &creds, nil
}

func (c *ClobClient) deriveAPICreds(ctx context.Context, userID string) (*APICreds, error) {
	headers, err := c.l1Headers(ctx, userID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("derive API creds failed: %d %s", resp.StatusCode, string(respBody))
	}

	var creds APICreds
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode API creds: %w", err)
	}
	return &creds, nil
}

// l1Headers builds the EIP-712 ClobAuth attestation headers for the
// follower's signing address.
func (c *ClobClient) l1Headers(ctx context.Context, userID string) (map[string]string, error) {
	address, err := c.authority.GetAddress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve signing address: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "0"

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(c.chainID),
		},
		Message: map[string]interface{}{
			"address":   address.Hex(),
			"timestamp": timestamp,
			"nonce":     big.NewInt(0),
			"message":   "This message attests that I control the given wallet",
		},
	}

	signature, err := c.authority.SignTypedData(ctx, userID, "clob-auth", typedData)
	if err != nil {
		return nil, fmt.Errorf("sign auth attestation: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   address.Hex(),
		"POLY_SIGNATURE": "0x" + hex.EncodeToString(signature),
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     nonce,
	}, nil
}

// GetOrderBook fetches the order book for a token
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/book?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order book failed: %d %s", resp.StatusCode, string(body))
	}

	var book OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to decode order book: %w", err)
	}

	return &book, nil
}

// PlaceMarketOrder places a market order sized in USDC for the follower.
// The order book is walked to find the fillable size and average price, then
// submitted GTC at that price.
func (c *ClobClient) PlaceMarketOrder(ctx context.Context, userID, tokenID string, side Side, amountUSDC float64, negRisk bool) (*OrderResponse, error) {
	creds, err := c.getAPICreds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}

	totalSize, avgPrice, filledUSDC := CalculateOptimalFill(book, side, amountUSDC)
	if totalSize == 0 {
		return nil, fmt.Errorf("cannot fill order: insufficient liquidity")
	}

	log.Printf("[CLOB] Market order for %s: %s %.4f USDC worth of tokens at avg price %.4f (size: %.4f)",
		userID, side, filledUSDC, avgPrice, totalSize)

	order, err := c.createSignedOrder(ctx, userID, tokenID, side, totalSize, avgPrice, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed order: %w", err)
	}

	return c.postOrder(ctx, userID, creds, order, OrderTypeGTC)
}

// PlaceLimitOrder places a limit order (GTC - Good-Til-Cancelled)
func (c *ClobClient) PlaceLimitOrder(ctx context.Context, userID, tokenID string, side Side, size float64, price float64, negRisk bool) (*OrderResponse, error) {
	creds, err := c.getAPICreds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	order, err := c.createSignedOrder(ctx, userID, tokenID, side, size, price, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed order: %w", err)
	}

	return c.postOrder(ctx, userID, creds, order, OrderTypeGTC)
}

// GetOrderStatus fetches the current fill state of an order.
func (c *ClobClient) GetOrderStatus(ctx context.Context, userID, orderID string) (*OrderStatus, error) {
	creds, err := c.getAPICreds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	address, err := c.authority.GetAddress(ctx, userID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/data/order/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	c.addL2Headers(req, address.Hex(), creds)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order failed: %d %s", resp.StatusCode, string(body))
	}

	var status OrderStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode order status: %w", err)
	}
	return &status, nil
}

func (c *ClobClient) createSignedOrder(ctx context.Context, userID, tokenID string, side Side, size float64, price float64, negRisk bool) (*Order, error) {
	// Round price to tick size (0.01 for most markets)
	tickSize := 0.01
	price = float64(int(price/tickSize+0.5)) * tickSize

	// Round size to 2 decimal places
	size = float64(int(size*100+0.5)) / 100

	// Enforce minimum order size
	if size < 0.01 {
		size = 0.01
	}

	// Convert to base units. USDC and outcome tokens both use 6 decimals.
	// MakerAmount is what we give (USDC on buy, tokens on sell),
	// TakerAmount is what we get.
	var makerAmount, takerAmount *big.Int
	sideInt := 0
	sideStr := "BUY"

	sizeUnits := new(big.Float).Mul(big.NewFloat(size), big.NewFloat(1e6))
	sizeInt := new(big.Int)
	sizeUnits.Int(sizeInt)

	usdcAmount := new(big.Float).Mul(big.NewFloat(size*price), big.NewFloat(1e6))
	usdcInt := new(big.Int)
	usdcAmount.Int(usdcInt)

	if side == SideBuy {
		makerAmount = usdcInt
		takerAmount = sizeInt
		sideInt = 0
		sideStr = "BUY"
	} else {
		makerAmount = sizeInt
		takerAmount = usdcInt
		sideInt = 1
		sideStr = "SELL"
	}

	salt := generateSalt()
	takerAddress := "0x0000000000000000000000000000000000000000"
	expiration := int64(0) // GTC orders never expire

	address, err := c.authority.GetAddress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve signing address: %w", err)
	}

	order := &Order{
		Salt:          salt,
		Maker:         address.Hex(),
		Signer:        address.Hex(),
		Taker:         takerAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideStr,
		SignatureType: 0,
		SideInt:       sideInt,
	}

	signature, err := c.signOrder(ctx, userID, order, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	order.Signature = signature

	return order, nil
}

func (c *ClobClient) signOrder(ctx context.Context, userID string, order *Order, negRisk bool) (string, error) {
	// Polymarket uses different contract addresses for neg_risk markets
	var verifyingContract string
	if negRisk {
		verifyingContract = "0xC5d563A36AE78145C45a50134d48A1215220f80a" // NegRiskCTFExchange
	} else {
		verifyingContract = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E" // CTFExchange
	}

	chainID := math.NewHexOrDecimal256(c.chainID)
	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           chainID,
		VerifyingContract: verifyingContract,
	}

	salt := big.NewInt(order.Salt)
	tokenId := new(big.Int)
	tokenId.SetString(order.TokenID, 10)
	makerAmount := new(big.Int)
	makerAmount.SetString(order.MakerAmount, 10)
	takerAmount := new(big.Int)
	takerAmount.SetString(order.TakerAmount, 10)
	expiration := new(big.Int)
	expiration.SetString(order.Expiration, 10)
	nonce := new(big.Int)
	nonce.SetString(order.Nonce, 10)
	feeRateBps := new(big.Int)
	feeRateBps.SetString(order.FeeRateBps, 10)

	message := map[string]interface{}{
		"salt":          salt,
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       tokenId,
		"makerAmount":   makerAmount,
		"takerAmount":   takerAmount,
		"expiration":    expiration,
		"nonce":         nonce,
		"feeRateBps":    feeRateBps,
		"side":          big.NewInt(int64(order.SideInt)),
		"signatureType": big.NewInt(int64(order.SignatureType)),
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain:      domain,
		Message:     message,
	}

	signature, err := c.authority.SignTypedData(ctx, userID, "clob-order", typedData)
	if err != nil {
		return "", err
	}

	return "0x" + hex.EncodeToString(signature), nil
}

func (c *ClobClient) postOrder(ctx context.Context, userID string, creds *APICreds, order *Order, orderType OrderType) (*OrderResponse, error) {
	payload := OrderRequest{
		Order:     *order,
		Owner:     creds.APIKey, // Owner is the API key
		OrderType: orderType,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// Browser-like headers to avoid Cloudflare blocking
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", "https://polymarket.com")
	req.Header.Set("Referer", "https://polymarket.com/")

	c.addL2Headers(req, order.Signer, creds)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post order failed: %d %s", resp.StatusCode, string(respBody))
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	return &orderResp, nil
}

// addL2Headers signs timestamp+method+path+body with the follower's API
// secret and attaches the POLY_* headers.
func (c *ClobClient) addL2Headers(req *http.Request, address string, creds *APICreds) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + req.Method + req.URL.Path
	if req.Body != nil {
		bodyBytes, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		message += string(bodyBytes)
	}

	signature := hmacSign(message, creds.APISecret)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", creds.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", signature)
}

func hmacSign(message string, secret string) string {
	// Decode URL-safe base64 secret
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		// Try standard base64
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			// If not base64, use as-is
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func generateSalt() int64 {
	// Small salt like the Python SDK uses
	return time.Now().UnixNano() % 1000000000
}

// CalculateOptimalFill walks the order book to compute how much can be
// bought or sold for the given USDC amount.
func CalculateOptimalFill(book *OrderBook, side Side, amountUSDC float64) (totalSize float64, avgPrice float64, filledUSDC float64) {
	var levels []OrderBookLevel
	if side == SideBuy {
		levels = book.Asks
	} else {
		levels = book.Bids
	}

	remainingUSDC := amountUSDC
	totalCost := 0.0

	for _, level := range levels {
		price, _ := strconv.ParseFloat(level.Price, 64)
		size, _ := strconv.ParseFloat(level.Size, 64)

		levelValue := size * price
		if levelValue <= remainingUSDC {
			totalSize += size
			totalCost += levelValue
			remainingUSDC -= levelValue
		} else {
			fillSize := remainingUSDC / price
			totalSize += fillSize
			totalCost += remainingUSDC
			remainingUSDC = 0
			break
		}

		if remainingUSDC <= 0 {
			break
		}
	}

	if totalSize > 0 {
		avgPrice = totalCost / totalSize
	}
	filledUSDC = amountUSDC - remainingUSDC

	return
}
