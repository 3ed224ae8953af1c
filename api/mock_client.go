package api

import (
	"context"
	"sync"
)

// ClobClientInterface defines the methods needed from a CLOB client.
// This interface enables dependency injection for testing.
type ClobClientInterface interface {
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
	PlaceMarketOrder(ctx context.Context, userID, tokenID string, side Side, amountUSDC float64, negRisk bool) (*OrderResponse, error)
	PlaceLimitOrder(ctx context.Context, userID, tokenID string, side Side, size float64, price float64, negRisk bool) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, userID, orderID string) (*OrderStatus, error)
}

// DataClientInterface defines the methods needed from the data API.
type DataClientInterface interface {
	GetTrades(ctx context.Context, leaderAddress string, limit int) ([]DataTrade, error)
	GetBalance(ctx context.Context, address string) (float64, error)
}

// Ensure real clients implement the interfaces
var _ ClobClientInterface = (*ClobClient)(nil)
var _ DataClientInterface = (*DataClient)(nil)

// Ensure mocks implement the interfaces
var _ ClobClientInterface = (*MockClobClient)(nil)
var _ DataClientInterface = (*MockDataClient)(nil)

// MockClobClient is a mock CLOB client for testing
type MockClobClient struct {
	mu sync.RWMutex

	// Response data
	OrderBook     *OrderBook
	OrderResponse *OrderResponse
	OrderStatuses map[string]*OrderStatus

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Detailed call tracking for verification
	PlaceMarketOrderCalls []PlaceMarketOrderCall
	PlaceLimitOrderCalls  []PlaceLimitOrderCall
}

// PlaceMarketOrderCall records a call to PlaceMarketOrder
type PlaceMarketOrderCall struct {
	UserID     string
	TokenID    string
	Side       Side
	AmountUSDC float64
	NegRisk    bool
}

// PlaceLimitOrderCall records a call to PlaceLimitOrder
type PlaceLimitOrderCall struct {
	UserID  string
	TokenID string
	Side    Side
	Size    float64
	Price   float64
	NegRisk bool
}

// NewMockClobClient creates a new mock CLOB client
func NewMockClobClient() *MockClobClient {
	return &MockClobClient{
		Calls:                 make(map[string]int),
		ErrorOnNext:           make(map[string]error),
		OrderStatuses:         make(map[string]*OrderStatus),
		PlaceMarketOrderCalls: []PlaceMarketOrderCall{},
		PlaceLimitOrderCalls:  []PlaceLimitOrderCall{},
	}
}

func (m *MockClobClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.OrderBook != nil {
		return m.OrderBook, nil
	}
	return &OrderBook{
		Asks: []OrderBookLevel{
			{Price: "0.50", Size: "100"},
		},
		Bids: []OrderBookLevel{
			{Price: "0.49", Size: "100"},
		},
	}, nil
}

func (m *MockClobClient) PlaceMarketOrder(ctx context.Context, userID, tokenID string, side Side, amountUSDC float64, negRisk bool) (*OrderResponse, error) {
	if err := m.trackCall("PlaceMarketOrder"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.PlaceMarketOrderCalls = append(m.PlaceMarketOrderCalls, PlaceMarketOrderCall{
		UserID:     userID,
		TokenID:    tokenID,
		Side:       side,
		AmountUSDC: amountUSDC,
		NegRisk:    negRisk,
	})
	resp := m.OrderResponse
	m.mu.Unlock()

	if resp != nil {
		return resp, nil
	}
	return &OrderResponse{
		Success: true,
		OrderID: "mock-order-id",
		Status:  "matched",
	}, nil
}

func (m *MockClobClient) PlaceLimitOrder(ctx context.Context, userID, tokenID string, side Side, size float64, price float64, negRisk bool) (*OrderResponse, error) {
	if err := m.trackCall("PlaceLimitOrder"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.PlaceLimitOrderCalls = append(m.PlaceLimitOrderCalls, PlaceLimitOrderCall{
		UserID:  userID,
		TokenID: tokenID,
		Side:    side,
		Size:    size,
		Price:   price,
		NegRisk: negRisk,
	})
	resp := m.OrderResponse
	m.mu.Unlock()

	if resp != nil {
		return resp, nil
	}
	return &OrderResponse{
		Success: true,
		OrderID: "mock-order-id",
		Status:  "live",
	}, nil
}

func (m *MockClobClient) GetOrderStatus(ctx context.Context, userID, orderID string) (*OrderStatus, error) {
	if err := m.trackCall("GetOrderStatus"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.OrderStatuses[orderID]; ok {
		return status, nil
	}
	return &OrderStatus{
		ID:           orderID,
		Status:       "LIVE",
		OriginalSize: "10",
		SizeMatched:  "0",
	}, nil
}

// MockDataClient is a mock data API client for testing
type MockDataClient struct {
	mu sync.RWMutex

	// Response data, keyed by leader address
	Trades   map[string][]DataTrade
	Balances map[string]float64

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockDataClient creates a new mock data API client
func NewMockDataClient() *MockDataClient {
	return &MockDataClient{
		Trades:      make(map[string][]DataTrade),
		Balances:    make(map[string]float64),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockDataClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

func (m *MockDataClient) GetTrades(ctx context.Context, leaderAddress string, limit int) ([]DataTrade, error) {
	if err := m.trackCall("GetTrades"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	trades := m.Trades[leaderAddress]
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (m *MockDataClient) GetBalance(ctx context.Context, address string) (float64, error) {
	if err := m.trackCall("GetBalance"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Balances[address], nil
}
