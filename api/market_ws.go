package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultMarketWSURL = "wss://ws-live-data.polymarket.com"

// ActivityEvent is a trade broadcast on the live activity feed.
type ActivityEvent struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	TransactionHash string  `json:"transactionHash"`
}

// ActivityHandler is called when a followed leader appears on the feed.
type ActivityHandler func(leaderAddress string)

// MarketWSClient listens to the live activity stream and signals when a
// followed leader trades, so the poller can fetch early instead of waiting
// for its next tick. The polling feed remains the source of truth; this is
// only a kick.
type MarketWSClient struct {
	url        string
	onActivity ActivityHandler

	conn   *websocket.Conn
	connMu sync.Mutex

	followedAddrs   map[string]bool
	followedAddrsMu sync.RWMutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMarketWSClient creates a live activity listener.
func NewMarketWSClient(url string, onActivity ActivityHandler) *MarketWSClient {
	if url == "" {
		url = defaultMarketWSURL
	}
	return &MarketWSClient{
		url:           url,
		onActivity:    onActivity,
		followedAddrs: make(map[string]bool),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetFollowedAddresses updates the set of leader addresses to watch for.
func (c *MarketWSClient) SetFollowedAddresses(addrs []string) {
	c.followedAddrsMu.Lock()
	defer c.followedAddrsMu.Unlock()

	c.followedAddrs = make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		c.followedAddrs[strings.ToLower(addr)] = true
	}
	log.Printf("[MarketWS] Watching %d leader addresses", len(c.followedAddrs))
}

// Start connects and subscribes to the activity feed.
func (c *MarketWSClient) Start(ctx context.Context) error {
	if c.running {
		return fmt.Errorf("MarketWS client already running")
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.running = true
	go c.readLoop(ctx)

	log.Printf("[MarketWS] Started - listening for leader activity")
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (c *MarketWSClient) Stop() {
	if !c.running {
		return
	}

	c.running = false
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("[MarketWS] Shutdown timeout")
	}

	log.Printf("[MarketWS] Stopped")
}

func (c *MarketWSClient) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	subMsg := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "activity", "type": "trades"},
		},
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *MarketWSClient) readLoop(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			log.Printf("[MarketWS] Read error: %v, reconnecting", err)
			c.reconnect(ctx)
			continue
		}

		c.handleMessage(data)
	}
}

func (c *MarketWSClient) reconnect(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.connect(); err != nil {
			log.Printf("[MarketWS] Reconnect failed: %v", err)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		log.Printf("[MarketWS] Reconnected")
		return
	}
}

func (c *MarketWSClient) handleMessage(data []byte) {
	var envelope struct {
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	if envelope.Topic != "activity" {
		return
	}

	var event ActivityEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return
	}

	addr := strings.ToLower(event.ProxyWallet)
	c.followedAddrsMu.RLock()
	followed := c.followedAddrs[addr]
	c.followedAddrsMu.RUnlock()

	if followed && c.onActivity != nil {
		c.onActivity(addr)
	}
}
