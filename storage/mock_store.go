package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polymarket-mirror/models"
)

// MockStore is a mock implementation of DataStore for testing
type MockStore struct {
	mu sync.RWMutex

	// Storage maps
	LeaderEvents    map[string]models.LeaderEvent
	Follows         []models.Follow
	Profiles        map[string]models.CopyProfile
	Attempts        map[string]*models.CopyAttempt // userID|eventID
	Orders          map[string]models.Order
	Balances        map[string]float64
	SigningRequests map[int64]*models.SigningRequest
	Wallets         map[string]models.ServerWallet
	Cursors         map[string]time.Time
	SeenTrades      map[string]bool

	nextSigningID int64
	nextAttemptID int64

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		LeaderEvents:    make(map[string]models.LeaderEvent),
		Profiles:        make(map[string]models.CopyProfile),
		Attempts:        make(map[string]*models.CopyAttempt),
		Orders:          make(map[string]models.Order),
		Balances:        make(map[string]float64),
		SigningRequests: make(map[int64]*models.SigningRequest),
		Wallets:         make(map[string]models.ServerWallet),
		Cursors:         make(map[string]time.Time),
		SeenTrades:      make(map[string]bool),
		Calls:           make(map[string]int),
		ErrorOnNext:     make(map[string]error),
	}
}

func (m *MockStore) track(method string) error {
	m.Calls[method]++
	if err, ok := m.ErrorOnNext[method]; ok {
		delete(m.ErrorOnNext, method)
		return err
	}
	return nil
}

func attemptKey(userID, eventID string) string { return userID + "|" + eventID }

func (m *MockStore) Close() error { return nil }

func (m *MockStore) SaveLeaderEvent(_ context.Context, event models.LeaderEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveLeaderEvent"); err != nil {
		return false, err
	}
	if _, ok := m.LeaderEvents[event.ID]; ok {
		return false, nil
	}
	m.LeaderEvents[event.ID] = event
	return true, nil
}

func (m *MockStore) GetLeaderEvent(_ context.Context, id string) (*models.LeaderEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev, ok := m.LeaderEvents[id]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (m *MockStore) ListFollowedLeaders(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListFollowedLeaders"); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var leaders []string
	for _, f := range m.Follows {
		if f.Active && !seen[f.LeaderID] {
			seen[f.LeaderID] = true
			leaders = append(leaders, f.LeaderID)
		}
	}
	return leaders, nil
}

func (m *MockStore) ListEnabledFollowers(_ context.Context, leaderID string) ([]models.CopyProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListEnabledFollowers"); err != nil {
		return nil, err
	}
	var profiles []models.CopyProfile
	for _, f := range m.Follows {
		if !f.Active || f.LeaderID != leaderID {
			continue
		}
		if p, ok := m.Profiles[f.FollowerID]; ok && p.Status == models.CopyProfileEnabled {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

func (m *MockStore) GetCopyProfile(_ context.Context, userID string) (*models.CopyProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.Profiles[userID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *MockStore) SetCopyProfile(_ context.Context, profile models.CopyProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SetCopyProfile"); err != nil {
		return err
	}
	m.Profiles[profile.UserID] = profile
	return nil
}

func (m *MockStore) PauseCopyProfile(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("PauseCopyProfile"); err != nil {
		return err
	}
	if p, ok := m.Profiles[userID]; ok && p.Status == models.CopyProfileEnabled {
		p.Status = models.CopyProfilePaused
		m.Profiles[userID] = p
	}
	return nil
}

func (m *MockStore) CreateCopyAttempt(_ context.Context, userID, leaderEventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateCopyAttempt"); err != nil {
		return false, err
	}
	key := attemptKey(userID, leaderEventID)
	if _, ok := m.Attempts[key]; ok {
		return false, nil
	}
	m.nextAttemptID++
	now := time.Now()
	m.Attempts[key] = &models.CopyAttempt{
		ID:            m.nextAttemptID,
		UserID:        userID,
		LeaderEventID: leaderEventID,
		Status:        models.AttemptPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return true, nil
}

func (m *MockStore) MarkAttemptSkipped(_ context.Context, userID, leaderEventID, reason string) error {
	return m.transition(userID, leaderEventID, "MarkAttemptSkipped", func(a *models.CopyAttempt) error {
		if a.Status != models.AttemptPending {
			return fmt.Errorf("attempt not pending")
		}
		a.Status = models.AttemptSkipped
		a.SkipReason = reason
		return nil
	})
}

func (m *MockStore) MarkAttemptSubmitted(_ context.Context, userID, leaderEventID, orderID string) error {
	return m.transition(userID, leaderEventID, "MarkAttemptSubmitted", func(a *models.CopyAttempt) error {
		if a.Status != models.AttemptPending {
			return fmt.Errorf("attempt not pending")
		}
		a.Status = models.AttemptSubmitted
		a.OrderID = orderID
		return nil
	})
}

func (m *MockStore) MarkAttemptFailed(_ context.Context, userID, leaderEventID, errorMessage string) error {
	return m.transition(userID, leaderEventID, "MarkAttemptFailed", func(a *models.CopyAttempt) error {
		if a.Status != models.AttemptPending {
			return fmt.Errorf("attempt not pending")
		}
		a.Status = models.AttemptFailed
		a.ErrorMessage = errorMessage
		return nil
	})
}

func (m *MockStore) MarkAttemptFill(_ context.Context, userID, leaderEventID string, status models.CopyAttemptStatus) error {
	return m.transition(userID, leaderEventID, "MarkAttemptFill", func(a *models.CopyAttempt) error {
		if a.Status != models.AttemptSubmitted && a.Status != models.AttemptPartiallyFilled {
			return fmt.Errorf("attempt not submitted")
		}
		a.Status = status
		return nil
	})
}

func (m *MockStore) transition(userID, leaderEventID, method string, fn func(*models.CopyAttempt) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(method); err != nil {
		return err
	}
	a, ok := m.Attempts[attemptKey(userID, leaderEventID)]
	if !ok {
		return fmt.Errorf("%s: no attempt for (%s, %s)", method, userID, leaderEventID)
	}
	if err := fn(a); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) ListSubmittedAttempts(_ context.Context, limit int) ([]models.CopyAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CopyAttempt
	for _, a := range m.Attempts {
		if a.Status == models.AttemptSubmitted || a.Status == models.AttemptPartiallyFilled {
			out = append(out, *a)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) GetCopyAttempt(_ context.Context, userID, leaderEventID string) (*models.CopyAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.Attempts[attemptKey(userID, leaderEventID)]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *MockStore) SaveOrder(_ context.Context, order models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveOrder"); err != nil {
		return err
	}
	m.Orders[order.ID] = order
	return nil
}

func (m *MockStore) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.Orders[orderID]; ok {
		return &o, nil
	}
	return nil, nil
}

func (m *MockStore) ListOpenOrders(_ context.Context, userID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListOpenOrders"); err != nil {
		return nil, err
	}
	var orders []models.Order
	for _, o := range m.Orders {
		if o.UserID == userID && o.Status == models.OrderOpen {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (m *MockStore) UpdateOrderFill(_ context.Context, orderID string, filledSize float64, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateOrderFill"); err != nil {
		return err
	}
	o, ok := m.Orders[orderID]
	if !ok {
		return fmt.Errorf("no order %s", orderID)
	}
	o.FilledSize = filledSize
	o.Status = status
	m.Orders[orderID] = o
	return nil
}

func (m *MockStore) GetFollowerBalance(_ context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetFollowerBalance"); err != nil {
		return 0, err
	}
	return m.Balances[userID], nil
}

func (m *MockStore) CreateSigningRequest(_ context.Context, req models.SigningRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateSigningRequest"); err != nil {
		return 0, err
	}
	m.nextSigningID++
	req.ID = m.nextSigningID
	req.Status = models.SigningCreated
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	m.SigningRequests[req.ID] = &req
	return req.ID, nil
}

func (m *MockStore) GetSucceededSigningRequest(_ context.Context, idempotencyKey string) (*models.SigningRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetSucceededSigningRequest"); err != nil {
		return nil, err
	}
	for _, r := range m.SigningRequests {
		if r.IdempotencyKey == idempotencyKey && r.Status == models.SigningSucceeded {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStore) MarkSigningRequestSent(_ context.Context, id int64, attemptCount int) error {
	return m.updateSigning(id, "MarkSigningRequestSent", func(r *models.SigningRequest) {
		r.Status = models.SigningSent
		r.AttemptCount = attemptCount
	})
}

func (m *MockStore) MarkSigningRequestRetried(_ context.Context, id int64, attemptCount int, lastError string) error {
	return m.updateSigning(id, "MarkSigningRequestRetried", func(r *models.SigningRequest) {
		r.Status = models.SigningRetried
		r.AttemptCount = attemptCount
		r.LastError = lastError
	})
}

func (m *MockStore) MarkSigningRequestSucceeded(_ context.Context, id int64, signature string) error {
	return m.updateSigning(id, "MarkSigningRequestSucceeded", func(r *models.SigningRequest) {
		r.Status = models.SigningSucceeded
		r.Signature = signature
	})
}

func (m *MockStore) MarkSigningRequestFailed(_ context.Context, id int64, lastError string) error {
	return m.updateSigning(id, "MarkSigningRequestFailed", func(r *models.SigningRequest) {
		r.Status = models.SigningFailed
		r.LastError = lastError
	})
}

func (m *MockStore) updateSigning(id int64, method string, fn func(*models.SigningRequest)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(method); err != nil {
		return err
	}
	r, ok := m.SigningRequests[id]
	if !ok {
		return fmt.Errorf("%s: no signing request %d", method, id)
	}
	fn(r)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) GetServerWallet(_ context.Context, userID string) (*models.ServerWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetServerWallet"); err != nil {
		return nil, err
	}
	if w, ok := m.Wallets[userID]; ok {
		return &w, nil
	}
	return nil, nil
}

func (m *MockStore) SaveServerWallet(_ context.Context, wallet models.ServerWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveServerWallet"); err != nil {
		return err
	}
	m.Wallets[wallet.UserID] = wallet
	return nil
}

func (m *MockStore) GetFeedCursor(_ context.Context, leaderID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Cursors[leaderID], nil
}

func (m *MockStore) SetFeedCursor(_ context.Context, leaderID string, cursor time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cursors[leaderID] = cursor
	return nil
}

func (m *MockStore) MarkFeedTradeSeen(_ context.Context, tradeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("MarkFeedTradeSeen"); err != nil {
		return false, err
	}
	if m.SeenTrades[tradeID] {
		return false, nil
	}
	m.SeenTrades[tradeID] = true
	return true, nil
}

func (m *MockStore) GetCopyStats(_ context.Context) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := map[string]interface{}{}
	total := 0
	for _, a := range m.Attempts {
		key := string(a.Status)
		if n, ok := stats[key].(int); ok {
			stats[key] = n + 1
		} else {
			stats[key] = 1
		}
		total++
	}
	stats["total"] = total
	return stats, nil
}
