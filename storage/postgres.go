package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"polymarket-mirror/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PostgresStore wraps PostgreSQL persistence with Redis caching
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a new PostgreSQL store with connection pooling and Redis cache
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "mirror")
	password := getEnv("POSTGRES_PASSWORD", "mirror123")
	dbname := getEnv("POSTGRES_DB", "mirror")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=50&pool_min_conns=10",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	// Pool settings for latency-sensitive order submission
	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, redis: rdb}
	if err := store.initSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS leader_events (
			id TEXT PRIMARY KEY,
			leader_id TEXT NOT NULL,
			condition_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			market_slug TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			source_tx_hash TEXT NOT NULL DEFAULT '',
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS follows (
			follower_id TEXT NOT NULL,
			leader_id TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (follower_id, leader_id)
		)`,
		`CREATE TABLE IF NOT EXISTS copy_profiles (
			user_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'DISABLED',
			max_position_size_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_open_positions INT NOT NULL DEFAULT 0,
			copy_percentage DOUBLE PRECISION NOT NULL DEFAULT 100,
			min_odds DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_odds DOUBLE PRECISION NOT NULL DEFAULT 1,
			enabled_market_ids TEXT[] NOT NULL DEFAULT '{}',
			blocked_market_ids TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS copy_attempts (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			leader_event_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			skip_reason TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			order_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, leader_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			condition_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			side TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			filled_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS follower_balances (
			user_id TEXT PRIMARY KEY,
			balance_usdc DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS signing_requests (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			request_type TEXT NOT NULL,
			purpose TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'CREATED',
			attempt_count INT NOT NULL DEFAULT 0,
			provider TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS signing_requests_succeeded_key
			ON signing_requests (idempotency_key) WHERE status = 'SUCCEEDED'`,
		`CREATE INDEX IF NOT EXISTS signing_requests_key_idx ON signing_requests (idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS server_wallets (
			user_id TEXT PRIMARY KEY,
			address TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS copy_attempts_status_idx ON copy_attempts (status)`,
		`CREATE INDEX IF NOT EXISTS orders_user_status_idx ON orders (user_id, status)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool and redis client.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return s.redis.Close()
}

// SaveLeaderEvent persists an event exactly once. Returns true if this call
// created the row.
func (s *PostgresStore) SaveLeaderEvent(ctx context.Context, event models.LeaderEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leader_events (id, leader_id, condition_id, token_id, market_slug, side, size, price, detected_at, source_tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.LeaderID, event.ConditionID, event.TokenID, event.MarketSlug,
		event.Side, event.Size, event.Price, event.DetectedAt, event.SourceTxHash)
	if err != nil {
		return false, fmt.Errorf("save leader event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetLeaderEvent(ctx context.Context, id string) (*models.LeaderEvent, error) {
	var ev models.LeaderEvent
	err := s.pool.QueryRow(ctx, `
		SELECT id, leader_id, condition_id, token_id, market_slug, side, size, price, detected_at, source_tx_hash
		FROM leader_events WHERE id = $1`, id).Scan(
		&ev.ID, &ev.LeaderID, &ev.ConditionID, &ev.TokenID, &ev.MarketSlug,
		&ev.Side, &ev.Size, &ev.Price, &ev.DetectedAt, &ev.SourceTxHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get leader event: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) ListFollowedLeaders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT leader_id FROM follows WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("list followed leaders: %w", err)
	}
	defer rows.Close()

	var leaders []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		leaders = append(leaders, id)
	}
	return leaders, rows.Err()
}

// ListEnabledFollowers returns the copy profiles of active followers of a
// leader whose mirroring is currently ENABLED.
func (s *PostgresStore) ListEnabledFollowers(ctx context.Context, leaderID string) ([]models.CopyProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.user_id, p.status, p.max_position_size_usd, p.max_open_positions,
		       p.copy_percentage, p.min_odds, p.max_odds, p.enabled_market_ids, p.blocked_market_ids, p.updated_at
		FROM follows f
		JOIN copy_profiles p ON p.user_id = f.follower_id
		WHERE f.leader_id = $1 AND f.active AND p.status = 'ENABLED'
		ORDER BY p.user_id`, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list enabled followers: %w", err)
	}
	defer rows.Close()

	var profiles []models.CopyProfile
	for rows.Next() {
		var p models.CopyProfile
		if err := rows.Scan(&p.UserID, &p.Status, &p.MaxPositionSizeUSD, &p.MaxOpenPositions,
			&p.CopyPercentage, &p.MinOdds, &p.MaxOdds, &p.EnabledMarketIDs, &p.BlockedMarketIDs, &p.UpdatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *PostgresStore) GetCopyProfile(ctx context.Context, userID string) (*models.CopyProfile, error) {
	var p models.CopyProfile
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, status, max_position_size_usd, max_open_positions,
		       copy_percentage, min_odds, max_odds, enabled_market_ids, blocked_market_ids, updated_at
		FROM copy_profiles WHERE user_id = $1`, userID).Scan(
		&p.UserID, &p.Status, &p.MaxPositionSizeUSD, &p.MaxOpenPositions,
		&p.CopyPercentage, &p.MinOdds, &p.MaxOdds, &p.EnabledMarketIDs, &p.BlockedMarketIDs, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get copy profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SetCopyProfile(ctx context.Context, profile models.CopyProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_profiles (user_id, status, max_position_size_usd, max_open_positions,
		                           copy_percentage, min_odds, max_odds, enabled_market_ids, blocked_market_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			max_position_size_usd = EXCLUDED.max_position_size_usd,
			max_open_positions = EXCLUDED.max_open_positions,
			copy_percentage = EXCLUDED.copy_percentage,
			min_odds = EXCLUDED.min_odds,
			max_odds = EXCLUDED.max_odds,
			enabled_market_ids = EXCLUDED.enabled_market_ids,
			blocked_market_ids = EXCLUDED.blocked_market_ids,
			updated_at = now()`,
		profile.UserID, profile.Status, profile.MaxPositionSizeUSD, profile.MaxOpenPositions,
		profile.CopyPercentage, profile.MinOdds, profile.MaxOdds,
		profile.EnabledMarketIDs, profile.BlockedMarketIDs)
	if err != nil {
		return fmt.Errorf("set copy profile: %w", err)
	}
	return nil
}

// PauseCopyProfile stops further mirroring for a follower (used when their
// signing key is revoked).
func (s *PostgresStore) PauseCopyProfile(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE copy_profiles SET status = 'PAUSED', updated_at = now()
		WHERE user_id = $1 AND status = 'ENABLED'`, userID)
	if err != nil {
		return fmt.Errorf("pause copy profile: %w", err)
	}
	return nil
}

// CreateCopyAttempt inserts a PENDING attempt if none exists for the pair.
// The unique constraint makes this the exactly-once gate even across
// overlapping poll ticks. Returns true if this call created the attempt.
func (s *PostgresStore) CreateCopyAttempt(ctx context.Context, userID, leaderEventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO copy_attempts (user_id, leader_event_id, status)
		VALUES ($1, $2, 'PENDING')
		ON CONFLICT (user_id, leader_event_id) DO NOTHING`, userID, leaderEventID)
	if err != nil {
		return false, fmt.Errorf("create copy attempt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkAttemptSkipped(ctx context.Context, userID, leaderEventID, reason string) error {
	return s.transitionAttempt(ctx, userID, leaderEventID, models.AttemptSkipped,
		`UPDATE copy_attempts SET status = 'SKIPPED', skip_reason = $3, updated_at = now()
		 WHERE user_id = $1 AND leader_event_id = $2 AND status = 'PENDING'`, reason)
}

func (s *PostgresStore) MarkAttemptSubmitted(ctx context.Context, userID, leaderEventID, orderID string) error {
	return s.transitionAttempt(ctx, userID, leaderEventID, models.AttemptSubmitted,
		`UPDATE copy_attempts SET status = 'SUBMITTED', order_id = $3, updated_at = now()
		 WHERE user_id = $1 AND leader_event_id = $2 AND status = 'PENDING'`, orderID)
}

func (s *PostgresStore) MarkAttemptFailed(ctx context.Context, userID, leaderEventID, errorMessage string) error {
	return s.transitionAttempt(ctx, userID, leaderEventID, models.AttemptFailed,
		`UPDATE copy_attempts SET status = 'FAILED', error_message = $3, updated_at = now()
		 WHERE user_id = $1 AND leader_event_id = $2 AND status = 'PENDING'`, errorMessage)
}

// MarkAttemptFill advances a SUBMITTED attempt to FILLED or PARTIALLY_FILLED.
func (s *PostgresStore) MarkAttemptFill(ctx context.Context, userID, leaderEventID string, status models.CopyAttemptStatus) error {
	if status != models.AttemptFilled && status != models.AttemptPartiallyFilled {
		return fmt.Errorf("mark attempt fill: invalid status %s", status)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE copy_attempts SET status = $3, updated_at = now()
		WHERE user_id = $1 AND leader_event_id = $2
		  AND status IN ('SUBMITTED', 'PARTIALLY_FILLED')`, userID, leaderEventID, status)
	if err != nil {
		return fmt.Errorf("mark attempt fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) transitionAttempt(ctx context.Context, userID, leaderEventID string, to models.CopyAttemptStatus, query, arg string) error {
	tag, err := s.pool.Exec(ctx, query, userID, leaderEventID, arg)
	if err != nil {
		return fmt.Errorf("mark attempt %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark attempt %s: no pending attempt for (%s, %s)", to, userID, leaderEventID)
	}
	return nil
}

func (s *PostgresStore) ListSubmittedAttempts(ctx context.Context, limit int) ([]models.CopyAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, leader_event_id, status, skip_reason, error_message, order_id, created_at, updated_at
		FROM copy_attempts
		WHERE status IN ('SUBMITTED', 'PARTIALLY_FILLED')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *PostgresStore) GetCopyAttempt(ctx context.Context, userID, leaderEventID string) (*models.CopyAttempt, error) {
	var a models.CopyAttempt
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, leader_event_id, status, skip_reason, error_message, order_id, created_at, updated_at
		FROM copy_attempts WHERE user_id = $1 AND leader_event_id = $2`, userID, leaderEventID).Scan(
		&a.ID, &a.UserID, &a.LeaderEventID, &a.Status, &a.SkipReason, &a.ErrorMessage, &a.OrderID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get copy attempt: %w", err)
	}
	return &a, nil
}

func scanAttempts(rows pgx.Rows) ([]models.CopyAttempt, error) {
	var attempts []models.CopyAttempt
	for rows.Next() {
		var a models.CopyAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.LeaderEventID, &a.Status, &a.SkipReason,
			&a.ErrorMessage, &a.OrderID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) SaveOrder(ctx context.Context, order models.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, condition_id, token_id, side, size, price, filled_size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			filled_size = EXCLUDED.filled_size,
			status = EXCLUDED.status,
			updated_at = now()`,
		order.ID, order.UserID, order.ConditionID, order.TokenID, order.Side,
		order.Size, order.Price, order.FilledSize, order.Status)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var o models.Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, condition_id, token_id, side, size, price, filled_size, status, created_at, updated_at
		FROM orders WHERE id = $1`, orderID).Scan(
		&o.ID, &o.UserID, &o.ConditionID, &o.TokenID, &o.Side, &o.Size, &o.Price,
		&o.FilledSize, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, userID string) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, condition_id, token_id, side, size, price, filled_size, status, created_at, updated_at
		FROM orders WHERE user_id = $1 AND status = 'OPEN'`, userID)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.ConditionID, &o.TokenID, &o.Side, &o.Size,
			&o.Price, &o.FilledSize, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrderFill(ctx context.Context, orderID string, filledSize float64, status models.OrderStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET filled_size = $2, status = $3, updated_at = now()
		WHERE id = $1`, orderID, filledSize, status)
	if err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFollowerBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx, `
		SELECT balance_usdc FROM follower_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get follower balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) CreateSigningRequest(ctx context.Context, req models.SigningRequest) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signing_requests (user_id, request_type, purpose, idempotency_key, payload_hash,
		                              status, attempt_count, provider, correlation_id)
		VALUES ($1, $2, $3, $4, $5, 'CREATED', 0, $6, $7)
		RETURNING id`,
		req.UserID, req.RequestType, req.Purpose, req.IdempotencyKey, req.PayloadHash,
		req.Provider, req.CorrelationID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create signing request: %w", err)
	}
	return id, nil
}

// GetSucceededSigningRequest returns the SUCCEEDED ledger row for a key, if
// any. The partial unique index guarantees at most one exists.
func (s *PostgresStore) GetSucceededSigningRequest(ctx context.Context, idempotencyKey string) (*models.SigningRequest, error) {
	var r models.SigningRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, request_type, purpose, idempotency_key, payload_hash, status,
		       attempt_count, provider, correlation_id, signature, last_error, created_at, updated_at
		FROM signing_requests
		WHERE idempotency_key = $1 AND status = 'SUCCEEDED'`, idempotencyKey).Scan(
		&r.ID, &r.UserID, &r.RequestType, &r.Purpose, &r.IdempotencyKey, &r.PayloadHash,
		&r.Status, &r.AttemptCount, &r.Provider, &r.CorrelationID, &r.Signature,
		&r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get succeeded signing request: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) MarkSigningRequestSent(ctx context.Context, id int64, attemptCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signing_requests SET status = 'SENT', attempt_count = $2, updated_at = now()
		WHERE id = $1`, id, attemptCount)
	if err != nil {
		return fmt.Errorf("mark signing request sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSigningRequestRetried(ctx context.Context, id int64, attemptCount int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signing_requests SET status = 'RETRIED', attempt_count = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, attemptCount, lastError)
	if err != nil {
		return fmt.Errorf("mark signing request retried: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSigningRequestSucceeded(ctx context.Context, id int64, signature string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signing_requests SET status = 'SUCCEEDED', signature = $2, updated_at = now()
		WHERE id = $1`, id, signature)
	if err != nil {
		return fmt.Errorf("mark signing request succeeded: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSigningRequestFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE signing_requests SET status = 'FAILED', last_error = $2, updated_at = now()
		WHERE id = $1`, id, lastError)
	if err != nil {
		return fmt.Errorf("mark signing request failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetServerWallet(ctx context.Context, userID string) (*models.ServerWallet, error) {
	var w models.ServerWallet
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, address, status, last_error, created_at, updated_at
		FROM server_wallets WHERE user_id = $1`, userID).Scan(
		&w.UserID, &w.Address, &w.Status, &w.LastError, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server wallet: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) SaveServerWallet(ctx context.Context, wallet models.ServerWallet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_wallets (user_id, address, status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			address = EXCLUDED.address,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		wallet.UserID, wallet.Address, wallet.Status, wallet.LastError)
	if err != nil {
		return fmt.Errorf("save server wallet: %w", err)
	}
	return nil
}

// Feed cursors and seen-trade dedup live in Redis: they are hot-path
// bookkeeping, not durable facts.

func (s *PostgresStore) GetFeedCursor(ctx context.Context, leaderID string) (time.Time, error) {
	val, err := s.redis.Get(ctx, "feed:cursor:"+leaderID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get feed cursor: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse feed cursor: %w", err)
	}
	return ts, nil
}

func (s *PostgresStore) SetFeedCursor(ctx context.Context, leaderID string, cursor time.Time) error {
	if err := s.redis.Set(ctx, "feed:cursor:"+leaderID, cursor.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("set feed cursor: %w", err)
	}
	return nil
}

// MarkFeedTradeSeen returns true the first time a feed trade id is seen.
// Entries expire after 24h; the durable dedup gate is the copy_attempts
// unique constraint, this only avoids re-fetching work.
func (s *PostgresStore) MarkFeedTradeSeen(ctx context.Context, tradeID string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, "feed:seen:"+tradeID, "1", 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("mark feed trade seen: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) GetCopyStats(ctx context.Context) (map[string]interface{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM copy_attempts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get copy stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]interface{}{}
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats["total"] = total
	return stats, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
