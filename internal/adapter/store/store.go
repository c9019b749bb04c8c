// Package store persists cycle outcomes in Redis: the latest snapshot
// under a fixed key and a bounded history in a sorted set keyed by
// capture time.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/metrics"
)

// Config holds Redis store configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces the store's keys
	KeyPrefix string

	// HistorySize caps the number of retained history entries
	HistorySize int
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		KeyPrefix:   "modbus",
		HistorySize: 1000,
	}
}

// Store writes cycle outcomes to Redis and serves them back to the API.
type Store struct {
	client      *redis.Client
	latestKey   string
	historyKey  string
	historySize int
	logger      zerolog.Logger
	metrics     *metrics.Registry
}

// NewStore creates a Redis-backed store. The connection is lazy; use
// HealthCheck to verify reachability.
func NewStore(config Config, logger zerolog.Logger, reg *metrics.Registry) *Store {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "modbus"
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &Store{
		client:      client,
		latestKey:   config.KeyPrefix + ":latest",
		historyKey:  config.KeyPrefix + ":history",
		historySize: config.HistorySize,
		logger:      logger.With().Str("component", "store").Logger(),
		metrics:     reg,
	}
}

// Deliver writes the outcome as the latest snapshot and appends it to
// the history set, trimming the history to its size cap.
func (s *Store) Deliver(ctx context.Context, outcome domain.CycleOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		s.record(false)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	score := float64(outcome.Timestamp.UnixNano()) / float64(time.Second)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.latestKey, payload, 0)
	pipe.ZAdd(ctx, s.historyKey, redis.Z{Score: score, Member: payload})
	// Keep only the newest historySize entries.
	pipe.ZRemRangeByRank(ctx, s.historyKey, 0, int64(-s.historySize-1))
	if _, err := pipe.Exec(ctx); err != nil {
		s.record(false)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.record(true)
	return nil
}

// Latest returns the most recent cycle outcome, or ErrNoData when no
// cycle has been stored yet.
func (s *Store) Latest(ctx context.Context) (domain.CycleOutcome, error) {
	raw, err := s.client.Get(ctx, s.latestKey).Bytes()
	if err == redis.Nil {
		return domain.CycleOutcome{}, domain.ErrNoData
	}
	if err != nil {
		return domain.CycleOutcome{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	var outcome domain.CycleOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return domain.CycleOutcome{}, fmt.Errorf("%w: corrupt snapshot: %v", domain.ErrStoreUnavailable, err)
	}
	return outcome, nil
}

// History returns up to limit outcomes, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]domain.CycleOutcome, error) {
	if limit <= 0 || limit > s.historySize {
		limit = s.historySize
	}
	raw, err := s.client.ZRevRange(ctx, s.historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	outcomes := make([]domain.CycleOutcome, 0, len(raw))
	for _, entry := range raw {
		var outcome domain.CycleOutcome
		if err := json.Unmarshal([]byte(entry), &outcome); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping corrupt history entry")
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// HealthCheck pings the Redis server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) record(success bool) {
	if s.metrics != nil {
		s.metrics.RecordStoreWrite(success)
	}
}
