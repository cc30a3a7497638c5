package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a cached dispatch result is retained.
	// Long enough to absorb caller retries after a network blip; a push
	// message older than this is stale anyway.
	IdempotencyTTL = 5 * time.Minute

	// processingTTL is the lock duration while a dispatch is in flight.
	processingTTL = 1 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the same dispatch is currently in flight.
var ErrDuplicateRequest = errors.New("duplicate request: dispatch already in progress")

// IdempotencyResult caches the outcome of a completed dispatch so a
// retried request does not push the same notification twice.
type IdempotencyResult struct {
	Sent      int   `json:"sent"`
	Cleaned   int   `json:"cleaned"`
	CreatedAt int64 `json:"created_at"`
}

// IdempotencyService provides dispatch deduplication using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(recipientID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", recipientID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if the key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if a dispatch under this key is in flight.
func (s *IdempotencyService) Check(ctx context.Context, recipientID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(recipientID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("recipient_id", recipientID),
	)

	return &result, nil
}

// Store saves the result of a completed dispatch.
func (s *IdempotencyService) Store(ctx context.Context, recipientID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(recipientID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, recipientID, idempotencyKey string) (bool, error) {
	key := s.buildKey(recipientID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns the cached result if found, nil if reserved successfully, or error.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, recipientID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, recipientID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, recipientID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
