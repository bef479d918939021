package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	sharedredis "github.com/mulehunter/backend/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

// processedTTL covers any realistic redelivery window from a consumer group.
const processedTTL = 72 * time.Hour

// VelocityRepository keeps one sorted set per account in Redis, scored by
// event time in milliseconds and keyed by transaction id.
type VelocityRepository struct {
	redis  *goredis.Client
	logger *slog.Logger
}

func NewVelocityRepository(redisClient *goredis.Client, logger *slog.Logger) *VelocityRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &VelocityRepository{redis: redisClient, logger: logger}
}

// Record adds one transaction to the account's window, drops entries older
// than now-window and returns how many remain. All steps run in one MULTI.
func (r *VelocityRepository) Record(ctx context.Context, accountID int64, transactionID string, occurredAt, now time.Time, window time.Duration) (int64, error) {
	key := sharedredis.VelocityWindowPrefix + strconv.FormatInt(accountID, 10)
	cutoff := now.Add(-window).UnixMilli()

	var card *goredis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, key, goredis.Z{Score: float64(occurredAt.UnixMilli()), Member: transactionID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record velocity for account %d: %w", accountID, err)
	}
	return card.Val(), nil
}

// IsProcessed returns true if this transaction id has already been counted.
// Guards against duplicate delivery under at-least-once Redis Streams semantics.
func (r *VelocityRepository) IsProcessed(ctx context.Context, transactionID string) bool {
	n, err := r.redis.Exists(ctx, sharedredis.ProcessedEventPrefix+transactionID).Result()
	return err == nil && n > 0
}

// MarkProcessed records that a transaction has been counted.
func (r *VelocityRepository) MarkProcessed(ctx context.Context, transactionID string) {
	if err := r.redis.Set(ctx, sharedredis.ProcessedEventPrefix+transactionID, "1", processedTTL).Err(); err != nil {
		r.logger.WarnContext(ctx, "failed to mark transaction as processed", "transaction_id", transactionID, "error", err)
	}
}
