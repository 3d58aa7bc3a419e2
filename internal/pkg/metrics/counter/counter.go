package counter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abofuchs/abofuchs/internal/pkg/cache"
	"github.com/abofuchs/abofuchs/internal/pkg/database"
)

const paymentCountersKey = "payment:counters"

// Metric names flushed into the payment_stats table.
const (
	MetricOrdersCreated     = "orders_created"
	MetricCallbacksOK       = "callbacks_completed"
	MetricCallbacksFailed   = "callbacks_failed"
	MetricRenewalsSucceeded = "renewals_succeeded"
	MetricRenewalsFailed    = "renewals_failed"
)

// Add increments the pending counter for a metric in Redis.
func Add(metric string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, paymentCountersKey, metric, 1).Err()
}

// AddN increments the pending counter for a metric by n.
func AddN(metric string, n int64) error {
	if n == 0 {
		return nil
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, paymentCountersKey, metric, n).Err()
}

// FlushAll drains the pending payment counters into the database.
func FlushAll() error {
	return flushHashToStats(paymentCountersKey)
}

// flushHashToStats drains a Redis hash atomically and applies batched increments
// to the payment_stats table. Uses RENAME to a temporary key for atomic drain
// without losing in-flight increments.
func flushHashToStats(redisKey string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		return err
	}

	pending, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return rdb.Del(ctx, tmpKey).Err()
	}

	db := database.GetDB()
	for metric, raw := range pending {
		if err := db.Exec(
			"INSERT INTO payment_stats (metric, value, updated_at) VALUES (?, ?, NOW()) "+
				"ON DUPLICATE KEY UPDATE value = value + VALUES(value), updated_at = NOW()",
			metric, raw,
		).Error; err != nil {
			return fmt.Errorf("flush counter %s: %w", metric, err)
		}
	}

	return rdb.Del(ctx, tmpKey).Err()
}
