package notify

import (
	"context"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	walletSummaryKeyPrefix = "wallet:"
	walletSummaryKeySuffix = ":summary"
	orderKeyPrefix         = "order:"
)

// keyDeleter is satisfied by redis.UniversalClient.
type keyDeleter interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisInvalidator evicts cached wallet summaries and order views after a change.
type RedisInvalidator struct {
	client keyDeleter
	logger *zap.Logger
}

// NewRedisInvalidator builds an invalidator over a redis client.
func NewRedisInvalidator(client keyDeleter, logger *zap.Logger) *RedisInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisInvalidator{client: client, logger: logger}
}

// WalletSummaryKey is the cache key of a wallet summary.
func WalletSummaryKey(userID ledger.UserID) string {
	return walletSummaryKeyPrefix + userID.String() + walletSummaryKeySuffix
}

// OrderKey is the cache key of an order view.
func OrderKey(orderID ledger.OrderID) string {
	return orderKeyPrefix + orderID.String()
}

func (invalidator *RedisInvalidator) WalletChanged(ctx context.Context, userID ledger.UserID) {
	invalidator.evict(ctx, WalletSummaryKey(userID))
}

func (invalidator *RedisInvalidator) OrderChanged(ctx context.Context, order orders.Order) {
	invalidator.evict(ctx, OrderKey(order.OrderID))
}

func (invalidator *RedisInvalidator) evict(ctx context.Context, key string) {
	if err := invalidator.client.Del(ctx, key).Err(); err != nil {
		invalidator.logger.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}
