package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/config"
)

// InitRedis connects to Redis. Redis backs the reprocess lock and the account
// detail cache; both degrade gracefully, so a failed connection returns nil
// instead of aborting startup.
func InitRedis(cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis connection failed, continuing without redis", zap.Error(err))
		return nil
	}

	logger.Info("redis connection established", zap.String("addr", rdb.Options().Addr))
	return rdb
}
