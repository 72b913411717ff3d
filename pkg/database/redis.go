package database

import (
	"context"

	"chat-relay-go/internal/config"
	"chat-relay-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// RDB 为全局 Redis 客户端；未配置地址时保持为 nil。
var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接
func InitRedis(cfg config.RedisConfig) {
	if cfg.Addr == "" {
		log.Info("Redis 地址未配置，会话缓存与 token 黑名单将被禁用")
		return
	}
	RDB = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := RDB.Ping(context.Background()).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}
	log.Info("Redis client connected successfully")
}
