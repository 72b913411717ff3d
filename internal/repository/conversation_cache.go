package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-relay-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss 表示缓存中没有对应的会话列表。
var ErrCacheMiss = errors.New("conversation cache miss")

// ConversationCache 缓存用户的会话目录列表。
// 每次 Invalidate 都会递增用户的版本号；Get 未命中时返回当前版本号，
// Set 写入的列表带着该版本号，若期间发生过 Invalidate，这份列表不会再被读到。
type ConversationCache interface {
	Get(ctx context.Context, userID uint) ([]model.ConversationSummary, int64, error)
	Set(ctx context.Context, userID uint, version int64, conversations []model.ConversationSummary) error
	Invalidate(ctx context.Context, userID uint) error
}

type redisConversationCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewConversationCache 创建一个基于 Redis 的会话列表缓存。
func NewConversationCache(redisClient *redis.Client, ttl time.Duration) ConversationCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisConversationCache{redisClient: redisClient, ttl: ttl}
}

func conversationListKey(userID uint) string {
	return fmt.Sprintf("chat:conversations:%d", userID)
}

func conversationVersionKey(userID uint) string {
	return fmt.Sprintf("chat:conversations:%d:version", userID)
}

// cachedList 用于序列化；保存原始 time.Time 以保留精度和时区。
type cachedList struct {
	Version int64           `json:"version"`
	Items   []cachedSummary `json:"items"`
}

type cachedSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	LastUpdated time.Time `json:"last_updated"`
}

func (c *redisConversationCache) version(ctx context.Context, userID uint) (int64, error) {
	v, err := c.redisClient.Get(ctx, conversationVersionKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cache version: %w", err)
	}
	return v, nil
}

func (c *redisConversationCache) Get(ctx context.Context, userID uint) ([]model.ConversationSummary, int64, error) {
	version, err := c.version(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	data, err := c.redisClient.Get(ctx, conversationListKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, version, ErrCacheMiss
	}
	if err != nil {
		return nil, version, fmt.Errorf("failed to get cached conversations: %w", err)
	}
	var cached cachedList
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, version, fmt.Errorf("failed to unmarshal cached conversations: %w", err)
	}
	if cached.Version != version {
		return nil, version, ErrCacheMiss
	}
	out := make([]model.ConversationSummary, 0, len(cached.Items))
	for _, s := range cached.Items {
		out = append(out, model.ConversationSummary{
			ID:          s.ID,
			Title:       s.Title,
			LastUpdated: model.LocalTime(s.LastUpdated),
		})
	}
	return out, version, nil
}

func (c *redisConversationCache) Set(ctx context.Context, userID uint, version int64, conversations []model.ConversationSummary) error {
	cached := cachedList{Version: version, Items: make([]cachedSummary, 0, len(conversations))}
	for _, s := range conversations {
		cached.Items = append(cached.Items, cachedSummary{ID: s.ID, Title: s.Title, LastUpdated: s.LastUpdated.Time()})
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal conversations: %w", err)
	}
	if err := c.redisClient.Set(ctx, conversationListKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache conversations: %w", err)
	}
	return nil
}

func (c *redisConversationCache) Invalidate(ctx context.Context, userID uint) error {
	pipe := c.redisClient.TxPipeline()
	pipe.Incr(ctx, conversationVersionKey(userID))
	pipe.Del(ctx, conversationListKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate conversations: %w", err)
	}
	return nil
}
