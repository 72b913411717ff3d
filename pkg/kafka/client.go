// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chat-relay-go/internal/config"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 是同一条消息处理失败后允许的最大次数，超过后提交 offset 放弃。
const maxAttempts = 3

// EventHandler 处理一条会话事件，解耦消费者与具体的归档实现。
type EventHandler interface {
	Handle(ctx context.Context, event tasks.ConversationEvent) error
}

// Producer 将会话事件写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Publish 以会话 ID 作为 key 发送事件，保证同一会话的事件有序；没有会话 ID 的事件按用户分区。
func (p *Producer) Publish(ctx context.Context, event tasks.ConversationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := event.ConversationID
	if key == "" {
		key = "user:" + strconv.FormatUint(uint64(event.UserID), 10)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close 刷新并关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// StartConsumer 启动消费者循环，直到 ctx 被取消或读取失败。
// 每条消息最多处理 maxAttempts 次，之后无论成功与否都提交 offset，避免阻塞分区。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, handler EventHandler) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			return
		}

		var event tasks.ConversationEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			commit(ctx, r, m)
			continue
		}

		if err := HandleWithRetry(ctx, handler, event, time.Second); err != nil {
			log.Errorf("会话事件多次失败(>=%d)，放弃: type=%s conversation=%s err=%v",
				maxAttempts, event.Type, event.ConversationID, err)
		}
		commit(ctx, r, m)
	}
}

// HandleWithRetry 调用 handler，失败时按线性退避重试，最多 maxAttempts 次。
func HandleWithRetry(ctx context.Context, handler EventHandler, event tasks.ConversationEvent, backoff time.Duration) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = handler.Handle(ctx, event); err == nil {
			return nil
		}
		log.Warnf("处理会话事件失败(第 %d 次): conversation=%s err=%v", attempt, event.ConversationID, err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return err
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
