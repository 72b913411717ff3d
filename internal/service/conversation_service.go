package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/tasks"
)

const defaultTitleMaxRunes = 30

// ConversationService 从消息记录推导会话目录与会话内容。
type ConversationService interface {
	ListConversations(ctx context.Context, userID uint) ([]model.ConversationSummary, error)
	// GetMessages 返回按时间正序的完整会话；modelType 非空时只返回该模型的消息。
	GetMessages(ctx context.Context, userID uint, conversationID, modelType string) ([]model.MessageView, error)
	// DeleteConversation 是幂等的，会话不存在时返回 0。
	DeleteConversation(ctx context.Context, userID uint, conversationID string) (int64, error)
	// ClearHistory 删除用户在某个模型下的全部消息。
	ClearHistory(ctx context.Context, userID uint, modelType string) (int64, error)
}

type conversationService struct {
	turnRepo      repository.ChatTurnRepository
	cache         repository.ConversationCache
	publisher     EventPublisher
	titleMaxRunes int
}

// NewConversationService 创建一个新的 ConversationService。cache 与 publisher 可以为 nil。
func NewConversationService(
	turnRepo repository.ChatTurnRepository,
	cache repository.ConversationCache,
	publisher EventPublisher,
	titleMaxRunes int,
) ConversationService {
	if titleMaxRunes <= 0 {
		titleMaxRunes = defaultTitleMaxRunes
	}
	return &conversationService{
		turnRepo:      turnRepo,
		cache:         cache,
		publisher:     publisher,
		titleMaxRunes: titleMaxRunes,
	}
}

func (s *conversationService) ListConversations(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	var version int64
	if s.cache != nil {
		cached, v, err := s.cache.Get(ctx, userID)
		version = v
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, repository.ErrCacheMiss) {
			log.Warnf("读取会话列表缓存失败，回退到数据库: %v", err)
		}
	}

	heads, err := s.turnRepo.ListHeads(ctx, userID)
	if err != nil {
		return nil, err
	}

	type entry struct {
		summary model.ConversationSummary
		lastID  uint
	}
	seen := make(map[string]bool, len(heads))
	entries := make([]entry, 0, len(heads))
	for _, h := range heads {
		if seen[h.ConversationID] {
			continue
		}
		seen[h.ConversationID] = true

		titleTurn := h.FirstTurn
		if h.FirstUserTurn != nil {
			titleTurn = *h.FirstUserTurn
		}
		entries = append(entries, entry{
			summary: model.ConversationSummary{
				ID:          h.ConversationID,
				Title:       truncateTitle(titleTurn.Content, s.titleMaxRunes),
				LastUpdated: model.LocalTime(h.LastTurn.CreatedAt),
			},
			lastID: h.LastTurn.ID,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].summary.LastUpdated.Time(), entries[j].summary.LastUpdated.Time()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].lastID > entries[j].lastID
	})

	summaries := make([]model.ConversationSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, e.summary)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, version, summaries); err != nil {
			log.Warnf("写入会话列表缓存失败: %v", err)
		}
	}
	return summaries, nil
}

func (s *conversationService) GetMessages(ctx context.Context, userID uint, conversationID, modelType string) ([]model.MessageView, error) {
	turns, err := s.turnRepo.FindByConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	filter := ""
	if modelType != "" {
		filter = model.NormalizeModelType(modelType)
	}

	messages := make([]model.MessageView, 0, len(turns))
	for _, t := range turns {
		if filter != "" && t.ModelType != filter {
			continue
		}
		sender := model.RoleUser
		if t.Role == model.RoleAssistant {
			sender = model.SenderAI
		}
		messages = append(messages, model.MessageView{
			Sender:    sender,
			Content:   t.Content,
			Timestamp: model.LocalTime(t.CreatedAt),
		})
	}
	return messages, nil
}

func (s *conversationService) DeleteConversation(ctx context.Context, userID uint, conversationID string) (int64, error) {
	deleted, err := s.turnRepo.DeleteConversation(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	log.Infof("删除会话: user=%d conversation=%s deleted=%d", userID, conversationID, deleted)
	if deleted > 0 {
		s.invalidate(ctx, userID)
		s.publish(tasks.ConversationEvent{
			Type:           tasks.EventConversationDeleted,
			UserID:         userID,
			ConversationID: conversationID,
			OccurredAt:     time.Now(),
		})
	}
	return deleted, nil
}

func (s *conversationService) ClearHistory(ctx context.Context, userID uint, modelType string) (int64, error) {
	if !model.IsKnownModelType(modelType) || modelType == "" {
		return 0, fmt.Errorf("%w: unknown model %q", ErrInvalidRequest, modelType)
	}
	modelType = model.NormalizeModelType(modelType)

	// 先记下受影响的会话，归档端据此删除或重写会话快照
	conversationIDs, err := s.turnRepo.ConversationsWithModel(ctx, userID, modelType)
	if err != nil {
		return 0, err
	}
	deleted, err := s.turnRepo.DeleteByModel(ctx, userID, modelType)
	if err != nil {
		return 0, err
	}
	log.Infof("清空历史: user=%d model=%s deleted=%d", userID, modelType, deleted)
	if deleted > 0 {
		s.invalidate(ctx, userID)
		s.publish(tasks.ConversationEvent{
			Type:            tasks.EventHistoryCleared,
			UserID:          userID,
			ModelType:       modelType,
			ConversationIDs: conversationIDs,
			OccurredAt:      time.Now(),
		})
	}
	return deleted, nil
}

func (s *conversationService) invalidate(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		log.Warnf("清除会话列表缓存失败: %v", err)
	}
}

func (s *conversationService) publish(event tasks.ConversationEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warnf("发布会话事件失败: type=%s user=%d err=%v", event.Type, event.UserID, err)
	}
}

// truncateTitle 按字符（rune）截断标题，截断时追加 "..."。
func truncateTitle(content string, maxRunes int) string {
	runes := []rune(content)
	if len(runes) <= maxRunes {
		return content
	}
	return string(runes[:maxRunes]) + "..."
}
