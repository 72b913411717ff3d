// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"

	"chat-relay-go/internal/model"

	"gorm.io/gorm"
)

// ChatTurnRepository 是对话消息的只追加存储，所有操作都限定在 (owner, conversation) 范围内。
type ChatTurnRepository interface {
	Create(ctx context.Context, turn *model.ChatTurn) error
	// FindRecent 返回 id 小于 beforeID 的最近 limit 条消息，按新到旧排序。beforeID 为 0 时不做限制。
	FindRecent(ctx context.Context, userID uint, conversationID string, beforeID uint, limit int) ([]model.ChatTurn, error)
	// FindByConversation 返回会话的完整记录，按旧到新排序。
	FindByConversation(ctx context.Context, userID uint, conversationID string) ([]model.ChatTurn, error)
	// ListHeads 返回用户每个会话的首条、首条用户消息和最后一条消息。
	ListHeads(ctx context.Context, userID uint) ([]model.ConversationHead, error)
	// ConversationsWithModel 返回用户在某个模型下有消息的会话 ID。
	ConversationsWithModel(ctx context.Context, userID uint, modelType string) ([]string, error)
	DeleteConversation(ctx context.Context, userID uint, conversationID string) (int64, error)
	DeleteByModel(ctx context.Context, userID uint, modelType string) (int64, error)
}

type chatTurnRepository struct {
	db *gorm.DB
}

// NewChatTurnRepository 创建一个新的 ChatTurnRepository 实例。
func NewChatTurnRepository(db *gorm.DB) ChatTurnRepository {
	return &chatTurnRepository{db: db}
}

func (r *chatTurnRepository) Create(ctx context.Context, turn *model.ChatTurn) error {
	if err := r.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("failed to insert chat turn: %w", err)
	}
	return nil
}

func (r *chatTurnRepository) FindRecent(ctx context.Context, userID uint, conversationID string, beforeID uint, limit int) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent chat turns: %w", err)
	}
	return turns, nil
}

func (r *chatTurnRepository) FindByConversation(ctx context.Context, userID uint, conversationID string) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return turns, nil
}

// headRow 是按会话分组后的 id 聚合结果。
type headRow struct {
	ConversationID string
	FirstID        uint
	LastID         uint
}

func (r *chatTurnRepository) ListHeads(ctx context.Context, userID uint) ([]model.ConversationHead, error) {
	db := r.db.WithContext(ctx)

	// 1. 每个会话的首条与最后一条消息 id（id 随插入顺序递增）
	var rows []headRow
	err := db.Model(&model.ChatTurn{}).
		Select("conversation_id, MIN(id) AS first_id, MAX(id) AS last_id").
		Where("user_id = ?", userID).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conversations: %w", err)
	}
	if len(rows) == 0 {
		return []model.ConversationHead{}, nil
	}

	// 2. 每个会话的首条用户消息 id
	var userRows []headRow
	err = db.Model(&model.ChatTurn{}).
		Select("conversation_id, MIN(id) AS first_id").
		Where("user_id = ? AND role = ?", userID, model.RoleUser).
		Group("conversation_id").
		Scan(&userRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conversation titles: %w", err)
	}

	ids := make([]uint, 0, len(rows)*2+len(userRows))
	for _, row := range rows {
		ids = append(ids, row.FirstID, row.LastID)
	}
	firstUser := make(map[string]uint, len(userRows))
	for _, row := range userRows {
		firstUser[row.ConversationID] = row.FirstID
		ids = append(ids, row.FirstID)
	}

	// 3. 一次性取回上述消息
	var turns []model.ChatTurn
	if err := db.Where("id IN ?", ids).Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversation heads: %w", err)
	}
	byID := make(map[uint]model.ChatTurn, len(turns))
	for _, t := range turns {
		byID[t.ID] = t
	}

	heads := make([]model.ConversationHead, 0, len(rows))
	for _, row := range rows {
		head := model.ConversationHead{
			ConversationID: row.ConversationID,
			FirstTurn:      byID[row.FirstID],
			LastTurn:       byID[row.LastID],
		}
		if id, ok := firstUser[row.ConversationID]; ok {
			if t, ok := byID[id]; ok {
				head.FirstUserTurn = &t
			}
		}
		heads = append(heads, head)
	}
	return heads, nil
}

func (r *chatTurnRepository) ConversationsWithModel(ctx context.Context, userID uint, modelType string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ChatTurn{}).
		Where("user_id = ? AND model_type = ?", userID, modelType).
		Distinct().
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations by model: %w", err)
	}
	return ids, nil
}

func (r *chatTurnRepository) DeleteConversation(ctx context.Context, userID uint, conversationID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Delete(&model.ChatTurn{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete conversation: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *chatTurnRepository) DeleteByModel(ctx context.Context, userID uint, modelType string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND model_type = ?", userID, modelType).
		Delete(&model.ChatTurn{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
