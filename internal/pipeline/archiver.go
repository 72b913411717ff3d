// Package pipeline 定义了会话事件的异步归档流程。
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/tasks"
)

// TranscriptStore 保存归档后的会话记录（MinIO 实现见 pkg/storage）。
type TranscriptStore interface {
	PutJSON(ctx context.Context, objectName string, data []byte) error
	Remove(ctx context.Context, objectName string) error
}

// ExchangeIndexer 维护问答检索索引（Elasticsearch 实现见 pkg/es）。
type ExchangeIndexer interface {
	IndexExchange(ctx context.Context, doc model.ExchangeDocument) error
	DeleteConversation(ctx context.Context, userID uint, conversationID string) error
	DeleteByModel(ctx context.Context, userID uint, modelType string) error
}

// Archiver 消费会话事件，把完整会话写入对象存储并同步检索索引。
// store 或 indexer 为 nil 时跳过对应步骤。
type Archiver struct {
	turnRepo repository.ChatTurnRepository
	store    TranscriptStore
	indexer  ExchangeIndexer
}

// NewArchiver 创建一个新的 Archiver 实例。
func NewArchiver(turnRepo repository.ChatTurnRepository, store TranscriptStore, indexer ExchangeIndexer) *Archiver {
	return &Archiver{turnRepo: turnRepo, store: store, indexer: indexer}
}

// transcript 是写入对象存储的会话快照。
type transcript struct {
	UserID         uint             `json:"user_id"`
	ConversationID string           `json:"conversation_id"`
	ArchivedAt     time.Time        `json:"archived_at"`
	Turns          []transcriptTurn `json:"turns"`
}

type transcriptTurn struct {
	ID        uint      `json:"id"`
	Role      string    `json:"role"`
	ModelType string    `json:"model_type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TranscriptObjectName 返回会话记录在对象存储中的路径。
func TranscriptObjectName(userID uint, conversationID string) string {
	return fmt.Sprintf("transcripts/%d/%s.json", userID, conversationID)
}

// Handle 实现 kafka.EventHandler。
func (a *Archiver) Handle(ctx context.Context, event tasks.ConversationEvent) error {
	switch event.Type {
	case tasks.EventExchangeCompleted:
		return a.archiveExchange(ctx, event)
	case tasks.EventConversationDeleted:
		return a.purgeConversation(ctx, event)
	case tasks.EventHistoryCleared:
		return a.syncClearedHistory(ctx, event)
	default:
		log.Warnf("[Archiver] 忽略未知事件类型: %s", event.Type)
		return nil
	}
}

func (a *Archiver) archiveExchange(ctx context.Context, event tasks.ConversationEvent) error {
	turns, err := a.turnRepo.FindByConversation(ctx, event.UserID, event.ConversationID)
	if err != nil {
		return fmt.Errorf("加载会话记录失败: %w", err)
	}
	if len(turns) == 0 {
		// 会话在事件到达前已被删除
		log.Infof("[Archiver] 会话已不存在，跳过归档: %s", event.ConversationID)
		return nil
	}

	if err := a.writeTranscript(ctx, event.UserID, event.ConversationID, turns); err != nil {
		return err
	}

	if a.indexer != nil {
		var question, answer *model.ChatTurn
		for i := range turns {
			switch turns[i].ID {
			case event.QuestionTurnID:
				question = &turns[i]
			case event.AnswerTurnID:
				answer = &turns[i]
			}
		}
		if question == nil || answer == nil {
			log.Warnf("[Archiver] 事件引用的消息不存在, conversation=%s question=%d answer=%d",
				event.ConversationID, event.QuestionTurnID, event.AnswerTurnID)
			return nil
		}
		doc := model.ExchangeDocument{
			DocID:          fmt.Sprintf("%s-%d", event.ConversationID, answer.ID),
			UserID:         event.UserID,
			ConversationID: event.ConversationID,
			ModelType:      answer.ModelType,
			Question:       question.Content,
			Answer:         answer.Content,
			CreatedAt:      answer.CreatedAt,
		}
		if err := a.indexer.IndexExchange(ctx, doc); err != nil {
			return fmt.Errorf("索引问答失败: %w", err)
		}
	}

	log.Infof("[Archiver] 会话归档完成, conversation=%s turns=%d", event.ConversationID, len(turns))
	return nil
}

// writeTranscript 用当前的完整记录覆盖对象存储中的会话快照。
func (a *Archiver) writeTranscript(ctx context.Context, userID uint, conversationID string, turns []model.ChatTurn) error {
	if a.store == nil {
		return nil
	}
	snapshot := transcript{
		UserID:         userID,
		ConversationID: conversationID,
		ArchivedAt:     time.Now(),
		Turns:          make([]transcriptTurn, 0, len(turns)),
	}
	for _, t := range turns {
		snapshot.Turns = append(snapshot.Turns, transcriptTurn{
			ID:        t.ID,
			Role:      t.Role,
			ModelType: t.ModelType,
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		})
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}
	if err := a.store.PutJSON(ctx, TranscriptObjectName(userID, conversationID), data); err != nil {
		return fmt.Errorf("写入会话归档失败: %w", err)
	}
	return nil
}

// syncClearedHistory 删除该模型下的问答索引；受影响的会话若已为空则删除归档，否则用剩余消息重写归档。
func (a *Archiver) syncClearedHistory(ctx context.Context, event tasks.ConversationEvent) error {
	if a.indexer != nil {
		if err := a.indexer.DeleteByModel(ctx, event.UserID, event.ModelType); err != nil {
			return fmt.Errorf("删除问答索引失败: %w", err)
		}
	}
	if a.store == nil {
		return nil
	}
	for _, conversationID := range event.ConversationIDs {
		turns, err := a.turnRepo.FindByConversation(ctx, event.UserID, conversationID)
		if err != nil {
			return fmt.Errorf("加载会话记录失败: %w", err)
		}
		if len(turns) == 0 {
			if err := a.store.Remove(ctx, TranscriptObjectName(event.UserID, conversationID)); err != nil {
				return fmt.Errorf("删除会话归档失败: %w", err)
			}
			continue
		}
		if err := a.writeTranscript(ctx, event.UserID, conversationID, turns); err != nil {
			return err
		}
	}
	log.Infof("[Archiver] 已同步清空的历史, user=%d model=%s conversations=%d",
		event.UserID, event.ModelType, len(event.ConversationIDs))
	return nil
}

func (a *Archiver) purgeConversation(ctx context.Context, event tasks.ConversationEvent) error {
	if a.store != nil {
		if err := a.store.Remove(ctx, TranscriptObjectName(event.UserID, event.ConversationID)); err != nil {
			return fmt.Errorf("删除会话归档失败: %w", err)
		}
	}
	if a.indexer != nil {
		if err := a.indexer.DeleteConversation(ctx, event.UserID, event.ConversationID); err != nil {
			return fmt.Errorf("删除问答索引失败: %w", err)
		}
	}
	log.Infof("[Archiver] 已清理会话归档: %s", event.ConversationID)
	return nil
}
