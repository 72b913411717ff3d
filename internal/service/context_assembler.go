package service

import (
	"context"
	"fmt"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/llm"
)

const defaultHistoryLimit = 10

// ContextAssembler 构建发往上游的有界消息列表。
type ContextAssembler struct {
	turnRepo repository.ChatTurnRepository
	limit    int
}

// NewContextAssembler 创建一个新的 ContextAssembler，limit<=0 时使用默认的 10 条。
func NewContextAssembler(turnRepo repository.ChatTurnRepository, limit int) *ContextAssembler {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &ContextAssembler{turnRepo: turnRepo, limit: limit}
}

// AssembleContext 取当前提问之前最近的 limit 条消息，按时间正序排列，并在末尾追加本次提问。
func (a *ContextAssembler) AssembleContext(ctx context.Context, userID uint, conversationID string, currentTurnID uint, question string) ([]llm.Message, error) {
	recent, err := a.turnRepo.FindRecent(ctx, userID, conversationID, currentTurnID, a.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]llm.Message, 0, len(recent)+1)
	for i := len(recent) - 1; i >= 0; i-- {
		messages = append(messages, llm.Message{Role: upstreamRole(recent[i].Role), Content: recent[i].Content})
	}
	messages = append(messages, llm.Message{Role: model.RoleUser, Content: question})
	return messages, nil
}

func upstreamRole(stored string) string {
	switch stored {
	case model.RoleAssistant, model.SenderAI:
		return model.RoleAssistant
	default:
		return stored
	}
}
