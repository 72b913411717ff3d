// Package tasks defines the messages exchanged over Kafka.
package tasks

import "time"

// Event types.
const (
	EventExchangeCompleted   = "exchange_completed"
	EventConversationDeleted = "conversation_deleted"
	EventHistoryCleared      = "history_cleared"
)

// ConversationEvent is published after an exchange is stored, a conversation is removed,
// or a user's history for one model is cleared.
type ConversationEvent struct {
	Type            string    `json:"type"`
	UserID          uint      `json:"user_id"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	ConversationIDs []string  `json:"conversation_ids,omitempty"` // history_cleared only
	ModelType       string    `json:"model_type,omitempty"`
	QuestionTurnID  uint      `json:"question_turn_id,omitempty"`
	AnswerTurnID    uint      `json:"answer_turn_id,omitempty"`
	AnswerChars     int       `json:"answer_chars,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
