package model

import "time"

// ExchangeDocument 是一问一答在 Elasticsearch 中的索引结构。
type ExchangeDocument struct {
	DocID          string    `json:"doc_id"` // conversationID + 回答 turn id
	UserID         uint      `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	ModelType      string    `json:"model_type"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchHit 定义了返回给前端的检索结果。
type SearchHit struct {
	ConversationID string    `json:"conversation_id"`
	ModelType      string    `json:"model_type"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	Score          float64   `json:"score"`
	CreatedAt      LocalTime `json:"created_at"`
}
