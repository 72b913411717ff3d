package model

import "time"

// ChatTurn 对应 chat_turns 表中的一条对话消息，创建后不再修改。
// 用户提问与助手回复都归属于发起会话的用户 (UserID)。
type ChatTurn struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;index:idx_owner_conversation,priority:3" json:"id"`
	UserID         uint      `gorm:"not null;index:idx_owner_conversation,priority:1;index:idx_owner_model,priority:1" json:"userId"`
	ConversationID string    `gorm:"type:varchar(36);not null;index:idx_owner_conversation,priority:2" json:"conversationId"`
	ModelType      string    `gorm:"type:varchar(16);not null;index:idx_owner_model,priority:2" json:"modelType"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"` // "user" 或 "assistant"
	Content        string    `gorm:"type:longtext;not null" json:"content"`
	IsStream       bool      `gorm:"not null;default:false" json:"isStream"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatTurn) TableName() string {
	return "chat_turns"
}

// ConversationHead 汇总了一个会话在目录中需要的几条关键消息。
type ConversationHead struct {
	ConversationID string
	FirstTurn      ChatTurn
	FirstUserTurn  *ChatTurn
	LastTurn       ChatTurn
}
