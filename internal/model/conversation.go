// Package model 包含了应用的数据模型定义。
package model

import "strings"

// 模型选择器。
const (
	ModelGeneral = "general"
	ModelCode    = "code"
)

// NormalizeModelType 将前端传入的模型选择器归一化为 general 或 code。
// 兼容旧版前端的 v3 / r1 别名，未知值回落到 general。
func NormalizeModelType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ModelCode, "r1", "reasoner":
		return ModelCode
	default:
		return ModelGeneral
	}
}

// IsKnownModelType 判断选择器（含别名）是否可识别。
func IsKnownModelType(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", ModelGeneral, ModelCode, "v3", "chat", "r1", "reasoner":
		return true
	}
	return false
}

// 对话角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SenderAI 是前端展示时助手消息使用的发送方标识。
const SenderAI = "ai"

// ConversationSummary 是会话列表中的一项，标题与最后活跃时间都由消息推导得出。
type ConversationSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	LastUpdated LocalTime `json:"last_updated"`
}

// MessageView 是返回给前端的单条消息。
type MessageView struct {
	Sender    string    `json:"sender"` // "user" 或 "ai"
	Content   string    `json:"content"`
	Timestamp LocalTime `json:"timestamp"`
}
