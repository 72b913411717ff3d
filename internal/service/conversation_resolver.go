package service

import (
	"strings"

	"chat-relay-go/pkg/log"

	"github.com/google/uuid"
)

// ResolveConversation 决定一条消息属于哪个会话。
// 空值、"null"、"undefined" 以及无法解析的标识都会得到一个新的会话 ID，不会返回错误。
func ResolveConversation(raw string) (id string, isNew bool) {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "", "null", "undefined":
		return uuid.NewString(), true
	}
	if canonical, ok := ParseConversationID(trimmed); ok {
		return canonical, false
	}
	log.Warnf("无法解析会话 ID %q，将创建新会话", raw)
	return uuid.NewString(), true
}

// ParseConversationID 只接受 8-4-4-4-12 形式的 UUID，返回小写规范形式。
// uuid.Parse 还接受 urn:uuid: 前缀、花括号和无连字符形式，这里统一拒绝。
func ParseConversationID(raw string) (string, bool) {
	if len(raw) != 36 || raw[8] != '-' || raw[13] != '-' || raw[18] != '-' || raw[23] != '-' {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
