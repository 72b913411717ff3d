package handler

import (
	"errors"
	"net/http"
	"strconv"

	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理会话目录、会话内容、删除、清空与检索请求。
type ConversationHandler struct {
	conversationService service.ConversationService
	searchService       service.SearchService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(conversationService service.ConversationService, searchService service.SearchService) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		searchService:       searchService,
	}
}

// ListConversations 处理 GET /chat/conversations。
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}

	conversations, err := h.conversationService.ListConversations(c.Request.Context(), user.ID)
	if err != nil {
		log.Error("ListConversations: 获取会话列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取会话列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetMessages 处理 GET /chat/messages/:conversation_id，可选 ?model= 过滤。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}
	conversationID, ok := service.ParseConversationID(c.Param("conversation_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的会话 ID"})
		return
	}

	messages, err := h.conversationService.GetMessages(c.Request.Context(), user.ID, conversationID, c.Query("model"))
	if err != nil {
		log.Error("GetMessages: 获取会话内容失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取会话内容失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// DeleteConversation 处理 POST /chat/delete/:conversation_id，重复删除返回 deleted=0。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}
	conversationID, ok := service.ParseConversationID(c.Param("conversation_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的会话 ID"})
		return
	}

	deleted, err := h.conversationService.DeleteConversation(c.Request.Context(), user.ID, conversationID)
	if err != nil {
		log.Error("DeleteConversation: 删除会话失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// ClearHistoryRequest 是 POST /chat/clear 的请求体。
type ClearHistoryRequest struct {
	Model string `json:"model" binding:"required"`
}

// ClearHistory 处理 POST /chat/clear，删除当前用户某个模型下的全部消息。
func (h *ConversationHandler) ClearHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}
	var req ClearHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载：model 不能为空"})
		return
	}

	deleted, err := h.conversationService.ClearHistory(c.Request.Context(), user.ID, req.Model)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("ClearHistory: 清空历史失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "清空历史失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// Search 处理 GET /chat/search?q=&size=。
func (h *ConversationHandler) Search(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))

	hits, err := h.searchService.Search(c.Request.Context(), user.ID, c.Query("q"), size)
	switch {
	case errors.Is(err, service.ErrSearchDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "检索服务未启用"})
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "查询内容不能为空"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
	default:
		c.JSON(http.StatusOK, gin.H{"results": hits})
	}
}
