package handler

import (
	"errors"
	"net/http"
	"strconv"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	conversationService service.ConversationService
	userService         service.UserService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(conversationService service.ConversationService, userService service.UserService) *AdminHandler {
	return &AdminHandler{
		conversationService: conversationService,
		userService:         userService,
	}
}

// targetUser 解析路径中的 :user_id 并确认用户存在，失败时已写入响应。
func (h *AdminHandler) targetUser(c *gin.Context) (*model.User, bool) {
	id, err := strconv.ParseUint(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的用户 ID", "data": nil})
		return nil, false
	}
	user, err := h.userService.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "用户不存在", "data": nil})
			return nil, false
		}
		log.Error("Admin: 查询用户失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询用户失败", "data": nil})
		return nil, false
	}
	return user, true
}

// ListUserConversations 处理 GET /api/v1/admin/users/:user_id/conversations。
func (h *AdminHandler) ListUserConversations(c *gin.Context) {
	user, ok := h.targetUser(c)
	if !ok {
		return
	}
	conversations, err := h.conversationService.ListConversations(c.Request.Context(), user.ID)
	if err != nil {
		log.Error("Admin: 获取会话列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取会话列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": conversations})
}

// GetUserConversation 处理 GET /api/v1/admin/users/:user_id/conversations/:conversation_id。
func (h *AdminHandler) GetUserConversation(c *gin.Context) {
	user, ok := h.targetUser(c)
	if !ok {
		return
	}
	conversationID, ok := service.ParseConversationID(c.Param("conversation_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的会话 ID", "data": nil})
		return
	}
	messages, err := h.conversationService.GetMessages(c.Request.Context(), user.ID, conversationID, "")
	if err != nil {
		log.Error("Admin: 获取会话内容失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取会话内容失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": messages})
}

// DeleteUserConversation 处理 DELETE /api/v1/admin/users/:user_id/conversations/:conversation_id。
func (h *AdminHandler) DeleteUserConversation(c *gin.Context) {
	user, ok := h.targetUser(c)
	if !ok {
		return
	}
	conversationID, ok := service.ParseConversationID(c.Param("conversation_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的会话 ID", "data": nil})
		return
	}
	deleted, err := h.conversationService.DeleteConversation(c.Request.Context(), user.ID, conversationID)
	if err != nil {
		log.Error("Admin: 删除会话失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除会话失败", "data": nil})
		return
	}
	log.Infof("Admin deleted conversation %s of user %d (%d turns)", conversationID, user.ID, deleted)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"deleted": deleted}})
}
