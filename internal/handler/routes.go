package handler

import (
	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/service"

	"github.com/gin-gonic/gin"
)

// Services 汇总了路由注册需要的全部业务服务。
type Services struct {
	User         service.UserService
	Chat         service.ChatService
	Conversation service.ConversationService
	Search       service.SearchService
}

// RegisterRoutes 注册 /api/v1 下的账号与管理接口，以及 /chat 下的中继与会话接口。
func RegisterRoutes(r *gin.Engine, svc Services) {
	userHandler := NewUserHandler(svc.User)
	chatHandler := NewChatHandler(svc.Chat, svc.User)
	conversationHandler := NewConversationHandler(svc.Conversation, svc.Search)
	adminHandler := NewAdminHandler(svc.Conversation, svc.User)
	authRequired := middleware.AuthMiddleware(svc.User)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", NewAuthHandler(svc.User).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			authed := users.Group("/")
			authed.Use(authRequired)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(authRequired, middleware.AdminAuthMiddleware())
		{
			admin.GET("/users/:user_id/conversations", adminHandler.ListUserConversations)
			admin.GET("/users/:user_id/conversations/:conversation_id", adminHandler.GetUserConversation)
			admin.DELETE("/users/:user_id/conversations/:conversation_id", adminHandler.DeleteUserConversation)
		}
	}

	// WebSocket 无法携带 Authorization 头，token 放在路径中，由 handler 自行校验
	r.GET("/chat/ws/:token", chatHandler.Handle)

	chat := r.Group("/chat")
	chat.Use(authRequired)
	{
		chat.POST("/stream", chatHandler.Stream)
		chat.GET("/conversations", conversationHandler.ListConversations)
		chat.GET("/messages/:conversation_id", conversationHandler.GetMessages)
		chat.POST("/delete/:conversation_id", conversationHandler.DeleteConversation)
		chat.POST("/clear", conversationHandler.ClearHistory)
		chat.GET("/search", conversationHandler.Search)
	}
}
