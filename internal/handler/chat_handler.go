package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/metrics"
	"chat-relay-go/pkg/sse"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责 /chat/stream (SSE) 和 /chat/ws/:token (WebSocket) 两种中继入口。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
	}
}

// Stream 处理 POST /chat/stream：校验并保存提问后，以 SSE 返回增量回复。
func (h *ChatHandler) Stream(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}

	var req service.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Stream: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	ex, err := h.chatService.Prepare(c.Request.Context(), user, req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("Stream: 保存提问失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存消息失败"})
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		log.Error("Stream: 响应不支持流式输出", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	sse.SetHeaders(c.Writer)
	c.Status(http.StatusOK)

	outcome := h.chatService.Relay(c.Request.Context(), ex, writer)
	log.Infow("chat stream finished",
		"user_id", user.ID,
		"conversation_id", ex.ConversationID,
		"model", ex.ModelType,
		"outcome", outcome,
	)
}

// wsSink 把中继输出写成 WebSocket 文本消息。
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(payload []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// wsInbound 是 WebSocket 入站消息：{"type":"stop"} 或一个流式请求。
type wsInbound struct {
	Type string `json:"type"`
	service.StreamRequest
}

// Handle 处理 GET /chat/ws/:token。每条入站消息触发一次中继，{"type":"stop"} 中断当前回复。
func (h *ChatHandler) Handle(c *gin.Context) {
	user, err := h.userService.Authenticate(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，用户: %s", user.Username)

	var (
		mu         sync.Mutex
		cancelCurr context.CancelFunc
		stopped    bool
	)
	incoming := make(chan service.StreamRequest, 8)

	// gorilla 只允许一个并发读者：读取放在独立 goroutine，写入留在当前 goroutine
	go func() {
		defer close(incoming)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warnf("从 WebSocket 读取消息失败: %v", err)
				}
				return
			}

			var in wsInbound
			if err := json.Unmarshal(message, &in); err != nil {
				// 兼容直接发送纯文本问题的客户端
				in = wsInbound{StreamRequest: service.StreamRequest{Question: string(message)}}
			}
			if in.Type == "stop" {
				mu.Lock()
				if cancelCurr != nil {
					stopped = true
					cancelCurr()
				}
				mu.Unlock()
				continue
			}
			incoming <- in.StreamRequest
		}
	}()

	for req := range incoming {
		h.relayOverWebSocket(c.Request.Context(), conn, user, req, func(cancel context.CancelFunc) {
			mu.Lock()
			cancelCurr, stopped = cancel, false
			mu.Unlock()
		}, func() bool {
			mu.Lock()
			defer mu.Unlock()
			wasStopped := stopped
			cancelCurr, stopped = nil, false
			return wasStopped
		})
	}
}

func (h *ChatHandler) relayOverWebSocket(
	parent context.Context,
	conn *websocket.Conn,
	user *model.User,
	req service.StreamRequest,
	begin func(context.CancelFunc),
	end func() bool,
) {
	sink := wsSink{conn: conn}

	ex, err := h.chatService.Prepare(parent, user, req)
	if err != nil {
		msg := "保存消息失败"
		if errors.Is(err, service.ErrInvalidRequest) {
			msg = err.Error()
		} else {
			log.Error("WebSocket: 保存提问失败", err)
		}
		b, _ := json.Marshal(gin.H{"error": msg})
		if sink.Send(b) == nil {
			_ = sink.Send([]byte(sse.Done))
		}
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	begin(cancel)
	outcome := h.chatService.Relay(ctx, ex, sink)

	if end() && outcome == metrics.OutcomeClientGone {
		notice, _ := json.Marshal(gin.H{
			"type":      "stop",
			"message":   "响应已停止",
			"timestamp": time.Now().UnixMilli(),
		})
		if sink.Send(notice) == nil {
			_ = sink.Send([]byte(sse.Done))
		}
	}
	log.Infow("websocket relay finished",
		"user_id", user.ID,
		"conversation_id", ex.ConversationID,
		"outcome", outcome,
	)
}
