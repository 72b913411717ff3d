package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-relay-go/internal/config"
	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/database"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB

	mu          sync.Mutex
	lastMessage []interface{}
}

// newTestEnv 组装一个使用 SQLite 内存库和模拟上游的完整路由。
func newTestEnv(t *testing.T, upstream http.HandlerFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	env := &testEnv{db: db}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		env.mu.Lock()
		env.lastMessage, _ = req["messages"].([]interface{})
		env.mu.Unlock()
		upstream(w, r)
	}))
	t.Cleanup(srv.Close)

	turnRepo := repository.NewChatTurnRepository(db)
	jwtManager := token.NewJWTManager("handler-test-secret", 1, 1)
	llmClient := llm.NewClient(config.LLMConfig{
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		Models:         map[string]string{"general": "deepseek-chat", "code": "deepseek-reasoner"},
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
	})

	userService := service.NewUserService(repository.NewUserRepository(db), jwtManager, nil)
	env.router = gin.New()
	RegisterRoutes(env.router, Services{
		User:         userService,
		Chat:         service.NewChatService(turnRepo, service.NewContextAssembler(turnRepo, 10), llmClient, nil, nil),
		Conversation: service.NewConversationService(turnRepo, nil, nil, 30),
		Search:       service.NewSearchService(nil),
	})
	return env
}

func (e *testEnv) upstreamMessages() []interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMessage
}

func (e *testEnv) do(method, path, accessToken string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// login 注册并登录一个用户，返回 access token 与 refresh token。
func (e *testEnv) login(t *testing.T, username string) (string, string) {
	t.Helper()
	creds := gin.H{"username": username, "password": "secret-pass"}
	w := e.do(http.MethodPost, "/api/v1/users/register", "", creds)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/api/v1/users/login", "", creds)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data struct {
			Token        string `json:"token"`
			RefreshToken string `json:"refreshToken"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token, resp.Data.RefreshToken
}

func (e *testEnv) countTurns(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.ChatTurn{}).Count(&n).Error)
	return n
}

func deltaLine(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(b)
}

func streamUpstream(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			w.(http.Flusher).Flush()
		}
	}
}

// sseFrames 把 SSE 响应体拆成各帧的 data 内容。
func sseFrames(body string) []string {
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		if strings.HasPrefix(block, "data: ") {
			frames = append(frames, strings.TrimPrefix(block, "data: "))
		}
	}
	return frames
}

func TestStream_NewConversationThenContinue(t *testing.T) {
	env := newTestEnv(t, streamUpstream(deltaLine("Hel"), deltaLine("lo"), "data: [DONE]"))
	accessToken, _ := env.login(t, "alice")

	w := env.do(http.MethodPost, "/chat/stream", accessToken, gin.H{"question": "say hello", "model": "general"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := sseFrames(w.Body.String())
	require.Len(t, frames, 3)
	var first struct {
		Content        string `json:"content"`
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	assert.Equal(t, "Hel", first.Content)
	_, ok := service.ParseConversationID(first.ConversationID)
	require.True(t, ok, first.ConversationID)
	assert.JSONEq(t, `{"content":"lo"}`, frames[1])
	assert.Equal(t, "[DONE]", frames[2])

	w = env.do(http.MethodGet, "/chat/conversations", accessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Conversations []model.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, first.ConversationID, list.Conversations[0].ID)
	assert.Equal(t, "say hello", list.Conversations[0].Title)
	assert.False(t, list.Conversations[0].LastUpdated.Time().IsZero())

	w = env.do(http.MethodGet, "/chat/messages/"+strings.ToUpper(first.ConversationID), accessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs struct {
		Messages []model.MessageView `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "user", msgs.Messages[0].Sender)
	assert.Equal(t, "ai", msgs.Messages[1].Sender)
	assert.Equal(t, "Hello", msgs.Messages[1].Content)
	assert.False(t, msgs.Messages[0].Timestamp.Time().IsZero())

	// 继续同一会话：不再回传 conversation_id，上游收到历史 + 当前问题
	w = env.do(http.MethodPost, "/chat/stream", accessToken, gin.H{"question": "again", "conversation_id": first.ConversationID})
	require.Equal(t, http.StatusOK, w.Code)
	frames = sseFrames(w.Body.String())
	require.NotEmpty(t, frames)
	assert.NotContains(t, frames[0], "conversation_id")

	upstream := env.upstreamMessages()
	require.Len(t, upstream, 3)
	assert.Equal(t, "say hello", upstream[0].(map[string]interface{})["content"])
	assert.Equal(t, "assistant", upstream[1].(map[string]interface{})["role"])
	assert.Equal(t, "again", upstream[2].(map[string]interface{})["content"])
	assert.EqualValues(t, 4, env.countTurns(t))
}

func TestStream_UpstreamErrorFrame(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	accessToken, _ := env.login(t, "bob")

	w := env.do(http.MethodPost, "/chat/stream", accessToken, gin.H{"question": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	frames := sseFrames(w.Body.String())
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "503")
	assert.Equal(t, "[DONE]", frames[1])
	assert.EqualValues(t, 1, env.countTurns(t))
}

func TestStream_RejectsBlankQuestion(t *testing.T) {
	env := newTestEnv(t, streamUpstream("data: [DONE]"))
	accessToken, _ := env.login(t, "carol")

	w := env.do(http.MethodPost, "/chat/stream", accessToken, gin.H{"question": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 0, env.countTurns(t))
}

func TestChatRoutes_RequireAuth(t *testing.T) {
	env := newTestEnv(t, streamUpstream("data: [DONE]"))

	w := env.do(http.MethodPost, "/chat/stream", "", gin.H{"question": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/chat/conversations", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, refreshToken := env.login(t, "dave")
	w = env.do(http.MethodGet, "/chat/conversations", refreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConversationRoutes_InvalidID(t *testing.T) {
	env := newTestEnv(t, streamUpstream("data: [DONE]"))
	accessToken, _ := env.login(t, "erin")

	w := env.do(http.MethodGet, "/chat/messages/not-a-uuid", accessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/chat/delete/123", accessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteAndClear(t *testing.T) {
	env := newTestEnv(t, streamUpstream(deltaLine("ok"), "data: [DONE]"))
	accessToken, _ := env.login(t, "frank")

	w := env.do(http.MethodPost, "/chat/stream", accessToken, gin.H{"question": "one"})
	require.Equal(t, http.StatusOK, w.Code)
	var first struct {
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(sseFrames(w.Body.String())[0]), &first))

	w = env.do(http.MethodPost, "/chat/delete/"+first.ConversationID, accessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"deleted":2}`, w.Body.String())

	w = env.do(http.MethodPost, "/chat/delete/"+first.ConversationID, accessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"deleted":0}`, w.Body.String())

	w = env.do(http.MethodPost, "/chat/stream", accessToken, gin.H{"question": "two", "model": "r1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/chat/clear", accessToken, gin.H{"model": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/chat/clear", accessToken, gin.H{"model": "general"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"deleted":0}`, w.Body.String())

	w = env.do(http.MethodPost, "/chat/clear", accessToken, gin.H{"model": "code"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"deleted":2}`, w.Body.String())
	assert.EqualValues(t, 0, env.countTurns(t))
}

func TestSearch_DisabledWithoutBackend(t *testing.T) {
	env := newTestEnv(t, streamUpstream("data: [DONE]"))
	accessToken, _ := env.login(t, "grace")

	w := env.do(http.MethodGet, "/chat/search?q=hello", accessToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAccountRoutes(t *testing.T) {
	env := newTestEnv(t, streamUpstream("data: [DONE]"))
	accessToken, refreshToken := env.login(t, "heidi")

	w := env.do(http.MethodPost, "/api/v1/users/register", "", gin.H{"username": "heidi", "password": "x"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodGet, "/api/v1/users/me", accessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"heidi"`)
	assert.NotContains(t, w.Body.String(), "secret-pass")

	w = env.do(http.MethodPost, "/api/v1/auth/refreshToken", "", gin.H{"refreshToken": refreshToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/auth/refreshToken", "", gin.H{"refreshToken": accessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/api/v1/admin/users/1/conversations", accessToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func dialChat(t *testing.T, env *testEnv, accessToken string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws/" + accessToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestWebSocket_Relay(t *testing.T) {
	env := newTestEnv(t, streamUpstream(deltaLine("4"), "data: [DONE]"))
	accessToken, _ := env.login(t, "ivan")
	conn := dialChat(t, env, accessToken)

	require.NoError(t, conn.WriteJSON(gin.H{"question": "2+2?"}))
	assert.Contains(t, readFrame(t, conn), `"content":"4"`)
	assert.Equal(t, "[DONE]", readFrame(t, conn))

	// 纯文本消息也被当作问题
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("plain question")))
	assert.Contains(t, readFrame(t, conn), `"content":"4"`)
	assert.Equal(t, "[DONE]", readFrame(t, conn))
}

func TestWebSocket_Stop(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "%s\n\n", deltaLine("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	accessToken, _ := env.login(t, "judy")
	conn := dialChat(t, env, accessToken)

	require.NoError(t, conn.WriteJSON(gin.H{"question": "long answer please"}))
	assert.Contains(t, readFrame(t, conn), "partial")

	require.NoError(t, conn.WriteJSON(gin.H{"type": "stop"}))
	assert.Contains(t, readFrame(t, conn), `"type":"stop"`)
	assert.Equal(t, "[DONE]", readFrame(t, conn))
	// 只保存了提问，中断的回复不落库
	assert.EqualValues(t, 1, env.countTurns(t))
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t, streamUpstream("data: [DONE]"))
	w := env.do(http.MethodGet, "/chat/ws/bad-token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
