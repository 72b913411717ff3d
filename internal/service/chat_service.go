// Package service 包含了应用的业务逻辑层。
package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/metrics"
	"chat-relay-go/pkg/sse"
	"chat-relay-go/pkg/tasks"
)

// ErrInvalidRequest 表示请求体校验失败，在任何副作用发生前返回。
var ErrInvalidRequest = errors.New("invalid request")

const publishTimeout = 3 * time.Second

// StreamRequest 是 /chat/stream 与 WebSocket 入站消息的请求体。
type StreamRequest struct {
	Question       string `json:"question"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"` // 可以为 null
}

// Exchange 是一次已完成准备、等待中继的问答。
type Exchange struct {
	UserID         uint
	ConversationID string
	IsNew          bool
	ModelType      string
	QuestionTurnID uint
	Messages       []llm.Message
}

// EventSink 是中继输出的目标，SSE 与 WebSocket 各有一个实现。
type EventSink interface {
	Send(payload []byte) error
}

// EventPublisher 发布会话事件，Kafka 实现见 pkg/kafka。
type EventPublisher interface {
	Publish(ctx context.Context, event tasks.ConversationEvent) error
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Prepare 校验请求、确定会话、保存用户消息并组装上下文。返回错误时流尚未打开。
	Prepare(ctx context.Context, user *model.User, req StreamRequest) (*Exchange, error)
	// Relay 调用上游并把增量内容写入 sink，总是以 [DONE] 结束（客户端断开除外），返回结束方式。
	Relay(ctx context.Context, ex *Exchange, sink EventSink) string
}

type chatService struct {
	turnRepo  repository.ChatTurnRepository
	assembler *ContextAssembler
	llmClient llm.Client
	cache     repository.ConversationCache
	publisher EventPublisher
}

// NewChatService 创建一个新的 ChatService 实例。cache 与 publisher 可以为 nil。
func NewChatService(
	turnRepo repository.ChatTurnRepository,
	assembler *ContextAssembler,
	llmClient llm.Client,
	cache repository.ConversationCache,
	publisher EventPublisher,
) ChatService {
	return &chatService{
		turnRepo:  turnRepo,
		assembler: assembler,
		llmClient: llmClient,
		cache:     cache,
		publisher: publisher,
	}
}

type contentFrame struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (s *chatService) Prepare(ctx context.Context, user *model.User, req StreamRequest) (*Exchange, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	if !model.IsKnownModelType(req.Model) {
		log.Warnf("未知的模型选择器 %q，使用 general", req.Model)
	}
	modelType := model.NormalizeModelType(req.Model)
	conversationID, isNew := ResolveConversation(req.ConversationID)

	// 历史在保存提问之前加载，失败时数据库中不留下任何记录
	var messages []llm.Message
	if isNew {
		messages = []llm.Message{{Role: model.RoleUser, Content: req.Question}}
	} else {
		var err error
		messages, err = s.assembler.AssembleContext(ctx, user.ID, conversationID, 0, req.Question)
		if err != nil {
			return nil, err
		}
	}

	turn := &model.ChatTurn{
		UserID:         user.ID,
		ConversationID: conversationID,
		ModelType:      modelType,
		Role:           model.RoleUser,
		Content:        req.Question,
		IsStream:       true,
	}
	if err := s.turnRepo.Create(ctx, turn); err != nil {
		return nil, fmt.Errorf("failed to save question: %w", err)
	}
	s.invalidate(ctx, user.ID)

	return &Exchange{
		UserID:         user.ID,
		ConversationID: conversationID,
		IsNew:          isNew,
		ModelType:      modelType,
		QuestionTurnID: turn.ID,
		Messages:       messages,
	}, nil
}

func (s *chatService) Relay(ctx context.Context, ex *Exchange, sink EventSink) string {
	start := time.Now()
	body, err := s.llmClient.OpenStream(ctx, ex.Messages, ex.ModelType)
	metrics.ObserveUpstreamOpen(ex.ModelType, time.Since(start))
	if err != nil {
		log.Errorw("打开上游流失败", "conversation_id", ex.ConversationID, "model", ex.ModelType, "error", err)
		metrics.RecordUpstreamError(errorKind(err))
		return s.fail(ex, sink, upstreamErrorMessage(err), metrics.OutcomeUpstreamFail)
	}
	defer body.Close()

	var answer strings.Builder
	idSent := !ex.IsNew
	reader := bufio.NewReader(body)
	for {
		raw, readErr := reader.ReadString('\n')

		if payload, ok := dataPayload(raw); ok {
			if payload == sse.Done {
				return s.finish(ex, sink, answer.String())
			}
			var chunk llm.ChatChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				log.Warnw("跳过无法解析的上游数据行", "conversation_id", ex.ConversationID, "line", payload, "error", err)
				metrics.RecordMalformedLine()
			} else if fragment := chunk.Fragment(); fragment != "" {
				answer.WriteString(fragment)
				frame := contentFrame{Content: fragment}
				if !idSent {
					frame.ConversationID = ex.ConversationID
					idSent = true
				}
				b, _ := json.Marshal(frame)
				if err := sink.Send(b); err != nil {
					log.Infof("客户端已断开，停止中继: conversation=%s err=%v", ex.ConversationID, err)
					metrics.RecordStream(ex.ModelType, metrics.OutcomeClientGone)
					return metrics.OutcomeClientGone
				}
				metrics.RecordFragment()
			}
		}

		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			log.Warnf("上游未发送 [DONE] 即关闭连接，按正常结束处理: conversation=%s", ex.ConversationID)
			return s.finish(ex, sink, answer.String())
		}
		if ctx.Err() != nil {
			log.Infof("请求已取消，停止中继: conversation=%s", ex.ConversationID)
			metrics.RecordStream(ex.ModelType, metrics.OutcomeClientGone)
			return metrics.OutcomeClientGone
		}
		log.Errorw("读取上游流失败", "conversation_id", ex.ConversationID, "received_chars", answer.Len(), "error", readErr)
		metrics.RecordUpstreamError(errorKind(readErr))
		return s.fail(ex, sink, streamFaultMessage(readErr), metrics.OutcomeStreamFault)
	}
}

// finish 保存非空回复，然后发送 [DONE]。
func (s *chatService) finish(ex *Exchange, sink EventSink, answer string) string {
	outcome := metrics.OutcomeEmpty
	var answerTurn *model.ChatTurn
	if answer != "" {
		outcome = metrics.OutcomeCompleted
		answerTurn = &model.ChatTurn{
			UserID:         ex.UserID,
			ConversationID: ex.ConversationID,
			ModelType:      ex.ModelType,
			Role:           model.RoleAssistant,
			Content:        answer,
			IsStream:       true,
		}
		// 即使客户端已取消请求，也要保存已生成的回复
		if err := s.turnRepo.Create(context.Background(), answerTurn); err != nil {
			log.Error("保存助手回复失败", err)
			answerTurn = nil
		} else {
			s.invalidate(context.Background(), ex.UserID)
		}
	}

	if err := sink.Send([]byte(sse.Done)); err != nil {
		log.Debugf("发送 [DONE] 失败: %v", err)
	}
	metrics.RecordStream(ex.ModelType, outcome)

	if answerTurn != nil {
		s.publish(tasks.ConversationEvent{
			Type:           tasks.EventExchangeCompleted,
			UserID:         ex.UserID,
			ConversationID: ex.ConversationID,
			ModelType:      ex.ModelType,
			QuestionTurnID: ex.QuestionTurnID,
			AnswerTurnID:   answerTurn.ID,
			AnswerChars:    len([]rune(answer)),
			OccurredAt:     time.Now(),
		})
	}
	return outcome
}

// fail 发送一个错误帧和 [DONE]，不保存助手消息。
func (s *chatService) fail(ex *Exchange, sink EventSink, message, outcome string) string {
	b, _ := json.Marshal(errorFrame{Error: message})
	if err := sink.Send(b); err == nil {
		_ = sink.Send([]byte(sse.Done))
	}
	metrics.RecordStream(ex.ModelType, outcome)
	return outcome
}

func (s *chatService) invalidate(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		log.Warnf("清除会话列表缓存失败: %v", err)
	}
}

func (s *chatService) publish(event tasks.ConversationEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warnf("发布会话事件失败: type=%s conversation=%s err=%v", event.Type, event.ConversationID, err)
	}
}

// dataPayload 返回 "data:" 行的内容；空行和其他字段行返回 false。
func dataPayload(raw string) (string, bool) {
	line := strings.TrimSpace(raw)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return "", false
	}
	return payload, true
}

func errorKind(err error) string {
	if e, ok := llm.AsError(err); ok {
		return e.Kind.String()
	}
	return "stream"
}

const unavailable = "服务暂时不可用"

func upstreamErrorMessage(err error) string {
	e, ok := llm.AsError(err)
	if !ok {
		return unavailable
	}
	switch e.Kind {
	case llm.KindTimeout:
		return unavailable + ": 上游模型响应超时"
	case llm.KindHTTP:
		return fmt.Sprintf("%s: 上游模型返回状态码 %d", unavailable, e.StatusCode)
	case llm.KindConnection:
		return unavailable + ": 无法连接上游模型"
	case llm.KindConfiguration:
		return unavailable + ": 上游模型未配置"
	default:
		return unavailable
	}
}

func streamFaultMessage(err error) string {
	if e, ok := llm.AsError(err); ok && e.Kind == llm.KindTimeout {
		return unavailable + ": 上游模型响应超时"
	}
	return unavailable + ": 上游连接中断"
}
