// Package llm provides the streaming client for the upstream chat-completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"chat-relay-go/internal/config"
)

const (
	defaultSelector       = "general"
	defaultModel          = "deepseek-chat"
	defaultConnectTimeout = 15 * time.Second
	defaultReadTimeout    = 180 * time.Second
	maxErrorBody          = 4 << 10
)

// Client opens one streaming completion per call. Implementations never retry.
type Client interface {
	// OpenStream posts the messages and returns the upstream SSE body,
	// positioned at its first byte. The caller must close it.
	OpenStream(ctx context.Context, messages []Message, selector string) (io.ReadCloser, error)
}

// Message is one role-tagged entry of the upstream request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// ChatChunk is the payload of one upstream `data:` frame.
type ChatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Fragment returns the first choice's delta text, or "" when there is none.
func (c ChatChunk) Fragment() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

type deepseekClient struct {
	cfg         config.LLMConfig
	client      *http.Client
	readTimeout time.Duration
}

// NewClient creates a DeepSeek-compatible streaming client.
func NewClient(cfg config.LLMConfig) Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &deepseekClient{
		cfg: cfg,
		// no Client.Timeout: it would cut off long generations
		client:      &http.Client{Transport: transport},
		readTimeout: readTimeout,
	}
}

// ResolveModel maps a model selector to the upstream model name, falling back to general.
func ResolveModel(models map[string]string, selector string) string {
	if name, ok := models[selector]; ok && name != "" {
		return name
	}
	if name, ok := models[defaultSelector]; ok && name != "" {
		return name
	}
	return defaultModel
}

func (c *deepseekClient) buildRequest(messages []Message, selector string) chatRequest {
	req := chatRequest{
		Model:    ResolveModel(c.cfg.Models, selector),
		Messages: messages,
		Stream:   true,
	}
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		req.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		req.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		req.MaxTokens = &m
	}
	return req
}

func (c *deepseekClient) OpenStream(ctx context.Context, messages []Message, selector string) (io.ReadCloser, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, &Error{Kind: KindConfiguration}
	}

	reqBytes, err := json.Marshal(c.buildRequest(messages, selector))
	if err != nil {
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("failed to marshal chat request: %w", err)}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("failed to create chat request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}

	return newIdleTimeoutBody(resp.Body, c.readTimeout, cancel), nil
}

// idleTimeoutBody cancels the request when a single Read waits longer than timeout.
// The timer only runs inside Read, so time the caller spends writing downstream is not counted.
type idleTimeoutBody struct {
	body     io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.timedOut.Store(true)
		cancel()
	})
	b.timer.Stop()
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF && b.timedOut.Load() {
		return n, &Error{Kind: KindTimeout, Err: fmt.Errorf("no data from upstream for %s: %w", b.timeout, err)}
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.body.Close()
}
