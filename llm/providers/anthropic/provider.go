package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/citerag/internal/tlsutil"
	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/llm/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Config 是 Claude Provider 的配置。
type Config struct {
	APIKey              string
	BaseURL             string
	Model               string
	Timeout             time.Duration
	StreamHeaderTimeout time.Duration
}

// Provider 实现 Anthropic Messages API 的 llm.Provider。
// 与 OpenAI 的差异：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. system 消息单独传递
// 3. 流式响应的 SSE 事件结构不同
type Provider struct {
	cfg          Config
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// New 创建 Claude Provider。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second // Claude 响应可能较慢
	}
	if cfg.StreamHeaderTimeout == 0 {
		cfg.StreamHeaderTimeout = cfg.Timeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:          cfg,
		client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		streamClient: tlsutil.StreamingHTTPClient(cfg.StreamHeaderTimeout),
		logger:       logger.With(zap.String("provider", "anthropic")),
	}
}

func (p *Provider) Name() string            { return "anthropic" }
func (p *Provider) SupportsStreaming() bool { return true }

type claudeMessage struct {
	Role    string          `json:"role"` // user 或 assistant
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature"`
	StopSeq     []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      *claudeUsage    `json:"usage,omitempty"`
}

type claudeAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// 流式事件：message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop, ping, error
type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Index   int             `json:"index,omitempty"`
	Delta   *claudeDelta    `json:"delta,omitempty"`
	Message *claudeResponse `json:"message,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeAPIError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"` // text_delta
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeErrorResp struct {
	Type  string         `json:"type"`
	Error claudeAPIError `json:"error"`
}

func buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// convertMessages 将统一格式转换为 Claude 格式，system 消息合并后单独返回。
func convertMessages(msgs []llm.Message) (string, []claudeMessage) {
	var system []string
	out := make([]claudeMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if m.Content == "" {
			continue
		}
		out = append(out, claudeMessage{
			Role:    string(m.Role),
			Content: []claudeContent{{Type: "text", Text: m.Content}},
		})
	}
	return strings.Join(system, "\n\n"), out
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) claudeRequest {
	system, messages := convertMessages(req.Messages)
	return claudeRequest{
		Model:       providers.ChooseModel(req, p.cfg.Model, defaultModel),
		Messages:    messages,
		System:      system,
		MaxTokens:   chooseMaxTokens(req),
		Temperature: req.Temperature,
		StopSeq:     req.Stop,
		Stream:      stream,
	}
}

func (p *Provider) newRequest(ctx context.Context, body claudeRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	buildHeaders(httpReq, p.cfg.APIKey)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	return httpReq, nil
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, cancel := providers.RequestContext(ctx, req)
	defer cancel()

	httpReq, err := p.newRequest(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, mapClaudeError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var cr claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, llm.Malformed(p.Name(), err)
	}
	if cr.Type != "" && cr.Type != "message" {
		return nil, llm.Malformed(p.Name(), fmt.Errorf("unexpected response type %q", cr.Type))
	}
	return toChatResponse(cr, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	httpReq, err := p.newRequest(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		return nil, mapClaudeError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream 解析 Claude SSE 事件；只有收到 message_stop 才视为正常结束。
func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	emit := func(c llm.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- c:
			return true
		}
	}

	var (
		currentID    string
		currentModel string
		usage        claudeUsage
	)
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var cause error
			if err != io.EOF {
				cause = err
			}
			emit(llm.StreamChunk{Provider: p.Name(), Err: llm.StreamInterrupted(p.Name(), cause)})
			return
		}

		line = strings.TrimSpace(line)
		// event: 行只是类型提示，data 中也带 type
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			emit(llm.StreamChunk{Provider: p.Name(), Err: llm.Malformed(p.Name(), err)})
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				currentID = event.Message.ID
				currentModel = event.Message.Model
				if event.Message.Usage != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_delta":
			if event.Delta == nil || event.Delta.Type != "text_delta" {
				continue
			}
			if !emit(llm.StreamChunk{
				ID:       currentID,
				Provider: p.Name(),
				Model:    currentModel,
				Index:    event.Index,
				Delta:    llm.Message{Role: llm.RoleAssistant, Content: event.Delta.Text},
			}) {
				return
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				if !emit(llm.StreamChunk{
					ID:           currentID,
					Provider:     p.Name(),
					Model:        currentModel,
					FinishReason: event.Delta.StopReason,
					Usage: &llm.ChatUsage{
						PromptTokens:     usage.InputTokens,
						CompletionTokens: usage.OutputTokens,
						TotalTokens:      usage.InputTokens + usage.OutputTokens,
					},
				}) {
					return
				}
			}

		case "message_stop":
			return

		case "error":
			msg := "stream error"
			errType := ""
			if event.Error != nil {
				msg, errType = event.Error.Message, event.Error.Type
			}
			emit(llm.StreamChunk{Provider: p.Name(), Err: mapStreamError(errType, msg, p.Name())})
			return
		}
	}
}

func toChatResponse(cr claudeResponse, provider string) *llm.ChatResponse {
	var sb strings.Builder
	for _, c := range cr.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}

	resp := &llm.ChatResponse{
		ID:       cr.ID,
		Provider: provider,
		Model:    cr.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: cr.StopReason,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: sb.String()},
		}},
		CreatedAt: time.Now(),
	}
	if cr.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		}
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	var errResp claudeErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

// mapClaudeError 在通用映射基础上处理 Claude 特有的 400 配额错误。
func mapClaudeError(status int, msg string, provider string) *llm.Error {
	if status == http.StatusBadRequest && (strings.Contains(msg, "credit") || strings.Contains(msg, "quota")) {
		return &llm.Error{Code: llm.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
	}
	return providers.MapHTTPError(status, msg, provider)
}

// mapStreamError 将流中的 error 事件映射为 llm.Error。
func mapStreamError(errType, msg, provider string) *llm.Error {
	switch errType {
	case "overloaded_error":
		return &llm.Error{Code: llm.ErrModelOverloaded, Message: msg, HTTPStatus: 529, Provider: provider}
	case "rate_limit_error":
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: http.StatusTooManyRequests, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: http.StatusBadGateway, Provider: provider}
	}
}

func chooseMaxTokens(req *llm.ChatRequest) int {
	if req != nil && req.MaxTokens > 0 {
		return req.MaxTokens
	}
	// Claude 要求必须提供 max_tokens
	return defaultMaxTokens
}
