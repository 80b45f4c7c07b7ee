package openai

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/internal/tlsutil"
	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/llm/providers"
)

const (
	providerName  = "openai"
	fallbackModel = "gpt-4o-mini"
)

// Config 是 OpenAI Provider 的配置。
type Config struct {
	APIKey              string
	BaseURL             string
	Organization        string
	Model               string
	Timeout             time.Duration
	StreamHeaderTimeout time.Duration
}

// Provider 通过 go-openai SDK 实现 llm.Provider。
type Provider struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// New 创建 OpenAI Provider。
// SDK 只接受一个 HTTP client，因此使用不限总时长的流式 client，
// 非流式请求的超时由 ctx 控制。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.StreamHeaderTimeout == 0 {
		cfg.StreamHeaderTimeout = cfg.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.OrgID = cfg.Organization
	clientCfg.HTTPClient = tlsutil.StreamingHTTPClient(cfg.StreamHeaderTimeout)

	return &Provider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("provider", providerName)),
	}
}

func (p *Provider) Name() string            { return providerName }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	temp := req.Temperature
	if temp == 0 {
		// SDK 对 temperature 使用 omitempty，0 需要用极小值表示
		temp = math.SmallestNonzeroFloat32
	}

	out := openai.ChatCompletionRequest{
		Model:       providers.ChooseModel(req, p.model, fallbackModel),
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	timeout := p.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, MapSDKError(err, providerName)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Malformed(providerName, errors.New("response has no choices"))
	}

	choices := make([]llm.ChatChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: string(c.FinishReason),
			Message:      llm.Message{Role: llm.RoleAssistant, Content: c.Message.Content},
		})
	}
	out := &llm.ChatResponse{
		ID:       resp.ID,
		Provider: providerName,
		Model:    resp.Model,
		Choices:  choices,
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if resp.Created != 0 {
		out.CreatedAt = time.Unix(resp.Created, 0)
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, MapSDKError(err, providerName)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer stream.Close()
		defer close(ch)

		emit := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		// SDK 在 [DONE] 和连接意外断开时都返回 io.EOF，
		// 只有收到过 finish_reason 才视为正常结束
		finished := false
		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					if !finished {
						emit(llm.StreamChunk{Provider: providerName, Err: llm.StreamInterrupted(providerName, nil)})
					}
					return
				}
				emit(llm.StreamChunk{Provider: providerName, Err: mapStreamError(err)})
				return
			}

			var usage *llm.ChatUsage
			if resp.Usage != nil {
				usage = &llm.ChatUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				if usage != nil && !emit(llm.StreamChunk{ID: resp.ID, Provider: providerName, Model: resp.Model, Usage: usage}) {
					return
				}
				continue
			}
			for _, c := range resp.Choices {
				if c.FinishReason != "" {
					finished = true
				}
				if !emit(llm.StreamChunk{
					ID:           resp.ID,
					Provider:     providerName,
					Model:        resp.Model,
					Index:        c.Index,
					Delta:        llm.Message{Role: llm.RoleAssistant, Content: c.Delta.Content},
					FinishReason: string(c.FinishReason),
					Usage:        usage,
				}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func mapStreamError(err error) *llm.Error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		return MapSDKError(err, providerName)
	}
	if errors.Is(err, openai.ErrTooManyEmptyStreamMessages) {
		return llm.Malformed(providerName, err)
	}
	return llm.StreamInterrupted(providerName, err)
}

// MapSDKError 将 go-openai 返回的错误映射为 llm.Error。
func MapSDKError(err error, provider string) *llm.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		return providers.MapHTTPError(status, apiErr.Message, provider)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := string(reqErr.Body)
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return providers.MapHTTPError(reqErr.HTTPStatusCode, msg, provider)
	}

	return providers.MapTransportError(err, provider)
}
