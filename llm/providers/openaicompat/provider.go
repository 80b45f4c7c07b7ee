// =============================================================================
// citerag OpenAI-Compatible Provider
// =============================================================================
// Chat Completions over plain HTTP/SSE for self-hosted OpenAI-compatible
// servers (vLLM, Ollama, LM Studio, llama.cpp server).
// =============================================================================

package openaicompat

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

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier reported in responses and errors.
	ProviderName string

	// APIKey is optional; local servers usually run without one.
	APIKey string

	// BaseURL is the server root, with or without a trailing /v1.
	BaseURL string

	// DefaultModel is the model to use when none is specified in the request.
	DefaultModel string

	// FallbackModel is used when both request and DefaultModel are empty.
	FallbackModel string

	// Timeout bounds non-streaming requests. Defaults to 60s if zero.
	Timeout time.Duration

	// StreamHeaderTimeout bounds the wait for streaming response headers. Defaults to Timeout.
	StreamHeaderTimeout time.Duration

	// EndpointPath overrides the chat completions path.
	EndpointPath string

	// IncludeUsage asks the server for a trailing usage chunk (stream_options.include_usage).
	IncludeUsage bool

	// DisableStreaming makes SupportsStreaming report false.
	DisableStreaming bool

	// BuildHeaders is an optional function to set custom headers on each request.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider implements llm.Provider against an OpenAI-compatible HTTP API.
type Provider struct {
	Cfg          Config
	Client       *http.Client
	StreamClient *http.Client
	Logger       *zap.Logger
}

// New creates a new OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.StreamHeaderTimeout == 0 {
		cfg.StreamHeaderTimeout = cfg.Timeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai_compat"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = defaultEndpointPath(cfg.BaseURL)
	}
	if cfg.BuildHeaders == nil {
		cfg.BuildHeaders = providers.BearerTokenHeaders
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:          cfg,
		Client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		StreamClient: tlsutil.StreamingHTTPClient(cfg.StreamHeaderTimeout),
		Logger:       logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

func defaultEndpointPath(baseURL string) string {
	if strings.HasSuffix(strings.TrimRight(baseURL, "/"), "/v1") {
		return "/chat/completions"
	}
	return "/v1/chat/completions"
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// SupportsStreaming reports whether incremental streaming is enabled.
func (p *Provider) SupportsStreaming() bool { return !p.Cfg.DisableStreaming }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + p.Cfg.EndpointPath
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) providers.OpenAICompatRequest {
	body := providers.OpenAICompatRequest{
		Model:       providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel),
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream && p.Cfg.IncludeUsage {
		body.StreamOptions = &providers.OpenAICompatStreamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) newRequest(ctx context.Context, body providers.OpenAICompatRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.Cfg.BuildHeaders(httpReq, p.Cfg.APIKey)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, cancel := providers.RequestContext(ctx, req)
	defer cancel()

	httpReq, err := p.newRequest(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, llm.Malformed(p.Name(), err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, llm.Malformed(p.Name(), fmt.Errorf("response has no choices"))
	}

	result := providers.ToLLMChatResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	httpReq, err := p.newRequest(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.StreamClient.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// StreamSSE parses an SSE stream from an OpenAI-compatible API and returns a channel of StreamChunks.
// The channel closes cleanly after [DONE] (or EOF following a finish_reason);
// any other EOF or read failure yields a final chunk carrying Err.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
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

		finished := false
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err == io.EOF && finished {
					return
				}
				var cause error
				if err != io.EOF {
					cause = err
				}
				emit(llm.StreamChunk{Provider: providerName, Err: llm.StreamInterrupted(providerName, cause)})
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				emit(llm.StreamChunk{Provider: providerName, Err: llm.Malformed(providerName, err)})
				return
			}

			// usage-only trailer (stream_options.include_usage)
			if len(oaResp.Choices) == 0 && oaResp.Usage != nil {
				if !emit(llm.StreamChunk{
					ID:       oaResp.ID,
					Provider: providerName,
					Model:    oaResp.Model,
					Usage: &llm.ChatUsage{
						PromptTokens:     oaResp.Usage.PromptTokens,
						CompletionTokens: oaResp.Usage.CompletionTokens,
						TotalTokens:      oaResp.Usage.TotalTokens,
					},
				}) {
					return
				}
				continue
			}

			for _, choice := range oaResp.Choices {
				chunk := llm.StreamChunk{
					ID:           oaResp.ID,
					Provider:     providerName,
					Model:        oaResp.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta:        llm.Message{Role: llm.RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
				}
				if oaResp.Usage != nil {
					chunk.Usage = &llm.ChatUsage{
						PromptTokens:     oaResp.Usage.PromptTokens,
						CompletionTokens: oaResp.Usage.CompletionTokens,
						TotalTokens:      oaResp.Usage.TotalTokens,
					}
				}
				if choice.FinishReason != "" {
					finished = true
				}
				if !emit(chunk) {
					return
				}
			}
		}
	}()
	return ch
}
