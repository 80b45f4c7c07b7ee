package synthesis

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/citerag/config"
	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/types"
)

// Config configures a Client.
type Config struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration // whole non-streaming call
	StreamEnabled     bool
	StreamIdleTimeout time.Duration // max gap between stream chunks
}

// ConfigFrom maps the llm config section.
func ConfigFrom(c config.LLMConfig) Config {
	return Config{
		Model:             c.Model,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		Timeout:           c.Timeout,
		StreamEnabled:     c.StreamEnabled,
		StreamIdleTimeout: c.StreamIdleTimeout,
	}
}

// Options tune a single synthesis call.
type Options struct {
	AnswerFormat string
}

// Client synthesizes answers. It holds no per-call state and is safe for
// concurrent use.
type Client struct {
	provider llm.Provider
	binder   *rag.CitationBinder
	cfg      Config
	logger   *zap.Logger
}

// NewClient creates a Client. binder may be nil.
func NewClient(provider llm.Provider, binder *rag.CitationBinder, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if binder == nil {
		binder = rag.NewCitationBinder(logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 30 * time.Second
	}
	return &Client{
		provider: provider,
		binder:   binder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "synthesis"), zap.String("provider", provider.Name())),
	}
}

// Provider returns the provider name.
func (c *Client) Provider() string { return c.provider.Name() }

// Streaming reports whether GenerateStreamingCompletion streams incrementally.
func (c *Client) Streaming() bool {
	return c.cfg.StreamEnabled && c.provider.SupportsStreaming()
}

// log tags entries with the query id carried by ctx.
func (c *Client) log(ctx context.Context) *zap.Logger {
	if id, ok := types.QueryID(ctx); ok {
		return c.logger.With(zap.String("query_id", id))
	}
	return c.logger
}

func (c *Client) request(ctx context.Context, q rag.Query, set rag.EvidenceSet, opts Options) *llm.ChatRequest {
	traceID, _ := types.TraceID(ctx)
	return &llm.ChatRequest{
		TraceID:     traceID,
		TenantID:    q.TenantID,
		Model:       c.cfg.Model,
		Messages:    BuildMessages(q, set, opts),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: float32(c.cfg.Temperature),
		Timeout:     c.cfg.Timeout,
	}
}

// GenerateCompletion runs one non-streaming synthesis. Errors are
// *types.Error with a SYNTHESIS_* code.
func (c *Client) GenerateCompletion(ctx context.Context, q rag.Query, set rag.EvidenceSet, opts Options) (*Result, error) {
	start := time.Now()
	logger := c.log(ctx)
	resp, err := c.provider.Completion(ctx, c.request(ctx, q, set, opts))
	if err != nil {
		logger.Warn("completion failed", zap.Error(err))
		return nil, MapError(err, c.provider.Name())
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return nil, MapError(llm.Malformed(c.provider.Name(), err), c.provider.Name())
	}

	answer, citations := c.binder.Bind(choice.Message.Content, set)
	res := &Result{
		Answer:       answer,
		Citations:    citations,
		Usage:        usageFrom(resp.Usage),
		Model:        c.modelOr(resp.Model),
		Provider:     c.providerOr(resp.Provider),
		FinishReason: choice.FinishReason,
		Duration:     time.Since(start),
	}
	logger.Debug("completion finished",
		zap.String("model", res.Model),
		zap.Int("total_tokens", res.Usage.TotalTokens),
		zap.Int("citations", len(citations)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// GenerateStreamingCompletion starts a synthesis stream. The channel is
// closed after exactly one done or error event, or as soon as ctx is
// cancelled; no event is sent after cancellation.
func (c *Client) GenerateStreamingCompletion(ctx context.Context, q rag.Query, set rag.EvidenceSet, opts Options) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		s := &stream{ctx: ctx, out: out}
		if c.Streaming() {
			c.runStream(s, q, set, opts)
		} else {
			c.runDegenerate(s, q, set, opts)
		}
	}()
	return out
}

// stream is the per-call emitter.
type stream struct {
	ctx context.Context
	out chan<- StreamEvent
}

func (s *stream) send(ev StreamEvent) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	case s.out <- ev:
		return true
	}
}

func (s *stream) finish(res *Result) {
	if s.send(CompletedEvent(res)) {
		s.send(DoneEvent())
	}
}

func (c *Client) runDegenerate(s *stream, q rag.Query, set rag.EvidenceSet, opts Options) {
	res, err := c.GenerateCompletion(s.ctx, q, set, opts)
	if err != nil {
		if s.ctx.Err() == nil {
			s.send(ErrorEvent(MapError(err, c.provider.Name())))
		}
		return
	}
	if res.Answer != "" && !s.send(chunkEvent(res.Answer)) {
		return
	}
	if len(res.Citations) > 0 && !s.send(citationsEvent(res.Citations)) {
		return
	}
	s.finish(res)
}

func (c *Client) runStream(s *stream, q rag.Query, set rag.EvidenceSet, opts Options) {
	start := time.Now()
	name := c.provider.Name()
	logger := c.log(s.ctx)

	// cancelling streamCtx closes the provider response body
	streamCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	req := c.request(s.ctx, q, set, opts)
	chunks, err := c.provider.Stream(streamCtx, req)
	if err != nil {
		logger.Warn("stream connect failed", zap.Error(err))
		if s.ctx.Err() == nil {
			s.send(ErrorEvent(MapError(err, name)))
		}
		return
	}

	binder := c.binder.NewStream(set)
	var answer strings.Builder
	var usage Usage
	model, finish := "", ""
	meta := Metadata{Provider: name}

	emitText := func(text string, fresh []rag.Citation) bool {
		if text != "" {
			answer.WriteString(text)
			meta.Chunks++
			if !s.send(chunkEvent(text)) {
				return false
			}
		}
		if len(fresh) > 0 {
			return s.send(citationsEvent(fresh))
		}
		return true
	}

	idle := time.NewTimer(c.cfg.StreamIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-idle.C:
			logger.Warn("stream idle timeout",
				zap.Duration("idle_timeout", c.cfg.StreamIdleTimeout),
				zap.Int("chunks", meta.Chunks))
			// held-back text was already received, deliver it before failing
			if !emitText(binder.Flush()) {
				return
			}
			s.send(ErrorEvent(idleTimeoutError(name)))
			return

		case chunk, ok := <-chunks:
			if !ok {
				if s.ctx.Err() != nil {
					return
				}
				text, fresh := binder.Flush()
				if !emitText(text, fresh) {
					return
				}
				res := &Result{
					Answer:       answer.String(),
					Citations:    binder.Citations(),
					Usage:        usage,
					Model:        c.modelOr(model),
					Provider:     name,
					FinishReason: finish,
					Duration:     time.Since(start),
				}
				logger.Debug("stream finished",
					zap.String("model", res.Model),
					zap.Int("chunks", meta.Chunks),
					zap.Duration("duration", res.Duration))
				s.finish(res)
				return
			}
			idle.Reset(c.cfg.StreamIdleTimeout)

			if chunk.Err != nil {
				if !emitText(binder.Flush()) {
					return
				}
				logger.Warn("stream failed",
					zap.Int("chunks_sent", meta.Chunks),
					zap.Error(chunk.Err))
				s.send(ErrorEvent(MapError(chunk.Err, name)))
				return
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.Delta.Content != "" {
				if !emitText(binder.Push(chunk.Delta.Content)) {
					return
				}
			}
			if chunk.Usage != nil {
				usage = usageFrom(*chunk.Usage)
				meta.Model = c.modelOr(model)
				u := usage
				m := meta
				m.Usage = &u
				if !s.send(StreamEvent{Type: EventMetadata, Metadata: &m}) {
					return
				}
			}
		}
	}
}

func usageFrom(u llm.ChatUsage) Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
}

func (c *Client) modelOr(model string) string {
	if model != "" {
		return model
	}
	return c.cfg.Model
}

func (c *Client) providerOr(provider string) string {
	if provider != "" {
		return provider
	}
	return c.provider.Name()
}
