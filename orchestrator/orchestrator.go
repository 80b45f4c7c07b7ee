package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/internal/audit"
	"github.com/BaSui01/citerag/internal/cache"
	"github.com/BaSui01/citerag/internal/logging"
	"github.com/BaSui01/citerag/internal/metrics"
	"github.com/BaSui01/citerag/internal/telemetry"
	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/synthesis"
	"github.com/BaSui01/citerag/types"
)

// DefaultFallbackAnswer is returned when the evidence does not justify an answer.
const DefaultFallbackAnswer = "I don't have enough information in the available documents to answer this question."

const (
	modeSync   = "sync"
	modeStream = "stream"

	answerCacheType = "answer"
)

// Retriever fetches raw evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q rag.Query) ([]rag.EvidenceChunk, error)
}

// Synthesizer produces answers from evidence. *synthesis.Client implements it.
type Synthesizer interface {
	GenerateCompletion(ctx context.Context, q rag.Query, set rag.EvidenceSet, opts synthesis.Options) (*synthesis.Result, error)
	GenerateStreamingCompletion(ctx context.Context, q rag.Query, set rag.EvidenceSet, opts synthesis.Options) <-chan synthesis.StreamEvent
	Provider() string
}

// AnswerCache stores completed non-streaming responses. *cache.Manager implements it.
type AnswerCache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Config tunes the orchestrator.
type Config struct {
	FallbackAnswer string
	CacheTTL       time.Duration // 0 uses the cache default
	AuditTimeout   time.Duration
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithCache enables the answer cache.
func WithCache(c AnswerCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithAudit records the terminal state of every query.
func WithAudit(r audit.Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs the retrieve, aggregate, guardrail, synthesize cycle.
// It keeps no per-query state and is safe for concurrent use.
type Orchestrator struct {
	retriever  Retriever
	aggregator *rag.Aggregator
	guardrail  *rag.Guardrail
	synth      Synthesizer

	cache   AnswerCache
	audit   audit.Recorder
	metrics *metrics.Collector

	cfg    Config
	logger *zap.Logger
}

// New creates an Orchestrator.
func New(retriever Retriever, aggregator *rag.Aggregator, guardrail *rag.Guardrail, synth Synthesizer, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	logger = logging.OrNop(logger)
	if cfg.FallbackAnswer == "" {
		cfg.FallbackAnswer = DefaultFallbackAnswer
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 2 * time.Second
	}
	if aggregator == nil {
		aggregator = rag.NewAggregator(rag.AggregatorConfig{}, nil, logger)
	}
	if guardrail == nil {
		guardrail = rag.NewGuardrail(rag.DefaultGuardrailPolicy(), nil)
	}
	o := &Orchestrator{
		retriever:  retriever,
		aggregator: aggregator,
		guardrail:  guardrail,
		synth:      synth,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// =============================================================================
// per-query state
// =============================================================================

type run struct {
	id    string
	req   Request
	q     rag.Query
	mode  string
	start time.Time

	ctx  context.Context
	span trace.Span

	state  State
	states []State

	timings  Timings
	set      rag.EvidenceSet
	decision rag.GuardrailDecision
	result   *synthesis.Result
	cached   bool

	logger *zap.Logger
}

func (o *Orchestrator) newRun(ctx context.Context, req Request, mode string) *run {
	id := uuid.NewString()
	ctx = types.WithQueryID(ctx, id)
	ctx = types.WithTenantID(ctx, req.TenantID)
	ctx, span := telemetry.StartSpan(ctx, "citerag.query",
		attribute.String("query.id", id),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("query.mode", mode))
	if _, ok := types.TraceID(ctx); !ok {
		if tid := telemetry.TraceID(ctx); tid != "" {
			ctx = types.WithTraceID(ctx, tid)
		}
	}

	logger := logging.FromContext(ctx, o.logger).With(
		zap.String("query_id", id),
		zap.String("tenant_id", req.TenantID),
		zap.String("mode", mode))

	return &run{
		id:     id,
		req:    req,
		q:      req.query(),
		mode:   mode,
		start:  time.Now(),
		ctx:    logging.WithLogger(ctx, logger),
		span:   span,
		state:  StateReceived,
		states: []State{StateReceived},
		logger: logger,
	}
}

func (r *run) transition(to State) error {
	if !CanTransition(r.state, to) {
		err := ErrInvalidTransition{From: r.state, To: to}
		r.logger.Error("rejected state transition", zap.Error(err))
		return err
	}
	r.logger.Debug("state transition", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	r.states = append(r.states, to)
	return nil
}

// =============================================================================
// pipeline
// =============================================================================

// prepare runs retrieval, aggregation and the guardrail. A non-nil error
// means the run ended in RetrievalFailed.
func (o *Orchestrator) prepare(r *run) error {
	if err := r.transition(StateRetrieving); err != nil {
		return err
	}

	stageStart := time.Now()
	ctx, span := telemetry.StartSpan(r.ctx, "citerag.retrieve", attribute.Int("query.top_k", r.q.TopK))
	raw, err := o.retriever.Retrieve(ctx, r.q)
	telemetry.EndSpan(span, err)
	r.timings.Retrieval = time.Since(stageStart)
	o.observeStage(metrics.StageRetrieval, r.timings.Retrieval)
	if err != nil {
		_ = r.transition(StateRetrievalFailed)
		return asRetrievalError(err)
	}

	stageStart = time.Now()
	r.set = o.aggregator.Aggregate(r.q.TenantID, raw, r.req.MaxContextLength)
	r.timings.Aggregation = time.Since(stageStart)
	o.observeStage(metrics.StageAggregation, r.timings.Aggregation)
	if err := r.transition(StateAggregated); err != nil {
		return err
	}

	stageStart = time.Now()
	r.decision = o.guardrail.Decide(r.set, r.q)
	r.timings.Guardrail = time.Since(stageStart)
	o.observeStage(metrics.StageGuardrail, r.timings.Guardrail)
	r.span.SetAttributes(
		attribute.Int("evidence.count", r.set.Len()),
		attribute.Float64("guardrail.confidence", r.decision.Confidence),
		attribute.String("guardrail.reason", string(r.decision.Reason)))
	if o.metrics != nil {
		o.metrics.RecordGuardrail(string(r.decision.Reason), r.decision.Confidence, r.decision.EvidenceCount)
	}
	r.logger.Debug("guardrail decision",
		zap.Bool("answerable", r.decision.Answerable),
		zap.Float64("confidence", r.decision.Confidence),
		zap.String("reason", string(r.decision.Reason)),
		zap.Int("evidence", r.set.Len()))
	return r.transition(StateGuardrailEvaluated)
}

func asRetrievalError(err error) *types.Error {
	if te, ok := types.AsError(err); ok {
		return te
	}
	code := types.ErrRetrievalFailed
	status := 502
	if errors.Is(err, context.DeadlineExceeded) {
		code, status = types.ErrRetrievalTimeout, 504
	}
	return types.NewError(code, "retrieval failed").WithCause(err).WithHTTPStatus(status).WithRetryable(true)
}

func (o *Orchestrator) synthesisOptions(r *run) synthesis.Options {
	return synthesis.Options{AnswerFormat: r.req.AnswerFormat}
}

func (o *Orchestrator) fallbackResult() *synthesis.Result {
	return &synthesis.Result{Answer: o.cfg.FallbackAnswer, Citations: []rag.Citation{}}
}

// Answer runs one non-streaming query. Validation, retrieval and synthesis
// failures are returned as *types.Error; a guardrail rejection is a
// successful Response carrying the fallback answer.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := o.newRun(ctx, req, modeSync)

	if resp, ok := o.lookup(r); ok {
		o.finish(r, nil)
		return shape(r, resp), nil
	}

	if err := o.prepare(r); err != nil {
		o.finish(r, err)
		return nil, err
	}

	if !r.decision.Answerable {
		_ = r.transition(StateRejected)
		o.finish(r, nil)
		return shape(r, o.response(r)), nil
	}

	if err := r.transition(StateSynthesizing); err != nil {
		o.finish(r, err)
		return nil, err
	}
	stageStart := time.Now()
	sctx, span := telemetry.StartSpan(r.ctx, "citerag.synthesize", attribute.String("llm.provider", o.synth.Provider()))
	res, err := o.synth.GenerateCompletion(sctx, r.q, r.set, o.synthesisOptions(r))
	telemetry.EndSpan(span, err)
	r.timings.Synthesis = time.Since(stageStart)
	o.observeStage(metrics.StageSynthesis, r.timings.Synthesis)
	if err != nil {
		_ = r.transition(StateSynthesisFailed)
		o.finish(r, err)
		return nil, err
	}

	r.result = res
	_ = r.transition(StateCompleted)
	resp := o.response(r)
	o.store(r, resp)
	o.finish(r, nil)
	return shape(r, resp), nil
}

// AnswerStream runs one streaming query. The returned error is non-nil only
// for an invalid request; every later failure arrives as a terminal error
// event. A guardrail rejection yields exactly response_completed and done.
// The channel is closed after the terminal event or when ctx is cancelled.
func (o *Orchestrator) AnswerStream(ctx context.Context, req Request) (<-chan synthesis.StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	out := make(chan synthesis.StreamEvent)
	go func() {
		defer close(out)
		r := o.newRun(ctx, req, modeStream)

		send := func(ev synthesis.StreamEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case <-ctx.Done():
				return false
			case out <- ev:
				return true
			}
		}

		if err := o.prepare(r); err != nil {
			o.finish(r, err)
			if te, ok := types.AsError(err); ok {
				send(synthesis.ErrorEvent(te))
			}
			return
		}

		if !r.decision.Answerable {
			_ = r.transition(StateRejected)
			o.finish(r, nil)
			if send(synthesis.CompletedEvent(o.fallbackResult())) {
				send(synthesis.DoneEvent())
			}
			return
		}

		if err := r.transition(StateSynthesizing); err != nil {
			o.finish(r, err)
			return
		}
		stageStart := time.Now()
		sctx, span := telemetry.StartSpan(r.ctx, "citerag.synthesize",
			attribute.String("llm.provider", o.synth.Provider()),
			attribute.Bool("llm.stream", true))

		var streamErr error
		done := false
		for ev := range o.synth.GenerateStreamingCompletion(sctx, r.q, r.set, o.synthesisOptions(r)) {
			switch ev.Type {
			case synthesis.EventResponseCompleted:
				r.result = ev.Result
			case synthesis.EventError:
				streamErr = ev.Err
			case synthesis.EventDone:
				done = true
			}
			ev, ok := shapeEvent(r, ev)
			if !ok {
				continue
			}
			if !send(ev) {
				break
			}
			if ev.Type.Terminal() {
				break
			}
		}
		if streamErr == nil && !done {
			cause := context.Cause(ctx)
			if cause == nil {
				cause = errors.New("stream ended without a terminal event")
			}
			streamErr = synthesis.MapError(cause, o.synth.Provider())
		}
		telemetry.EndSpan(span, streamErr)
		r.timings.Synthesis = time.Since(stageStart)
		o.observeStage(metrics.StageSynthesis, r.timings.Synthesis)

		if streamErr != nil {
			_ = r.transition(StateSynthesisFailed)
			o.finish(r, streamErr)
			return
		}
		_ = r.transition(StateCompleted)
		o.finish(r, nil)
	}()
	return out, nil
}

// response assembles the Response for a finished run.
func (o *Orchestrator) response(r *run) *Response {
	resp := &Response{
		QueryID:  r.id,
		Evidence: r.set,
		Decision: r.decision,
		State:    r.state,
		Timings:  r.timings,
	}
	if r.result != nil {
		resp.Answer = r.result.Answer
		resp.Citations = r.result.Citations
		resp.Synthesis = r.result
	} else {
		resp.Answer = o.cfg.FallbackAnswer
	}
	if resp.Citations == nil {
		resp.Citations = []rag.Citation{}
	}
	resp.Timings.Total = time.Since(r.start)
	if r.req.IncludeDebugInfo {
		resp.States = slices.Clone(r.states)
	}
	return resp
}

// shape applies per-request output options on a copy, leaving the cached
// entry intact.
func shape(r *run, resp *Response) *Response {
	if !r.req.OmitCitations {
		return resp
	}
	out := *resp
	out.Citations = []rag.Citation{}
	return &out
}

// shapeEvent is the streaming counterpart of shape. It reports false for
// events the request asked to suppress.
func shapeEvent(r *run, ev synthesis.StreamEvent) (synthesis.StreamEvent, bool) {
	if !r.req.OmitCitations {
		return ev, true
	}
	switch ev.Type {
	case synthesis.EventCitations:
		return ev, false
	case synthesis.EventResponseCompleted:
		if ev.Result != nil {
			res := *ev.Result
			res.Citations = []rag.Citation{}
			ev.Result = &res
		}
	}
	return ev, true
}

// =============================================================================
// answer cache
// =============================================================================

func cacheKey(c AnswerCache, r *run) string {
	groups := slices.Clone(r.q.GroupIDs)
	slices.Sort(groups)
	docs := slices.Clone(r.q.DocumentIDs)
	slices.Sort(docs)
	section := ""
	if s := r.q.Section; s != nil {
		section = string(s.Mode) + ":" + strings.Join(s.Segments, rag.SectionSeparator)
	}
	return c.Key(
		r.q.TenantID,
		cache.KeyPart(groups),
		cache.KeyPart(docs),
		section,
		strconv.Itoa(r.q.TopK),
		r.q.Language,
		r.req.AnswerFormat,
		strconv.Itoa(r.req.MaxContextLength),
		r.q.Text,
	)
}

func (o *Orchestrator) lookup(r *run) (*Response, bool) {
	if o.cache == nil {
		return nil, false
	}
	var cached Response
	err := o.cache.GetJSON(r.ctx, cacheKey(o.cache, r), &cached)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			r.logger.Warn("answer cache read failed", zap.Error(err))
		}
		if o.metrics != nil {
			o.metrics.RecordCacheMiss(answerCacheType)
		}
		return nil, false
	}
	if o.metrics != nil {
		o.metrics.RecordCacheHit(answerCacheType)
	}

	r.cached = true
	r.state = StateCompleted
	r.states = []State{StateReceived, StateCompleted}
	r.set = cached.Evidence
	r.decision = cached.Decision
	r.result = cached.Synthesis

	cached.QueryID = r.id
	cached.Cached = true
	cached.Timings = Timings{Total: time.Since(r.start)}
	cached.States = nil
	if r.req.IncludeDebugInfo {
		cached.States = slices.Clone(r.states)
	}
	return &cached, true
}

func (o *Orchestrator) store(r *run, resp *Response) {
	if o.cache == nil {
		return
	}
	entry := *resp
	entry.States = nil
	if err := o.cache.SetJSON(r.ctx, cacheKey(o.cache, r), entry, o.cfg.CacheTTL); err != nil {
		r.logger.Warn("answer cache write failed", zap.Error(err))
	}
}

// =============================================================================
// bookkeeping
// =============================================================================

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordStage(stage, d)
	}
}

// finish logs, records metrics and audit for a run in a terminal state.
func (o *Orchestrator) finish(r *run, err error) {
	r.timings.Total = time.Since(r.start)
	code := ""
	if err != nil {
		code = string(types.GetErrorCode(err))
	}

	fields := []zap.Field{
		zap.String("state", string(r.state)),
		zap.Duration("duration", r.timings.Total),
		zap.Int("evidence", r.set.Len()),
		zap.Bool("cached", r.cached),
	}
	switch {
	case err != nil:
		r.logger.Warn("query failed", append(fields, zap.String("code", code), zap.Error(err))...)
	default:
		r.logger.Info("query finished", fields...)
	}

	r.span.SetAttributes(attribute.String("query.state", string(r.state)))
	telemetry.EndSpan(r.span, err)

	if o.metrics != nil {
		o.metrics.RecordQuery(string(r.state), r.mode, r.timings.Total)
		if r.result != nil && !r.cached {
			o.metrics.RecordCitations(len(r.result.Citations))
			o.metrics.RecordLLMRequest(r.result.Provider, r.result.Model, "success", r.timings.Synthesis,
				r.result.Usage.PromptTokens, r.result.Usage.CompletionTokens)
		} else if r.state == StateSynthesisFailed {
			o.metrics.RecordLLMRequest(o.synth.Provider(), "", "error", r.timings.Synthesis, 0, 0)
		}
	}

	if o.audit != nil {
		o.record(r, code)
	}
}

func (o *Orchestrator) record(r *run, code string) {
	sum := sha256.Sum256([]byte(r.q.Text))
	rec := &audit.QueryRecord{
		QueryID:       r.id,
		TenantID:      r.q.TenantID,
		UserID:        r.q.UserID,
		QuestionHash:  hex.EncodeToString(sum[:]),
		State:         string(r.state),
		Reason:        string(r.decision.Reason),
		Confidence:    r.decision.Confidence,
		EvidenceCount: r.set.Len(),
		ErrorCode:     code,
		Streamed:      r.mode == modeStream,
		Cached:        r.cached,
		DurationMs:    r.timings.Total.Milliseconds(),
	}
	if r.result != nil {
		rec.CitationCount = len(r.result.Citations)
		rec.Provider = r.result.Provider
		rec.Model = r.result.Model
		rec.PromptTokens = r.result.Usage.PromptTokens
		rec.CompletionTokens = r.result.Usage.CompletionTokens
	}

	// 审计写入不受请求取消影响
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), o.cfg.AuditTimeout)
	defer cancel()
	if err := o.audit.Record(ctx, rec); err != nil {
		r.logger.Warn("audit record failed", zap.Error(err))
	}
}
