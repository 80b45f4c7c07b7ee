package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/api"
	"github.com/BaSui01/citerag/orchestrator"
	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/synthesis"
	"github.com/BaSui01/citerag/types"
)

// wsRequestTimeout 等待 WebSocket 首帧（查询请求）的时间
const wsRequestTimeout = 10 * time.Second

// =============================================================================
// 🔎 问答接口 Handler
// =============================================================================

// QueryService 问答服务，由 orchestrator.Orchestrator 实现
type QueryService interface {
	Answer(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	AnswerStream(ctx context.Context, req orchestrator.Request) (<-chan synthesis.StreamEvent, error)
}

// QueryHandler 问答接口处理器
type QueryHandler struct {
	svc       QueryService
	logger    *zap.Logger
	wsOptions *websocket.AcceptOptions
}

// NewQueryHandler 创建问答处理器。originPatterns 为允许的跨域 WebSocket 来源，空表示仅同源。
func NewQueryHandler(svc QueryService, logger *zap.Logger, originPatterns ...string) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		svc:       svc,
		logger:    logger.With(zap.String("component", "query_handler")),
		wsOptions: &websocket.AcceptOptions{OriginPatterns: originPatterns},
	}
}

// HandleQuery 处理非流式问答
// @Summary 问答
// @Description 基于租户文档回答问题并返回引用
// @Tags 问答
// @Accept json
// @Produce json
// @Param request body api.QueryRequest true "问答请求"
// @Success 200 {object} api.QueryResponse "问答响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "检索或合成失败"
// @Security BearerAuth
// @Router /api/v1/query [post]
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var body api.QueryRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	req, apiErr := BuildRequest(r.Context(), body)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	resp, err := h.svc.Answer(r.Context(), req)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, ToQueryResponse(resp, body))
}

// HandleStream 处理 SSE 流式问答
// @Summary 流式问答
// @Description 以 Server-Sent Events 返回答案片段、引用与终止事件
// @Tags 问答
// @Accept json
// @Produce text/event-stream
// @Param request body api.QueryRequest true "问答请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Security BearerAuth
// @Router /api/v1/query/stream [post]
func (h *QueryHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var body api.QueryRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	req, apiErr := BuildRequest(r.Context(), body)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.svc.AnswerStream(ctx, req)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSE(w, string(ev.Type), EventPayload(ev)); err != nil {
			h.logger.Debug("client went away during stream", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// HandleWebSocket 处理 WebSocket 流式问答：客户端首帧发送 api.QueryRequest，
// 服务端按 api.WSMessage 推送事件，终止事件后正常关闭。
// @Summary WebSocket 问答
// @Tags 问答
// @Router /api/v1/query/ws [get]
func (h *QueryHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.wsOptions)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var body api.QueryRequest
	readCtx, cancelRead := context.WithTimeout(ctx, wsRequestTimeout)
	err = wsjson.Read(readCtx, conn, &body)
	cancelRead()
	if err != nil {
		h.logger.Debug("websocket request read failed", zap.Error(err))
		apiErr := types.NewError(types.ErrInvalidRequest, "first frame must be a query request").WithCause(err)
		h.closeWithError(ctx, conn, apiErr)
		return
	}

	req, apiErr := BuildRequest(ctx, body)
	if apiErr != nil {
		h.closeWithError(ctx, conn, apiErr)
		return
	}

	// 之后不再接受客户端数据帧；连接断开时 ctx 被取消
	ctx = conn.CloseRead(ctx)

	events, err := h.svc.AnswerStream(ctx, req)
	if err != nil {
		h.closeWithError(ctx, conn, AsAPIError(err))
		return
	}

	for ev := range events {
		msg := api.WSMessage{Type: string(ev.Type), Data: EventPayload(ev)}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *QueryHandler) closeWithError(ctx context.Context, conn *websocket.Conn, err *types.Error) {
	h.logger.Warn("websocket query rejected",
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message))
	msg := api.WSMessage{Type: string(synthesis.EventError), Data: ErrorDetail(err)}
	if writeErr := wsjson.Write(ctx, conn, msg); writeErr != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// writeSSE 写出一帧 SSE 事件
func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// =============================================================================
// 🔧 转换函数
// =============================================================================

// BuildRequest 将 API 请求转换为编排器请求，并与认证身份绑定：
// 令牌中的租户与请求租户不一致时返回 FORBIDDEN。
func BuildRequest(ctx context.Context, body api.QueryRequest) (orchestrator.Request, *types.Error) {
	uc := body.UserContext
	if tokenTenant, ok := types.TenantID(ctx); ok {
		switch uc.TenantID {
		case "":
			uc.TenantID = tokenTenant
		case tokenTenant:
		default:
			return orchestrator.Request{}, types.NewError(types.ErrForbidden, "tenant does not match credentials").
				WithHTTPStatus(http.StatusForbidden)
		}
	}
	if tokenUser, ok := types.UserID(ctx); ok && uc.ID == "" {
		uc.ID = tokenUser
	}

	req := orchestrator.Request{
		Query:            body.Query,
		UserID:           uc.ID,
		TenantID:         uc.TenantID,
		GroupIDs:         uc.GroupIDs,
		Language:         uc.Language,
		TopK:             body.TopK,
		DocumentIDs:      body.DocumentIDs,
		IncludeDebugInfo: body.IncludeDebugInfo,
	}

	if sp := body.SectionPath; sp != nil {
		switch {
		case len(sp.Any) > 0 && len(sp.Prefix) > 0:
			return orchestrator.Request{}, types.NewError(types.ErrInvalidRequest, "sectionPath accepts either any or prefix, not both").
				WithHTTPStatus(http.StatusBadRequest)
		case len(sp.Any) > 0:
			req.Section = &rag.SectionFilter{Mode: rag.SectionAny, Segments: sp.Any}
		case len(sp.Prefix) > 0:
			req.Section = &rag.SectionFilter{Mode: rag.SectionPrefix, Segments: sp.Prefix}
		}
	}

	if opts := body.SynthesisOptions; opts != nil {
		req.AnswerFormat = opts.AnswerFormat
		req.MaxContextLength = opts.MaxContextLength
		if opts.IncludeCitations != nil {
			req.OmitCitations = !*opts.IncludeCitations
		}
	}
	return req, nil
}

// ToQueryResponse 将编排器响应转换为 API 响应
func ToQueryResponse(resp *orchestrator.Response, body api.QueryRequest) api.QueryResponse {
	out := api.QueryResponse{
		Answer:             resp.Answer,
		RetrievedDocuments: make([]api.RetrievedDocument, 0, len(resp.Evidence.Chunks)),
		Citations:          convertCitations(resp.Citations),
		QueryID:            resp.QueryID,
		GuardrailDecision: api.GuardrailDecision{
			Answerable:    resp.Decision.Answerable,
			Confidence:    resp.Decision.Confidence,
			Reason:        string(resp.Decision.Reason),
			EvidenceCount: resp.Decision.EvidenceCount,
			Threshold:     resp.Decision.Threshold,
		},
		SynthesisMetadata: synthesisMetadata(resp.Synthesis),
		Cached:            resp.Cached,
	}
	for _, c := range resp.Evidence.Chunks {
		out.RetrievedDocuments = append(out.RetrievedDocuments, api.RetrievedDocument{
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			SectionPath: sectionSegments(c.SectionPath),
			Content:     c.Text,
			Score:       c.Score,
		})
	}
	if body.IncludeMetrics {
		out.Metrics = &api.QueryMetrics{
			TotalDuration:   millis(resp.Timings.Total),
			RetrievalTime:   millis(resp.Timings.Retrieval),
			AggregationTime: millis(resp.Timings.Aggregation),
			GuardrailTime:   millis(resp.Timings.Guardrail),
			SynthesisTime:   millis(resp.Timings.Synthesis),
		}
	}
	if body.IncludeDebugInfo {
		states := make([]string, len(resp.States))
		for i, s := range resp.States {
			states[i] = string(s)
		}
		out.DebugInfo = &api.DebugInfo{States: states}
	}
	return out
}

// EventPayload 返回流式事件在 SSE data 行与 WebSocket data 字段中的负载
func EventPayload(ev synthesis.StreamEvent) any {
	switch ev.Type {
	case synthesis.EventChunk:
		return api.StreamChunk{Delta: ev.Delta}
	case synthesis.EventCitations:
		return api.StreamCitations{Citations: convertCitations(ev.Citations)}
	case synthesis.EventMetadata:
		if ev.Metadata == nil {
			return api.StreamMetadata{}
		}
		m := api.StreamMetadata{
			ModelUsed:   ev.Metadata.Model,
			LLMProvider: ev.Metadata.Provider,
			Chunks:      ev.Metadata.Chunks,
		}
		if ev.Metadata.Usage != nil {
			m.TokensUsed = ev.Metadata.Usage.TotalTokens
		}
		return m
	case synthesis.EventResponseCompleted:
		if ev.Result == nil {
			return api.StreamCompleted{Citations: []api.Citation{}}
		}
		return api.StreamCompleted{
			Answer:            ev.Result.Answer,
			Citations:         convertCitations(ev.Result.Citations),
			SynthesisMetadata: synthesisMetadata(ev.Result),
		}
	case synthesis.EventError:
		if ev.Err == nil {
			return ErrorDetail(types.NewError(types.ErrSynthesisFailed, "stream failed"))
		}
		return ErrorDetail(ev.Err)
	default:
		return struct{}{}
	}
}

func convertCitations(in []rag.Citation) []api.Citation {
	out := make([]api.Citation, len(in))
	for i, c := range in {
		out[i] = api.Citation{
			Marker:      c.Marker,
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			SectionPath: sectionSegments(c.SectionPath),
		}
	}
	return out
}

func synthesisMetadata(res *synthesis.Result) *api.SynthesisMetadata {
	if res == nil {
		return nil
	}
	return &api.SynthesisMetadata{
		ModelUsed:    res.Model,
		TokensUsed:   res.Usage.TotalTokens,
		LLMProvider:  res.Provider,
		FinishReason: res.FinishReason,
	}
}

func sectionSegments(p rag.SectionPath) []string {
	if p == nil {
		return []string{}
	}
	return []string(p)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

