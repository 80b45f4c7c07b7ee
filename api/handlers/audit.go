package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/internal/audit"
	"github.com/BaSui01/citerag/types"
)

// =============================================================================
// 🧾 查询审计 Handler
// =============================================================================

// AuditReader 读取审计记录，由 audit.Store 实现
type AuditReader interface {
	Get(ctx context.Context, queryID string) (*audit.QueryRecord, error)
	List(ctx context.Context, f audit.Filter) ([]audit.QueryRecord, error)
}

// QueryRecordList 审计列表响应
type QueryRecordList struct {
	Records []audit.QueryRecord `json:"records"`
	Count   int                 `json:"count"`
}

// AuditHandler 审计查询处理器，只返回调用方租户的记录
type AuditHandler struct {
	store  AuditReader
	logger *zap.Logger
}

// NewAuditHandler 创建审计处理器
func NewAuditHandler(store AuditReader, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{
		store:  store,
		logger: logger.With(zap.String("component", "audit_handler")),
	}
}

// HandleList 列出本租户的查询记录
// @Summary 查询审计列表
// @Tags 审计
// @Produce json
// @Param state query string false "终态过滤"
// @Param since query string false "RFC3339 起始时间"
// @Param limit query int false "条数上限"
// @Success 200 {object} Response "记录列表"
// @Security BearerAuth
// @Router /api/v1/queries [get]
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tenant, apiErr := requestTenant(r)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	q := r.URL.Query()
	f := audit.Filter{TenantID: tenant, State: q.Get("state")}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "since must be RFC3339").WithCause(err), h.logger)
			return
		}
		f.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "limit must be a positive integer"), h.logger)
			return
		}
		f.Limit = limit
	}

	records, err := h.store.List(r.Context(), f)
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	if records == nil {
		records = []audit.QueryRecord{}
	}
	WriteSuccess(w, QueryRecordList{Records: records, Count: len(records)})
}

// HandleGet 按 queryId 读取一条记录
// @Summary 查询审计详情
// @Tags 审计
// @Produce json
// @Param queryId path string true "查询 ID"
// @Success 200 {object} Response "审计记录"
// @Failure 404 {object} Response "记录不存在"
// @Security BearerAuth
// @Router /api/v1/queries/{queryId} [get]
func (h *AuditHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tenant, apiErr := requestTenant(r)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	id := chi.URLParam(r, "queryId")
	rec, err := h.store.Get(r.Context(), id)
	// 其他租户的记录按不存在处理
	if errors.Is(err, audit.ErrNotFound) || (err == nil && rec.TenantID != tenant) {
		WriteError(w, types.NewError(types.ErrNotFound, "query not found"), h.logger)
		return
	}
	if err != nil {
		WriteError(w, AsAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, rec)
}

// requestTenant 优先取 JWT 中的租户；未启用认证时使用 tenantId 查询参数
func requestTenant(r *http.Request) (string, *types.Error) {
	if tenant, ok := types.TenantID(r.Context()); ok {
		return tenant, nil
	}
	if tenant := r.URL.Query().Get("tenantId"); tenant != "" {
		return tenant, nil
	}
	return "", types.NewError(types.ErrInvalidRequest, "tenantId is required")
}
