package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 就绪状态
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const defaultReadyTimeout = 5 * time.Second

// Collaborator 是就绪检查覆盖的外部依赖（Qdrant collection、Redis 答案缓存、审计库）
type Collaborator struct {
	Name string
	// Required 为 true 时失败返回 503；可选依赖失败只把状态降为 degraded
	Required bool
	Ping     func(ctx context.Context) error
}

// HealthHandler 提供存活与就绪端点
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu            sync.RWMutex
	collaborators []Collaborator
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
}

// ComponentStatus 单个依赖的检查结果
type ComponentStatus struct {
	Status    string `json:"status"` // "up", "down"
	Required  bool   `json:"required"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// NewHealthHandler 创建健康检查处理器，timeout 限定一次就绪检查的总耗时
func NewHealthHandler(logger *zap.Logger, timeout time.Duration) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: timeout,
	}
}

// Register 登记一个依赖，同名依赖后登记者覆盖前者
func (h *HealthHandler) Register(c Collaborator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.collaborators {
		if h.collaborators[i].Name == c.Name {
			h.collaborators[i] = c
			return
		}
	}
	h.collaborators = append(h.collaborators, c)
}

// HandleLive 处理 /health 与 /healthz：进程可响应即存活，不触达依赖
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务存活"
// @Router /healthz [get]
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 与 /readyz：并发 ping 所有依赖
// @Summary 就绪检查
// @Description 必需依赖失败返回 503；仅可选依赖失败时返回 200 与 degraded
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "就绪或降级"
// @Failure 503 {object} HealthStatus "必需依赖不可用"
// @Router /readyz [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Check 对所有登记的依赖执行一次就绪检查
func (h *HealthHandler) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	collaborators := make([]Collaborator, len(h.collaborators))
	copy(collaborators, h.collaborators)
	h.mu.RUnlock()

	results := make([]ComponentStatus, len(collaborators))
	var g errgroup.Group
	for i, c := range collaborators {
		g.Go(func() error {
			results[i] = h.ping(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentStatus, len(collaborators)),
	}
	for i, c := range collaborators {
		res := results[i]
		status.Components[c.Name] = res
		if res.Status == "up" {
			continue
		}
		if c.Required {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthHandler) ping(ctx context.Context, c Collaborator) ComponentStatus {
	start := time.Now()
	err := c.Ping(ctx)
	latency := time.Since(start)

	res := ComponentStatus{
		Status:    "up",
		Required:  c.Required,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		res.Status = "down"
		res.Error = err.Error()
		h.logger.Warn("collaborator unavailable",
			zap.String("collaborator", c.Name),
			zap.Bool("required", c.Required),
			zap.Duration("latency", latency),
			zap.Error(err))
	}
	return res
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":   version,
		"buildTime": buildTime,
		"gitCommit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}
