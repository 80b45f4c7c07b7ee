package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/api/handlers"
	"github.com/BaSui01/citerag/config"
	"github.com/BaSui01/citerag/internal/audit"
	"github.com/BaSui01/citerag/internal/cache"
	"github.com/BaSui01/citerag/internal/database"
	"github.com/BaSui01/citerag/internal/metrics"
	"github.com/BaSui01/citerag/internal/server"
	"github.com/BaSui01/citerag/internal/telemetry"
	llmfactory "github.com/BaSui01/citerag/llm/factory"
	"github.com/BaSui01/citerag/orchestrator"
	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/synthesis"
)

// auditWriteTimeout 单条审计写入的超时
const auditWriteTimeout = 5 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 citerag 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 组件
	collector    *metrics.Collector
	pipeline     *rag.Pipeline
	orchestrator *orchestrator.Orchestrator
	cache        *cache.Manager
	auditStore   *audit.Store
	telemetry    *telemetry.Providers

	// Handlers
	healthHandler *handlers.HealthHandler
	queryHandler  *handlers.QueryHandler
	auditHandler  *handlers.AuditHandler

	// Rate limiter 生命周期管理
	rateLimiterCtx    context.Context
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化组件并启动所有服务（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	// 1. 指标收集器
	s.collector = metrics.NewCollector("citerag", s.logger)

	// 2. 问答管线
	if err := s.initQueryPath(ctx); err != nil {
		return fmt.Errorf("failed to init query path: %w", err)
	}

	// 3. Handlers
	s.initHandlers()

	// 4. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.registerShutdownHooks()

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("retrieval_backend", s.cfg.Retrieval.Backend),
		zap.Bool("cache_enabled", s.cache != nil),
		zap.Bool("audit_enabled", s.auditStore != nil),
		zap.Bool("jwt_enabled", s.cfg.Server.JWT.Secret != ""),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initQueryPath 组装检索、合成与可选的缓存、审计
func (s *Server) initQueryPath(ctx context.Context) error {
	pipeline, err := rag.NewPipelineFromConfig(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	pipeline.Binder.OnUnresolved = func(string) { s.collector.RecordUnresolvedCitation() }
	s.pipeline = pipeline

	provider, err := llmfactory.NewProvider(s.cfg.LLM, s.logger)
	if err != nil {
		return fmt.Errorf("create LLM provider: %w", err)
	}
	synth := synthesis.NewClient(provider, pipeline.Binder, synthesis.ConfigFrom(s.cfg.LLM), s.logger)

	opts := []orchestrator.Option{orchestrator.WithMetrics(s.collector)}

	if s.cfg.Cache.Enabled {
		cm, err := cache.NewManager(cache.ConfigFrom(s.cfg.Cache), s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, answer cache disabled", zap.Error(err))
		} else {
			s.cache = cm
			opts = append(opts, orchestrator.WithCache(cm))
		}
	}

	if s.cfg.Audit.Enabled {
		store, err := openAuditStore(s.cfg.Audit, s.collector, s.logger)
		if err != nil {
			s.logger.Warn("Database not available, query audit disabled", zap.Error(err))
		} else {
			s.auditStore = store
			opts = append(opts, orchestrator.WithAudit(store))
		}
	}

	s.orchestrator = orchestrator.New(
		pipeline.Retriever,
		pipeline.Aggregator,
		pipeline.Guardrail,
		synth,
		orchestrator.Config{
			CacheTTL:     s.cfg.Cache.TTL,
			AuditTimeout: auditWriteTimeout,
		},
		s.logger,
		opts...,
	)

	s.logger.Info("Query path initialized",
		zap.String("llm_provider", provider.Name()),
		zap.Bool("stream_enabled", s.cfg.LLM.StreamEnabled))
	return nil
}

// openAuditStore 打开审计数据库，并把操作耗时接入数据库指标
func openAuditStore(cfg config.AuditConfig, collector *metrics.Collector, logger *zap.Logger) (*audit.Store, error) {
	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := audit.NewStore(pool, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store.WithObserver(func(op string, d time.Duration) {
		collector.RecordDBQuery("audit", op, d)
	}), nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger, 0)
	if qs, ok := s.pipeline.Store.(*rag.QdrantStore); ok {
		s.healthHandler.Register(handlers.Collaborator{Name: "qdrant", Required: true, Ping: qs.Ping})
	}
	// 缓存与审计库缺失时问答照常进行，只降级
	if s.cache != nil {
		s.healthHandler.Register(handlers.Collaborator{Name: "redis", Ping: s.cache.Ping})
	}
	if s.auditStore != nil {
		s.healthHandler.Register(handlers.Collaborator{Name: "audit_db", Ping: s.auditStore.Ping})
		s.auditHandler = handlers.NewAuditHandler(s.auditStore, s.logger)
	}

	s.queryHandler = handlers.NewQueryHandler(s.orchestrator, s.logger)
	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 构建路由与中间件链
func (s *Server) routes() http.Handler {
	if s.rateLimiterCancel == nil {
		s.rateLimiterCtx, s.rateLimiterCancel = context.WithCancel(context.Background())
	}

	r := chi.NewRouter()
	r.Use(
		Recovery(s.logger),
		middleware.RequestID,
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	)

	// 健康检查端点（免认证）
	r.Get("/health", s.healthHandler.HandleLive)
	r.Get("/healthz", s.healthHandler.HandleLive)
	r.Get("/ready", s.healthHandler.HandleReady)
	r.Get("/readyz", s.healthHandler.HandleReady)
	r.Get("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 未单独配置 metrics 端口时挂在主端口
	if s.cfg.Server.MetricsPort == 0 {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Server.JWT.Secret != "" {
			r.Use(JWTAuth(s.cfg.Server.JWT, s.logger))
		}
		r.Use(TenantRateLimiter(s.rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))

		r.Post("/query", s.queryHandler.HandleQuery)
		r.Post("/query/stream", s.queryHandler.HandleStream)
		r.Get("/query/ws", s.queryHandler.HandleWebSocket)

		if s.auditHandler != nil {
			r.Get("/queries", s.auditHandler.HandleList)
			r.Get("/queries/{queryId}", s.auditHandler.HandleGet)
		}
	})

	return r
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	s.httpManager = server.NewManager(s.routes(), server.ConfigFrom(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.ConfigFrom(s.cfg.Server, s.cfg.Server.MetricsPort), s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// registerShutdownHooks 钩子按注册逆序执行：先停 metrics 与限流，最后关闭遥测
func (s *Server) registerShutdownHooks() {
	if s.telemetry != nil {
		s.httpManager.OnShutdown(s.telemetry.Shutdown)
	}
	if s.auditStore != nil {
		s.httpManager.OnShutdown(func(context.Context) error { return s.auditStore.Close() })
	}
	if s.cache != nil {
		s.httpManager.OnShutdown(func(context.Context) error { return s.cache.Close() })
	}
	s.httpManager.OnShutdown(func(context.Context) error {
		if s.rateLimiterCancel != nil {
			s.rateLimiterCancel()
		}
		return nil
	})
	if s.metricsManager != nil {
		s.httpManager.OnShutdown(s.metricsManager.Shutdown)
	}
}

// WaitForShutdown 阻塞直到收到信号或 ctx 取消，然后优雅关闭所有服务
func (s *Server) WaitForShutdown(ctx context.Context) error {
	s.logger.Info("Waiting for shutdown signal")
	return s.httpManager.WaitForShutdown(ctx)
}
