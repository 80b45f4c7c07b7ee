// =============================================================================
// citerag 主入口
// =============================================================================
// 带引用的文档问答服务，包含 HTTP/SSE/WebSocket 接口、健康检查、Prometheus 指标
//
// 使用方法:
//
//	citerag serve                          # 启动服务
//	citerag serve --config config.yaml     # 指定配置文件
//	citerag ingest --file chunks.yaml      # 向 Qdrant 写入文档块
//	citerag version                        # 显示版本信息
//	citerag health                         # 健康检查
// =============================================================================

// @title citerag API
// @version 1.0.0
// @description Grounded question answering over tenant documents with inline citations.
// @description
// @description ## Features
// @description - Tenant-scoped vector retrieval with document and section filters
// @description - Answerability guardrail before any LLM call
// @description - Streaming responses via SSE and WebSocket

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT bearer token carrying tenant_id

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/citerag/config"
	"github.com/BaSui01/citerag/internal/cache"
	"github.com/BaSui01/citerag/internal/logging"
	"github.com/BaSui01/citerag/internal/telemetry"
	"github.com/BaSui01/citerag/rag"
)

// envPrefix 环境变量前缀，如 CITERAG_LLM_MODEL
const envPrefix = "CITERAG"

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "ingest":
		runIngest(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig 依次加载 .env、YAML 与环境变量并校验
func loadConfig(path string) (*config.Config, error) {
	// .env 可选，已存在的环境变量不会被覆盖
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	loader := config.NewLoader().WithEnvPrefix(envPrefix)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNew(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting citerag",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, logger, otelProviders)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	if err := srv.WaitForShutdown(ctx); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}
	logger.Info("citerag stopped")
}

// =============================================================================
// 📥 ingest 命令
// =============================================================================

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "", "Chunk file (YAML or JSON); defaults to retrieval.seed_file")
	batch := fs.Int("batch", 64, "Chunks per upsert request")
	workers := fs.Int("workers", 4, "Concurrent upsert requests")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.MustNew(cfg.Log)
	defer func() { _ = logger.Sync() }()

	path := *file
	if path == "" {
		path = cfg.Retrieval.SeedFile
	}
	if path == "" {
		logger.Fatal("no chunk file given (use --file or retrieval.seed_file)")
	}
	if cfg.Retrieval.Backend == rag.BackendMemory {
		logger.Fatal("memory backend is seeded at startup from retrieval.seed_file; ingest targets qdrant")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := ingestFile(ctx, cfg, path, *batch, *workers, logger)
	if err != nil {
		logger.Fatal("Ingest failed", zap.String("file", path), zap.Int("written", n), zap.Error(err))
	}
	logger.Info("Ingest completed", zap.String("file", path), zap.Int("chunks", n))

	// 新文档可能改变答案，清空答案缓存
	if cfg.Cache.Enabled {
		invalidateAnswers(ctx, cfg, logger)
	}
}

// ingestFile 分批补齐向量并写入存储，最多 workers 个批次并发，返回已写入的块数
func ingestFile(ctx context.Context, cfg *config.Config, path string, batch, workers int, logger *zap.Logger) (int, error) {
	chunks, err := rag.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	store, err := rag.NewStoreFromConfig(cfg, logger)
	if err != nil {
		return 0, err
	}
	idx, ok := store.(rag.Indexer)
	if !ok {
		return 0, fmt.Errorf("backend %q does not support writes", cfg.Retrieval.Backend)
	}
	embedder := rag.NewEmbedderFromConfig(cfg, logger)

	var written atomic.Int64
	if err := ingestBatches(ctx, idx, embedder, chunks, batch, workers, func(n int) {
		total := written.Add(int64(n))
		logger.Debug("batch written", zap.Int64("written", total), zap.Int("total", len(chunks)))
	}); err != nil {
		return int(written.Load()), err
	}
	return int(written.Load()), nil
}

// ingestBatches 切分批次并发写入，任一批失败即取消其余批次
func ingestBatches(ctx context.Context, idx rag.Indexer, embedder rag.Embedder, chunks []rag.StoredChunk, batch, workers int, done func(n int)) error {
	if batch < 1 {
		batch = len(chunks)
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(chunks); start += batch {
		part := chunks[start:min(start+batch, len(chunks))]
		g.Go(func() error {
			if err := rag.Ingest(gctx, idx, embedder, part); err != nil {
				return err
			}
			done(len(part))
			return nil
		})
	}
	return g.Wait()
}

func invalidateAnswers(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	cm, err := cache.NewManager(cache.ConfigFrom(cfg.Cache), logger)
	if err != nil {
		logger.Warn("Redis not available, cached answers not invalidated", zap.Error(err))
		return
	}
	defer func() { _ = cm.Close() }()

	n, err := cm.InvalidatePrefix(ctx)
	if err != nil {
		logger.Warn("Answer cache invalidation failed", zap.Int("deleted", n), zap.Error(err))
		return
	}
	logger.Info("Answer cache invalidated", zap.Int("deleted", n))
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/health", "Endpoint to probe (/health or /ready)")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("citerag %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`citerag - grounded question answering with citations

Usage:
  citerag <command> [options]

Commands:
  serve     Start the citerag server
  ingest    Embed and write document chunks to Qdrant
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'ingest':
  --config <path>   Path to configuration file (YAML)
  --file <path>     Chunk file; defaults to retrieval.seed_file
  --batch <n>       Chunks per upsert request (default 64)
  --workers <n>     Concurrent upsert requests (default 4)

Environment:
  CITERAG_<SECTION>_<FIELD> overrides the YAML, e.g. CITERAG_LLM_MODEL.
  A .env file in the working directory is loaded first.

Examples:
  citerag serve
  citerag serve --config /etc/citerag/config.yaml
  citerag ingest --config config.yaml --file chunks.yaml
  citerag health --addr http://localhost:8080 --path /ready
  citerag version`)
}
