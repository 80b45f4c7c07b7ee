package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/citerag/internal/database"
)

// =============================================================================
// 📝 查询审计存储
// =============================================================================

// ErrNotFound 审计记录不存在
var ErrNotFound = errors.New("audit record not found")

// QueryRecord 一次查询的终态记录。问题原文不落库，只保存摘要。
type QueryRecord struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	QueryID          string    `gorm:"size:64;uniqueIndex" json:"queryId"`
	TenantID         string    `gorm:"size:128;index" json:"tenantId"`
	UserID           string    `gorm:"size:128" json:"userId,omitempty"`
	QuestionHash     string    `gorm:"size:64" json:"questionHash"`
	State            string    `gorm:"size:32;index" json:"state"`
	Reason           string    `gorm:"size:64" json:"reason,omitempty"`
	Confidence       float64   `json:"confidence"`
	EvidenceCount    int       `json:"evidenceCount"`
	CitationCount    int       `json:"citationCount"`
	ErrorCode        string    `gorm:"size:64" json:"errorCode,omitempty"`
	Provider         string    `gorm:"size:64" json:"provider,omitempty"`
	Model            string    `gorm:"size:128" json:"model,omitempty"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	Streamed         bool      `json:"streamed"`
	Cached           bool      `json:"cached"`
	DurationMs       int64     `json:"durationMs"`
	CreatedAt        time.Time `gorm:"index" json:"createdAt"`
}

// TableName 表名
func (QueryRecord) TableName() string { return "query_audit" }

// Recorder 写入审计记录
type Recorder interface {
	Record(ctx context.Context, rec *QueryRecord) error
}

// Filter 列表查询条件
type Filter struct {
	TenantID string
	State    string
	Since    time.Time
	Limit    int
}

// Store 基于 GORM 的审计存储
type Store struct {
	pool    *database.PoolManager
	logger  *zap.Logger
	observe func(operation string, d time.Duration)
}

// NewStore 创建审计存储并迁移表结构
func NewStore(pool *database.PoolManager, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("audit: pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&QueryRecord{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "audit")),
	}, nil
}

// WithObserver 设置操作耗时回调（接入数据库指标）
func (s *Store) WithObserver(fn func(operation string, d time.Duration)) *Store {
	s.observe = fn
	return s
}

func (s *Store) track(op string, start time.Time) {
	if s.observe != nil {
		s.observe(op, time.Since(start))
	}
}

// Record 写入一条终态记录，死锁等暂时性错误会重试
func (s *Store) Record(ctx context.Context, rec *QueryRecord) error {
	if rec == nil || rec.QueryID == "" {
		return fmt.Errorf("audit: record requires a query id")
	}
	defer s.track("insert", time.Now())

	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
	if err != nil {
		s.logger.Warn("audit write failed", zap.String("query_id", rec.QueryID), zap.Error(err))
		return fmt.Errorf("audit: record %s: %w", rec.QueryID, err)
	}
	return nil
}

// Get 按查询 ID 读取记录
func (s *Store) Get(ctx context.Context, queryID string) (*QueryRecord, error) {
	defer s.track("select", time.Now())

	var rec QueryRecord
	err := s.pool.DB().WithContext(ctx).Where("query_id = ?", queryID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get %s: %w", queryID, err)
	}
	return &rec, nil
}

// List 按条件列出记录，按创建时间倒序
func (s *Store) List(ctx context.Context, f Filter) ([]QueryRecord, error) {
	defer s.track("select", time.Now())

	q := s.pool.DB().WithContext(ctx).Model(&QueryRecord{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []QueryRecord
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close 关闭底层连接池
func (s *Store) Close() error {
	return s.pool.Close()
}

var _ Recorder = (*Store)(nil)
