package rag

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Store 是带元数据过滤的向量相似度检索接口。
// 实现必须只返回满足 filter 的结果，按分数降序，最多 limit 条。
type Store interface {
	Search(ctx context.Context, vector []float64, filter Filter, limit int) ([]EvidenceChunk, error)
}

// Indexer 是可写入的向量存储（InMemoryStore、QdrantStore）
type Indexer interface {
	Upsert(ctx context.Context, chunks ...StoredChunk) error
}

// StoredChunk 是写入向量存储的一条记录
type StoredChunk struct {
	ChunkID     string      `json:"chunk_id" yaml:"chunk_id"`
	DocumentID  string      `json:"doc_id" yaml:"doc_id"`
	TenantID    string      `json:"tenant_id" yaml:"tenant_id"`
	SectionPath SectionPath `json:"section_path" yaml:"section_path"`
	Groups      []string    `json:"groups,omitempty" yaml:"groups,omitempty"`
	Text        string      `json:"text" yaml:"text"`
	Embedding   []float64   `json:"embedding,omitempty" yaml:"embedding,omitempty"`
}

// ====== 内存向量存储（用于测试和本地开发）======

// InMemoryStore 内存向量存储，过滤语义与 QdrantStore 一致
type InMemoryStore struct {
	chunks map[string]StoredChunk
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewInMemoryStore 创建内存向量存储
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		chunks: make(map[string]StoredChunk),
		logger: logger.With(zap.String("component", "memory_store")),
	}
}

// Upsert 添加或覆盖记录（按 ChunkID）
func (s *InMemoryStore) Upsert(ctx context.Context, chunks ...StoredChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if c.ChunkID == "" {
			return fmt.Errorf("chunk has empty id")
		}
		if c.TenantID == "" {
			return fmt.Errorf("chunk %s has no tenant", c.ChunkID)
		}
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", c.ChunkID)
		}
		s.chunks[c.ChunkID] = c
	}

	s.logger.Debug("chunks added to memory store",
		zap.Int("count", len(chunks)),
		zap.Int("total", len(s.chunks)))
	return nil
}

// Delete 删除记录
func (s *InMemoryStore) Delete(ctx context.Context, ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := s.chunks[id]; ok {
			delete(s.chunks, id)
			deleted++
		}
	}
	return deleted
}

// Count 返回记录数
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Search 先按 filter 过滤，再按余弦相似度排序取 Top-K
func (s *InMemoryStore) Search(ctx context.Context, vector []float64, filter Filter, limit int) ([]EvidenceChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []EvidenceChunk{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]EvidenceChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !filter.Matches(c) {
			continue
		}
		results = append(results, EvidenceChunk{
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			SectionPath: c.SectionPath,
			Text:        c.Text,
			Score:       cosineSimilarity(vector, c.Embedding),
			TenantID:    c.TenantID,
		})
	}

	// map 遍历无序，按分数降序、chunk id 升序保证结果稳定
	SortEvidence(results)

	if limit > len(results) {
		limit = len(results)
	}
	return results[:limit], nil
}

// cosineSimilarity 计算余弦相似度，维度不一致或零向量返回 0
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
