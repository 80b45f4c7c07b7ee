// Config → RAG 桥接层。
//
// 提供工厂函数，将全局 config.Config 转换为 rag 包的运行时实例，
// 消除 config 包和 rag 包之间的手动配置映射。
package rag

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/citerag/config"
	"github.com/BaSui01/citerag/llm/tokenizer"
)

// 检索后端类型
const (
	BackendQdrant = "qdrant"
	BackendMemory = "memory"
)

// Pipeline 汇总查询路径上的检索侧组件
type Pipeline struct {
	Store      Store
	Indexer    Indexer
	Embedder   Embedder
	Retriever  *Retriever
	Aggregator *Aggregator
	Guardrail  *Guardrail
	Binder     *CitationBinder
}

// NewPipelineFromConfig 根据全局配置创建完整检索管线。
// memory 后端配置了 SeedFile 时会在返回前完成加载。
func NewPipelineFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := NewStoreFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	embedder := NewEmbedderFromConfig(cfg, logger)

	p := &Pipeline{
		Store:      store,
		Embedder:   embedder,
		Retriever:  NewRetrieverFromConfig(cfg, store, embedder, logger),
		Aggregator: NewAggregatorFromConfig(cfg, logger),
		Guardrail:  NewGuardrailFromConfig(cfg),
		Binder:     NewCitationBinder(logger),
	}
	if idx, ok := store.(Indexer); ok {
		p.Indexer = idx
	}

	if cfg.Retrieval.Backend == BackendMemory && cfg.Retrieval.SeedFile != "" {
		chunks, err := LoadSeedFile(cfg.Retrieval.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := Ingest(ctx, p.Indexer, embedder, chunks); err != nil {
			return nil, fmt.Errorf("seed memory store: %w", err)
		}
		logger.Info("memory store seeded",
			zap.String("file", cfg.Retrieval.SeedFile),
			zap.Int("chunks", len(chunks)))
	}
	return p, nil
}

// NewStoreFromConfig 根据 retrieval.backend 创建向量存储
func NewStoreFromConfig(cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Retrieval.Backend) {
	case BackendMemory:
		return NewInMemoryStore(logger), nil
	case BackendQdrant, "":
		return NewQdrantStore(mapQdrantConfig(cfg), logger), nil
	default:
		return nil, fmt.Errorf("unsupported retrieval backend: %s", cfg.Retrieval.Backend)
	}
}

func mapQdrantConfig(cfg *config.Config) QdrantConfig {
	q := cfg.Qdrant
	return QdrantConfig{
		BaseURL:        q.URL(),
		APIKey:         q.APIKey,
		Collection:     q.Collection,
		Timeout:        cfg.Retrieval.Timeout,
		PrefixStrategy: q.PrefixStrategy,
		OverFetch:      q.OverFetch,
		VectorSize:     cfg.Embedding.Dimensions,
		Fields: QdrantFields{
			Tenant:          q.Fields.Tenant,
			DocID:           q.Fields.DocID,
			ChunkID:         q.Fields.ChunkID,
			SectionPath:     q.Fields.SectionPath,
			SectionText:     q.Fields.SectionText,
			SectionPrefixes: q.Fields.SectionPrefixes,
			Groups:          q.Fields.Groups,
			Content:         q.Fields.Content,
		},
	}
}

// NewEmbedderFromConfig 创建查询向量化器，未配置 API Key 时复用 LLM 的 Key
func NewEmbedderFromConfig(cfg *config.Config, logger *zap.Logger) Embedder {
	apiKey := cfg.Embedding.APIKey
	if apiKey == "" {
		apiKey = cfg.LLM.APIKey
	}
	return NewOpenAIEmbedder(OpenAIEmbedderConfig{
		APIKey:     apiKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Retrieval.Timeout,
	}, logger)
}

// NewRetrieverFromConfig 创建检索器
func NewRetrieverFromConfig(cfg *config.Config, store Store, embedder Embedder, logger *zap.Logger) *Retriever {
	r := cfg.Retrieval
	return NewRetriever(store, embedder, RetrieverConfig{
		DefaultTopK:    r.DefaultTopK,
		MaxTopK:        r.MaxTopK,
		Timeout:        r.Timeout,
		MaxRetries:     r.MaxRetries,
		RetryBackoff:   r.RetryBackoff,
		ExpandSections: r.ExpandSections,
		ExpandHits:     r.ExpandHits,
		ExpandLimit:    r.ExpandLimit,
	}, logger)
}

// NewAggregatorFromConfig 创建证据聚合器，tokens 预算使用配置模型的分词器
func NewAggregatorFromConfig(cfg *config.Config, logger *zap.Logger) *Aggregator {
	a := cfg.Aggregator
	var tok tokenizer.Tokenizer
	if a.BudgetUnit == BudgetTokens {
		tok = tokenizer.ForModel(a.TokenizerModel, logger)
	}
	return NewAggregator(AggregatorConfig{
		BudgetUnit:       a.BudgetUnit,
		MaxContextLength: a.MaxContextLength,
		Normalization:    a.Normalization,
	}, tok, logger)
}

// NewGuardrailFromConfig 创建可回答性判定器
func NewGuardrailFromConfig(cfg *config.Config) *Guardrail {
	overrides := make(map[string]GuardrailPolicy, len(cfg.Guardrail.TenantOverrides))
	for tenant, p := range cfg.Guardrail.TenantOverrides {
		overrides[tenant] = mapGuardrailPolicy(p)
	}
	return NewGuardrail(mapGuardrailPolicy(cfg.Guardrail.GuardrailPolicy), overrides)
}

func mapGuardrailPolicy(p config.GuardrailPolicy) GuardrailPolicy {
	return GuardrailPolicy{
		Threshold:      p.Threshold,
		MinEvidence:    p.MinEvidence,
		TopWeight:      p.TopWeight,
		MeanWeight:     p.MeanWeight,
		CoverageWeight: p.CoverageWeight,
		TargetEvidence: p.TargetEvidence,
	}
}

// seedFile 是种子/导入文件的结构
type seedFile struct {
	Chunks []StoredChunk `yaml:"chunks"`
}

// LoadSeedFile 读取 YAML（或 JSON）格式的块文件
func LoadSeedFile(path string) ([]StoredChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return f.Chunks, nil
}

// Ingest 为缺少向量的块补齐 embedding 后写入存储
func Ingest(ctx context.Context, idx Indexer, embedder Embedder, chunks []StoredChunk) error {
	if idx == nil {
		return fmt.Errorf("store does not support writes")
	}
	if len(chunks) == 0 {
		return nil
	}

	var texts []string
	var pending []int
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			texts = append(texts, c.Text)
			pending = append(pending, i)
		}
	}
	if len(texts) > 0 {
		if embedder == nil {
			return fmt.Errorf("%d chunks need embeddings but no embedder is configured", len(texts))
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for j, i := range pending {
			chunks[i].Embedding = vectors[j]
		}
	}
	return idx.Upsert(ctx, chunks...)
}
