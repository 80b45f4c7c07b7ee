package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/config"
)

const seedYAML = `chunks:
  - chunk_id: c1
    doc_id: report-2023
    tenant_id: t1
    section_path: [block_9, table_2]
    text: Q3 revenue was $125.3 million.
    embedding: [1, 0]
  - chunk_id: c2
    doc_id: report-2023
    tenant_id: t1
    section_path: [block_90]
    groups: [finance]
    text: Restricted figures.
    embedding: [0, 1]
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	return path
}

func TestLoadSeedFile(t *testing.T) {
	chunks, err := LoadSeedFile(writeSeed(t))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ChunkID)
	assert.Equal(t, SectionPath{"block_9", "table_2"}, chunks[0].SectionPath)
	assert.Equal(t, []string{"finance"}, chunks[1].Groups)
	assert.Equal(t, []float64{0, 1}, chunks[1].Embedding)

	_, err = LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewPipelineFromConfig_MemorySeed(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Retrieval.Backend = BackendMemory
	cfg.Retrieval.SeedFile = writeSeed(t)

	p, err := NewPipelineFromConfig(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p.Indexer)
	require.NotNil(t, p.Retriever)
	require.NotNil(t, p.Aggregator)
	require.NotNil(t, p.Guardrail)
	require.NotNil(t, p.Binder)

	mem, ok := p.Store.(*InMemoryStore)
	require.True(t, ok)
	assert.Equal(t, 2, mem.Count())
}

func TestNewStoreFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	s, err := NewStoreFromConfig(cfg, nil)
	require.NoError(t, err)
	_, ok := s.(*QdrantStore)
	assert.True(t, ok)

	cfg.Retrieval.Backend = "milvus"
	_, err = NewStoreFromConfig(cfg, nil)
	assert.Error(t, err)

	_, err = NewPipelineFromConfig(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNewGuardrailFromConfig_Overrides(t *testing.T) {
	cfg := config.DefaultConfig()
	strict := cfg.Guardrail.GuardrailPolicy
	strict.Threshold = 0.9
	cfg.Guardrail.TenantOverrides = map[string]config.GuardrailPolicy{"strict": strict}

	g := NewGuardrailFromConfig(cfg)
	assert.Equal(t, 0.9, g.PolicyFor("strict").Threshold)
	assert.Equal(t, 0.5, g.PolicyFor("t1").Threshold)
}

func TestNewAggregatorFromConfig_Tokens(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Aggregator.BudgetUnit = BudgetTokens
	cfg.Aggregator.MaxContextLength = 1
	cfg.Aggregator.TokenizerModel = "llama-3"

	a := NewAggregatorFromConfig(cfg, nil)
	set := a.Aggregate("t", []EvidenceChunk{chunk("a", "t", 1, "a fairly long sentence with many tokens")}, 0)
	assert.True(t, set.Empty())
}

func TestIngest(t *testing.T) {
	store := NewInMemoryStore(nil)
	emb := &staticEmbedder{vector: []float64{1, 1}}

	err := Ingest(context.Background(), store, emb, []StoredChunk{
		{ChunkID: "a", TenantID: "t", Text: "needs vector"},
		{ChunkID: "b", TenantID: "t", Text: "has vector", Embedding: []float64{0, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Count())
	assert.Equal(t, int64(1), emb.calls.Load())

	err = Ingest(context.Background(), store, nil, []StoredChunk{{ChunkID: "c", TenantID: "t"}})
	assert.Error(t, err)

	assert.Error(t, Ingest(context.Background(), nil, emb, nil))
	assert.NoError(t, Ingest(context.Background(), store, emb, nil))
}
