package rag

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/citerag/llm/tokenizer"
)

func chunk(id, tenant string, score float64, text string) EvidenceChunk {
	return EvidenceChunk{ChunkID: id, DocumentID: "doc", TenantID: tenant, Score: score, Text: text}
}

func TestAggregator_DedupeAndOrder(t *testing.T) {
	a := NewAggregator(AggregatorConfig{}, nil, zap.NewNop())

	set := a.Aggregate("t1", []EvidenceChunk{
		chunk("b", "t1", 0.5, "b"),
		chunk("a", "t1", 0.5, "a"),
		chunk("c", "t1", 0.9, "c"),
		chunk("b", "t1", 0.7, "b2"),
		chunk("c", "t1", 0.9, "c2"),
	}, 0)

	assert.Equal(t, []string{"c", "b", "a"}, set.ChunkIDs())
	assert.Equal(t, "b2", set.Chunks[1].Text, "higher-scoring duplicate replaces the first")
	assert.Equal(t, "c", set.Chunks[0].Text, "equal-scoring duplicate keeps the first")
	assert.Equal(t, 2, set.Dropped)
	assert.Equal(t, "t1", set.TenantID)
}

func TestAggregator_DropsForeignTenant(t *testing.T) {
	a := NewAggregator(AggregatorConfig{}, nil, nil)

	set := a.Aggregate("t1", []EvidenceChunk{
		chunk("x", "t2", 0.99, "secret"),
		chunk("a", "t1", 0.4, "ok"),
	}, 0)

	assert.Equal(t, []string{"a"}, set.ChunkIDs())
	assert.Equal(t, 1, set.Dropped)
}

func TestAggregator_CharBudget(t *testing.T) {
	a := NewAggregator(AggregatorConfig{BudgetUnit: BudgetChars, MaxContextLength: 10}, nil, nil)
	raw := []EvidenceChunk{
		chunk("a", "t", 0.9, "12345"),
		chunk("b", "t", 0.8, "1234"),
		chunk("c", "t", 0.7, "12"),
		chunk("d", "t", 0.6, "1"),
	}

	tests := []struct {
		name   string
		budget int
		want   []string
	}{
		{"configured max", 0, []string{"a", "b"}},
		{"request budget below max", 6, []string{"a"}},
		{"request budget above max is capped", 100, []string{"a", "b"}},
		{"top chunk too large", 3, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := a.Aggregate("t", raw, tt.budget)
			assert.Equal(t, tt.want, set.ChunkIDs())
			assert.Equal(t, len(raw)-len(tt.want), set.Dropped)
		})
	}
}

func TestAggregator_BudgetCountsRunes(t *testing.T) {
	a := NewAggregator(AggregatorConfig{MaxContextLength: 4}, nil, nil)
	set := a.Aggregate("t", []EvidenceChunk{chunk("a", "t", 1, "收入增长")}, 0)
	assert.Equal(t, []string{"a"}, set.ChunkIDs())
}

func TestAggregator_TokenBudget(t *testing.T) {
	tok := tokenizer.NewEstimatorTokenizer("")
	text := strings.Repeat("revenue grew ", 20)
	cost, err := tok.CountTokens(text)
	require.NoError(t, err)
	require.Positive(t, cost)

	a := NewAggregator(AggregatorConfig{BudgetUnit: BudgetTokens, MaxContextLength: cost * 2}, tok, nil)
	set := a.Aggregate("t", []EvidenceChunk{
		chunk("a", "t", 0.9, text),
		chunk("b", "t", 0.8, text),
		chunk("c", "t", 0.7, text),
	}, 0)
	assert.Equal(t, []string{"a", "b"}, set.ChunkIDs())
}

func TestAggregator_Normalization(t *testing.T) {
	raw := []EvidenceChunk{chunk("a", "t", 3, "a"), chunk("b", "t", -1, "b")}

	clamp := NewAggregator(AggregatorConfig{Normalization: NormalizeClamp}, nil, nil).Aggregate("t", raw, 0)
	assert.Equal(t, 1.0, clamp.Chunks[0].Score)
	assert.Equal(t, 0.0, clamp.Chunks[1].Score)

	sig := NewAggregator(AggregatorConfig{Normalization: NormalizeSigmoid}, nil, nil).Aggregate("t", raw, 0)
	assert.InDelta(t, 0.9526, sig.Chunks[0].Score, 1e-3)
	assert.InDelta(t, 0.2689, sig.Chunks[1].Score, 1e-3)

	none := NewAggregator(AggregatorConfig{}, nil, nil).Aggregate("t", raw, 0)
	assert.Equal(t, 3.0, none.Chunks[0].Score)
	assert.Equal(t, "t", raw[0].TenantID, "input is not modified")
	assert.Equal(t, 3.0, raw[0].Score)
}

func TestAggregator_Empty(t *testing.T) {
	set := NewAggregator(AggregatorConfig{}, nil, nil).Aggregate("t", nil, 0)
	assert.True(t, set.Empty())
	assert.Equal(t, 0, set.Dropped)
}

func TestProperty_AggregateHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		budget := rapid.IntRange(0, 60).Draw(rt, "budget")
		a := NewAggregator(AggregatorConfig{MaxContextLength: 40}, nil, nil)

		n := rapid.IntRange(0, 20).Draw(rt, "n")
		raw := make([]EvidenceChunk, n)
		for i := range raw {
			raw[i] = EvidenceChunk{
				ChunkID:  fmt.Sprintf("c%d", rapid.IntRange(0, 8).Draw(rt, "id")),
				TenantID: rapid.SampledFrom([]string{"t1", "t1", "t2"}).Draw(rt, "tenant"),
				Score:    rapid.Float64Range(-1, 2).Draw(rt, "score"),
				Text:     rapid.StringMatching(`[a-z ]{0,12}`).Draw(rt, "text"),
			}
		}

		set := a.Aggregate("t1", raw, budget)

		limit := 40
		if budget > 0 && budget < limit {
			limit = budget
		}
		seen := map[string]bool{}
		used := 0
		for i, c := range set.Chunks {
			if c.TenantID != "t1" {
				rt.Fatalf("foreign tenant chunk %s", c.ChunkID)
			}
			if seen[c.ChunkID] {
				rt.Fatalf("duplicate chunk %s", c.ChunkID)
			}
			seen[c.ChunkID] = true
			used += utf8.RuneCountInString(c.Text)
			if i > 0 {
				prev := set.Chunks[i-1]
				if prev.Score < c.Score || (prev.Score == c.Score && prev.ChunkID > c.ChunkID) {
					rt.Fatalf("out of order at %d", i)
				}
			}
		}
		if used > limit {
			rt.Fatalf("budget exceeded: %d > %d", used, limit)
		}

		// the result is a prefix of the full deduped ranking
		full := NewAggregator(AggregatorConfig{}, nil, nil).Aggregate("t1", raw, 0)
		if len(set.Chunks) > len(full.Chunks) {
			rt.Fatalf("budgeted set larger than full set")
		}
		for i, c := range set.Chunks {
			if full.Chunks[i].ChunkID != c.ChunkID {
				rt.Fatalf("not a prefix at %d", i)
			}
		}
		if len(set.Chunks) < len(full.Chunks) {
			next := utf8.RuneCountInString(full.Chunks[len(set.Chunks)].Text)
			if used+next <= limit {
				rt.Fatalf("stopped early: next chunk fits")
			}
		}
		if set.Len()+set.Dropped != n {
			rt.Fatalf("kept %d + dropped %d != %d", set.Len(), set.Dropped, n)
		}
	})
}

func TestSortEvidence_Stable(t *testing.T) {
	chunks := []EvidenceChunk{
		{ChunkID: "b", Score: 0.5},
		{ChunkID: "a", Score: 0.5},
		{ChunkID: "c", Score: 0.6},
	}
	SortEvidence(chunks)
	ids := []string{chunks[0].ChunkID, chunks[1].ChunkID, chunks[2].ChunkID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.True(t, sort.SliceIsSorted(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score }))
}

func TestSortEvidence_NaNRanksLast(t *testing.T) {
	chunks := []EvidenceChunk{
		{ChunkID: "n1", Score: math.NaN()},
		{ChunkID: "a", Score: 0.2},
		{ChunkID: "n0", Score: math.NaN()},
		{ChunkID: "b", Score: 0.8},
		{ChunkID: "c", Score: math.Inf(-1)},
	}
	SortEvidence(chunks)

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	assert.Equal(t, []string{"b", "a", "c", "n0", "n1"}, ids)
}

func TestAggregator_DropsNaNScores(t *testing.T) {
	a := NewAggregator(AggregatorConfig{Normalization: NormalizeSigmoid}, nil, zap.NewNop())

	set := a.Aggregate("t1", []EvidenceChunk{
		chunk("a", "t1", 0.3, "a"),
		chunk("bad", "t1", math.NaN(), "bad"),
		chunk("b", "t1", 0.9, "b"),
	}, 0)

	require.Len(t, set.Chunks, 2)
	assert.Equal(t, "b", set.Chunks[0].ChunkID)
	assert.Equal(t, "a", set.Chunks[1].ChunkID)
	assert.Equal(t, 1, set.Dropped)
	assert.True(t, sort.SliceIsSorted(set.Chunks, func(i, j int) bool { return set.Chunks[i].Score > set.Chunks[j].Score }))
}
