package rag

import (
	"math"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/citerag/llm/tokenizer"
)

// Budget units.
const (
	BudgetChars  = "chars"
	BudgetTokens = "tokens"
)

// Score normalizations.
const (
	NormalizeNone    = "none"
	NormalizeClamp   = "clamp"
	NormalizeSigmoid = "sigmoid"
)

// AggregatorConfig configures Aggregator.
type AggregatorConfig struct {
	BudgetUnit       string
	MaxContextLength int // 0 disables the budget
	Normalization    string
}

// Aggregator turns raw retrieval hits into an EvidenceSet.
type Aggregator struct {
	cfg       AggregatorConfig
	tokenizer tokenizer.Tokenizer
	logger    *zap.Logger
}

// NewAggregator creates an Aggregator. tok is only consulted for the
// tokens budget unit and may be nil otherwise.
func NewAggregator(cfg AggregatorConfig, tok tokenizer.Tokenizer, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BudgetUnit == "" {
		cfg.BudgetUnit = BudgetChars
	}
	if cfg.Normalization == "" {
		cfg.Normalization = NormalizeNone
	}
	if cfg.BudgetUnit == BudgetTokens && tok == nil {
		tok = tokenizer.NewEstimatorTokenizer("")
	}
	return &Aggregator{
		cfg:       cfg,
		tokenizer: tok,
		logger:    logger.With(zap.String("component", "aggregator")),
	}
}

// Aggregate filters raw to tenant, dedupes by chunk id, ranks and applies
// the budget. budget <= 0 uses the configured maximum; a positive budget
// is capped by it.
//
// Dedupe keeps the first-seen chunk unless a later duplicate has a
// strictly higher score. Budget truncation keeps the longest prefix of the
// ranking that fits and never cuts a chunk's text.
func (a *Aggregator) Aggregate(tenant string, raw []EvidenceChunk, budget int) EvidenceSet {
	set := EvidenceSet{TenantID: tenant}

	index := make(map[string]int, len(raw))
	chunks := make([]EvidenceChunk, 0, len(raw))
	for _, c := range raw {
		if c.TenantID != tenant {
			set.Dropped++
			a.logger.Warn("dropping chunk from foreign tenant",
				zap.String("chunk_id", c.ChunkID),
				zap.String("tenant", tenant))
			continue
		}
		if math.IsNaN(c.Score) {
			set.Dropped++
			a.logger.Warn("dropping chunk without a usable score",
				zap.String("chunk_id", c.ChunkID))
			continue
		}
		if i, ok := index[c.ChunkID]; ok {
			set.Dropped++
			if c.Score > chunks[i].Score {
				chunks[i] = c
			}
			continue
		}
		index[c.ChunkID] = len(chunks)
		chunks = append(chunks, c)
	}

	for i := range chunks {
		chunks[i].Score = a.normalize(chunks[i].Score)
	}
	SortEvidence(chunks)

	limit := a.cfg.MaxContextLength
	if budget > 0 && (limit <= 0 || budget < limit) {
		limit = budget
	}
	if limit > 0 {
		used := 0
		for i, c := range chunks {
			cost := a.cost(c.Text)
			if used+cost > limit {
				if i == 0 {
					a.logger.Warn("top chunk exceeds context budget",
						zap.String("chunk_id", c.ChunkID),
						zap.Int("cost", cost),
						zap.Int("budget", limit))
				}
				set.Dropped += len(chunks) - i
				chunks = chunks[:i]
				break
			}
			used += cost
		}
	}

	set.Chunks = chunks
	return set
}

// SortEvidence orders chunks by descending score, then ascending chunk id.
// NaN scores rank below every other score.
func SortEvidence(chunks []EvidenceChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		si, sj := rankScore(chunks[i].Score), rankScore(chunks[j].Score)
		if si != sj {
			return si > sj
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
}

func rankScore(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

func (a *Aggregator) cost(text string) int {
	if a.cfg.BudgetUnit != BudgetTokens {
		return utf8.RuneCountInString(text)
	}
	n, err := a.tokenizer.CountTokens(text)
	if err != nil {
		a.logger.Warn("token count failed, falling back to estimate", zap.Error(err))
		return len(text)/4 + 1
	}
	return n
}

func (a *Aggregator) normalize(score float64) float64 {
	switch a.cfg.Normalization {
	case NormalizeClamp:
		return clamp01(score)
	case NormalizeSigmoid:
		return 1 / (1 + math.Exp(-score))
	default:
		return score
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
