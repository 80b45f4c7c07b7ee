package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/synthesis"
	"github.com/BaSui01/citerag/types"
)

// MaxQueryLength bounds the question text in runes.
const MaxQueryLength = 4000

// Request is one incoming question.
type Request struct {
	Query       string
	UserID      string
	TenantID    string
	GroupIDs    []string
	Language    string
	TopK        int
	DocumentIDs []string
	Section     *rag.SectionFilter

	// Synthesis options
	AnswerFormat     string
	MaxContextLength int
	OmitCitations    bool

	IncludeDebugInfo bool
}

// Timings records stage durations for one query.
type Timings struct {
	Total       time.Duration `json:"total"`
	Retrieval   time.Duration `json:"retrieval"`
	Aggregation time.Duration `json:"aggregation"`
	Guardrail   time.Duration `json:"guardrail"`
	Synthesis   time.Duration `json:"synthesis"`
}

// Response is the outcome of a non-streaming query. A guardrail rejection
// is a Response with Decision.Answerable=false and the fixed answer.
type Response struct {
	QueryID   string                `json:"queryId"`
	Answer    string                `json:"answer"`
	Citations []rag.Citation        `json:"citations"`
	Evidence  rag.EvidenceSet       `json:"evidence"`
	Decision  rag.GuardrailDecision `json:"decision"`
	Synthesis *synthesis.Result     `json:"synthesis,omitempty"`
	State     State                 `json:"state"`
	States    []State               `json:"states,omitempty"`
	Timings   Timings               `json:"timings"`
	Cached    bool                  `json:"cached"`
}

func invalid(format string, args ...any) *types.Error {
	return types.NewError(types.ErrInvalidRequest, fmt.Sprintf(format, args...)).WithHTTPStatus(400)
}

// Validate checks the request before any work starts.
func (r Request) Validate() error {
	text := strings.TrimSpace(r.Query)
	if text == "" {
		return invalid("query is required")
	}
	if n := len([]rune(text)); n > MaxQueryLength {
		return invalid("query exceeds %d characters", MaxQueryLength)
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return invalid("tenant id is required")
	}
	if r.TopK < 0 {
		return invalid("topK must not be negative")
	}
	if r.MaxContextLength < 0 {
		return invalid("maxContextLength must not be negative")
	}
	if !synthesis.ValidFormat(r.AnswerFormat) {
		return invalid("unknown answer format %q", r.AnswerFormat)
	}
	if s := r.Section; s != nil {
		if s.Mode != rag.SectionAny && s.Mode != rag.SectionPrefix {
			return invalid("unknown section mode %q", s.Mode)
		}
		for _, seg := range s.Segments {
			if seg == "" || strings.Contains(seg, rag.SectionSeparator) {
				return invalid("invalid section segment %q", seg)
			}
		}
	}
	return nil
}

// query converts the request into an immutable rag.Query.
func (r Request) query() rag.Query {
	return rag.NewQuery(rag.Query{
		Text:        r.Query,
		TenantID:    r.TenantID,
		UserID:      r.UserID,
		GroupIDs:    r.GroupIDs,
		DocumentIDs: r.DocumentIDs,
		Section:     r.Section,
		TopK:        r.TopK,
		Language:    r.Language,
	})
}
