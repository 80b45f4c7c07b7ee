package rag

// Reason explains a GuardrailDecision.
type Reason string

const (
	ReasonNoEvidence           Reason = "no_evidence"
	ReasonInsufficientEvidence Reason = "insufficient_evidence_count"
	ReasonLowConfidence        Reason = "low_confidence"
	ReasonSufficientEvidence   Reason = "sufficient_evidence"
)

// GuardrailPolicy holds the tunable answerability thresholds.
type GuardrailPolicy struct {
	Threshold      float64 `json:"threshold"`
	MinEvidence    int     `json:"min_evidence"`
	TopWeight      float64 `json:"top_weight"`
	MeanWeight     float64 `json:"mean_weight"`
	CoverageWeight float64 `json:"coverage_weight"`
	TargetEvidence int     `json:"target_evidence"`
}

// DefaultGuardrailPolicy returns the default policy.
func DefaultGuardrailPolicy() GuardrailPolicy {
	return GuardrailPolicy{
		Threshold:      0.5,
		MinEvidence:    1,
		TopWeight:      0.6,
		MeanWeight:     0.25,
		CoverageWeight: 0.15,
		TargetEvidence: 3,
	}
}

// GuardrailDecision is the answerability verdict for one query.
// Answerable=false means synthesis must not run.
type GuardrailDecision struct {
	Answerable    bool    `json:"answerable"`
	Confidence    float64 `json:"confidence"`
	Reason        Reason  `json:"reason"`
	EvidenceCount int     `json:"evidence_count"`
	Threshold     float64 `json:"threshold"`
}

// Guardrail scores evidence against a per-tenant policy. Decide is pure.
type Guardrail struct {
	policy    GuardrailPolicy
	overrides map[string]GuardrailPolicy
}

// NewGuardrail creates a Guardrail with a default policy and optional
// per-tenant overrides.
func NewGuardrail(policy GuardrailPolicy, overrides map[string]GuardrailPolicy) *Guardrail {
	copied := make(map[string]GuardrailPolicy, len(overrides))
	for k, v := range overrides {
		copied[k] = v
	}
	return &Guardrail{policy: policy, overrides: copied}
}

// PolicyFor returns the policy applied to tenant.
func (g *Guardrail) PolicyFor(tenant string) GuardrailPolicy {
	if p, ok := g.overrides[tenant]; ok {
		return p
	}
	return g.policy
}

// Decide computes
//
//	confidence = (wTop*top + wMean*mean + wCov*min(1, n/target)) / (wTop+wMean+wCov)
//
// over scores clamped to [0,1]. A wide gap between the best and the
// average score pulls confidence down.
func (g *Guardrail) Decide(set EvidenceSet, q Query) GuardrailDecision {
	p := g.PolicyFor(q.TenantID)
	n := set.Len()
	d := GuardrailDecision{EvidenceCount: n, Threshold: p.Threshold}

	if n == 0 {
		d.Reason = ReasonNoEvidence
		return d
	}

	d.Confidence = Confidence(set, p)
	switch {
	case n < p.MinEvidence:
		d.Reason = ReasonInsufficientEvidence
	case d.Confidence < p.Threshold:
		d.Reason = ReasonLowConfidence
	default:
		d.Answerable = true
		d.Reason = ReasonSufficientEvidence
	}
	return d
}

// Confidence scores set under policy p; an empty set scores 0.
func Confidence(set EvidenceSet, p GuardrailPolicy) float64 {
	n := len(set.Chunks)
	if n == 0 {
		return 0
	}

	top, sum := 0.0, 0.0
	for _, c := range set.Chunks {
		s := clamp01(c.Score)
		top = max(top, s)
		sum += s
	}
	mean := sum / float64(n)

	coverage := 1.0
	if p.TargetEvidence > 0 {
		coverage = min(1, float64(n)/float64(p.TargetEvidence))
	}

	wsum := p.TopWeight + p.MeanWeight + p.CoverageWeight
	if wsum <= 0 {
		return 0
	}
	return clamp01((p.TopWeight*top + p.MeanWeight*mean + p.CoverageWeight*coverage) / wsum)
}
