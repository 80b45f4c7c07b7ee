package rag

// EvidenceChunk is one scored passage returned by retrieval.
type EvidenceChunk struct {
	ChunkID     string      `json:"chunk_id"`
	DocumentID  string      `json:"doc_id"`
	SectionPath SectionPath `json:"section_path"`
	Text        string      `json:"text"`
	Score       float64     `json:"score"`
	TenantID    string      `json:"tenant_id"`
}

// EvidenceSet is the ranked, deduplicated, budgeted evidence for one query.
// Chunks share TenantID and are ordered by descending score, then
// ascending chunk id. Position i is cited as marker [i+1].
type EvidenceSet struct {
	TenantID string          `json:"tenant_id"`
	Chunks   []EvidenceChunk `json:"chunks"`
	// Dropped counts chunks removed by dedupe, tenant checks and the budget.
	Dropped int `json:"dropped"`
}

// Len returns the number of chunks.
func (s EvidenceSet) Len() int { return len(s.Chunks) }

// Empty reports whether the set holds no evidence.
func (s EvidenceSet) Empty() bool { return len(s.Chunks) == 0 }

// ByMarker resolves a 1-based citation marker.
func (s EvidenceSet) ByMarker(n int) (EvidenceChunk, bool) {
	if n < 1 || n > len(s.Chunks) {
		return EvidenceChunk{}, false
	}
	return s.Chunks[n-1], true
}

// ChunkIDs returns the chunk ids in set order.
func (s EvidenceSet) ChunkIDs() []string {
	ids := make([]string, len(s.Chunks))
	for i, c := range s.Chunks {
		ids[i] = c.ChunkID
	}
	return ids
}
