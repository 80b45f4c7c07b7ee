package rag

import (
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

var (
	markerPattern  = regexp.MustCompile(`\[(\d+)\]`)
	partialPattern = regexp.MustCompile(`\[\d*$`)
)

// Citation links an in-text marker [Marker] to the chunk it cites.
type Citation struct {
	Marker      int         `json:"marker"`
	ChunkID     string      `json:"chunk_id"`
	DocumentID  string      `json:"doc_id"`
	SectionPath SectionPath `json:"section_path"`
}

// CitationBinder validates [n] markers against an EvidenceSet. Markers
// that do not resolve are removed from the text and reported.
type CitationBinder struct {
	logger *zap.Logger
	// OnUnresolved is called once per removed marker occurrence.
	OnUnresolved func(marker string)
}

// NewCitationBinder creates a CitationBinder.
func NewCitationBinder(logger *zap.Logger) *CitationBinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CitationBinder{logger: logger.With(zap.String("component", "citation_binder"))}
}

// Bind returns answer with unresolved markers removed, plus one Citation
// per distinct resolved marker in order of first appearance.
func (b *CitationBinder) Bind(answer string, set EvidenceSet) (string, []Citation) {
	state := newBindState(set)
	return b.rewrite(answer, state), state.citations
}

type bindState struct {
	set       EvidenceSet
	seen      map[int]bool
	citations []Citation
}

func newBindState(set EvidenceSet) *bindState {
	return &bindState{set: set, seen: make(map[int]bool)}
}

// rewrite processes complete text and appends newly resolved citations to state.
func (b *CitationBinder) rewrite(text string, state *bindState) string {
	return markerPattern.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		chunk, ok := state.set.ByMarker(n)
		if err != nil || !ok {
			b.logger.Warn("removing unresolved citation marker",
				zap.String("marker", m),
				zap.Int("evidence_count", state.set.Len()))
			if b.OnUnresolved != nil {
				b.OnUnresolved(m)
			}
			return ""
		}
		if !state.seen[n] {
			state.seen[n] = true
			state.citations = append(state.citations, Citation{
				Marker:      n,
				ChunkID:     chunk.ChunkID,
				DocumentID:  chunk.DocumentID,
				SectionPath: chunk.SectionPath,
			})
		}
		return m
	})
}

// StreamBinder applies Bind incrementally to stream deltas. A trailing
// "[" or "[12" is held back until the next delta decides whether it is a
// marker, so the concatenated output equals Bind over the full answer.
type StreamBinder struct {
	binder  *CitationBinder
	state   *bindState
	pending string
}

// NewStream starts incremental binding against set.
func (b *CitationBinder) NewStream(set EvidenceSet) *StreamBinder {
	return &StreamBinder{binder: b, state: newBindState(set)}
}

// Push consumes a delta and returns the text safe to emit along with any
// citations resolved for the first time.
func (s *StreamBinder) Push(delta string) (string, []Citation) {
	buf := s.pending + delta
	s.pending = ""
	if loc := partialPattern.FindStringIndex(buf); loc != nil {
		s.pending = buf[loc[0]:]
		buf = buf[:loc[0]]
	}
	return s.process(buf)
}

// Flush emits whatever is held back once the stream has ended.
func (s *StreamBinder) Flush() (string, []Citation) {
	buf := s.pending
	s.pending = ""
	return s.process(buf)
}

// Citations returns every citation resolved so far.
func (s *StreamBinder) Citations() []Citation {
	return append([]Citation(nil), s.state.citations...)
}

func (s *StreamBinder) process(buf string) (string, []Citation) {
	if buf == "" {
		return "", nil
	}
	before := len(s.state.citations)
	out := s.binder.rewrite(buf, s.state)
	var fresh []Citation
	if len(s.state.citations) > before {
		fresh = append(fresh, s.state.citations[before:]...)
	}
	return out, fresh
}

