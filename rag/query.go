package rag

import (
	"slices"
	"strings"
)

// SectionSeparator joins section path segments in their encoded form.
const SectionSeparator = "/"

// SectionPath locates a chunk inside a document's hierarchy, e.g.
// ["block_9", "table_2"]. Segments are compared whole, never as substrings.
type SectionPath []string

// ParseSectionPath splits an encoded path. Empty segments are dropped.
func ParseSectionPath(encoded string) SectionPath {
	var out SectionPath
	for _, seg := range strings.Split(encoded, SectionSeparator) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// String returns the encoded form, e.g. "block_9/table_2".
func (p SectionPath) String() string {
	return strings.Join(p, SectionSeparator)
}

// HasPrefix reports whether prefix is a segment-wise prefix of p.
// An empty prefix matches every path.
func (p SectionPath) HasPrefix(prefix SectionPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, seg := range prefix {
		if p[i] != seg {
			return false
		}
	}
	return true
}

// ContainsAny reports whether any segment of p is in segs.
func (p SectionPath) ContainsAny(segs []string) bool {
	for _, seg := range p {
		if slices.Contains(segs, seg) {
			return true
		}
	}
	return false
}

// Parent returns p without its last segment.
func (p SectionPath) Parent() SectionPath {
	if len(p) <= 1 {
		return nil
	}
	return slices.Clone(p[:len(p)-1])
}

// Prefixes returns the encoded form of every non-empty prefix of p,
// shortest first. Stores index this list for keyword prefix lookups.
func (p SectionPath) Prefixes() []string {
	out := make([]string, 0, len(p))
	for i := 1; i <= len(p); i++ {
		out = append(out, p[:i].String())
	}
	return out
}

// SectionMode selects how a SectionFilter matches chunk paths.
type SectionMode string

const (
	// SectionAny matches chunks whose path contains any of the given segments.
	SectionAny SectionMode = "any"
	// SectionPrefix matches chunks whose path starts with the given segments.
	SectionPrefix SectionMode = "prefix"
)

// SectionFilter restricts retrieval to part of the document hierarchy.
// For SectionAny, Segments is an unordered set; for SectionPrefix it is
// the ordered prefix.
type SectionFilter struct {
	Mode     SectionMode `json:"mode"`
	Segments []string    `json:"segments"`
}

// Matches reports whether path satisfies the filter. A nil filter matches everything.
func (f *SectionFilter) Matches(path SectionPath) bool {
	if f == nil || len(f.Segments) == 0 {
		return true
	}
	switch f.Mode {
	case SectionPrefix:
		return path.HasPrefix(f.Segments)
	default:
		return path.ContainsAny(f.Segments)
	}
}

// Query is one question scoped to a tenant. Build it with NewQuery; the
// slices it holds are private copies so a Query can be shared read-only.
type Query struct {
	Text        string
	TenantID    string
	UserID      string
	GroupIDs    []string
	DocumentIDs []string
	Section     *SectionFilter
	TopK        int
	Language    string
}

// NewQuery returns a Query whose slices do not alias the caller's.
func NewQuery(q Query) Query {
	q.Text = strings.TrimSpace(q.Text)
	q.TenantID = strings.TrimSpace(q.TenantID)
	q.GroupIDs = slices.Clone(q.GroupIDs)
	q.DocumentIDs = slices.Clone(q.DocumentIDs)
	if q.Section != nil {
		q.Section = &SectionFilter{Mode: q.Section.Mode, Segments: slices.Clone(q.Section.Segments)}
	}
	return q
}

// Filter is the conjunctive metadata filter sent to a Store.
type Filter struct {
	TenantID    string
	DocumentIDs []string
	GroupIDs    []string
	Section     *SectionFilter
}

// FilterFor derives the store filter for q.
func FilterFor(q Query) Filter {
	return Filter{
		TenantID:    q.TenantID,
		DocumentIDs: q.DocumentIDs,
		GroupIDs:    q.GroupIDs,
		Section:     q.Section,
	}
}

// Matches applies every clause of f to a stored chunk.
func (f Filter) Matches(c StoredChunk) bool {
	if c.TenantID != f.TenantID {
		return false
	}
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, c.DocumentID) {
		return false
	}
	if !f.groupsAllow(c.Groups) {
		return false
	}
	return f.Section.Matches(c.SectionPath)
}

// groupsAllow admits unrestricted chunks and chunks sharing a group with
// the caller. Restricted chunks are hidden from callers without groups.
func (f Filter) groupsAllow(groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if slices.Contains(f.GroupIDs, g) {
			return true
		}
	}
	return false
}
