package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/internal/tlsutil"
)

// Prefix strategies for SectionPrefix filters.
const (
	// PrefixKeyword matches the encoded prefix against a keyword array
	// payload holding every prefix of the chunk path.
	PrefixKeyword = "keyword"
	// PrefixText uses a full-text match on the encoded path and verifies
	// segments client-side.
	PrefixText = "text"
	// PrefixClient sends no section clause; the store over-fetches and
	// the client filters.
	PrefixClient = "client"
)

// QdrantFields maps chunk attributes to payload keys.
type QdrantFields struct {
	Tenant          string `json:"tenant"`
	DocID           string `json:"doc_id"`
	ChunkID         string `json:"chunk_id"`
	SectionPath     string `json:"section_path"`
	SectionText     string `json:"section_text"`
	SectionPrefixes string `json:"section_prefixes"`
	Groups          string `json:"groups"`
	Content         string `json:"content"`
}

// DefaultQdrantFields returns the payload layout written by Upsert.
func DefaultQdrantFields() QdrantFields {
	return QdrantFields{
		Tenant:          "tenant",
		DocID:           "doc_id",
		ChunkID:         "chunk_id",
		SectionPath:     "section_path",
		SectionText:     "section_path_text",
		SectionPrefixes: "section_prefixes",
		Groups:          "groups",
		Content:         "content",
	}
}

// QdrantConfig configures the Qdrant Store implementation.
//
// Notes:
//   - Point IDs are UUIDs derived from the chunk id; the chunk id itself is
//     kept in the payload.
//   - Section segments are always re-checked client-side, so "block_9"
//     never matches "block_90" whatever the store-side strategy.
type QdrantConfig struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"api_key,omitempty"`
	Collection     string        `json:"collection"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	PrefixStrategy string        `json:"prefix_strategy,omitempty"`
	OverFetch      int           `json:"over_fetch,omitempty"`
	Fields         QdrantFields  `json:"fields"`

	Distance   string `json:"distance,omitempty"`    // Cosine (default), Dot, Euclid
	VectorSize int    `json:"vector_size,omitempty"` // Defaults to len(embedding)
}

// QdrantStore implements Store using Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	// ensureMu guards ensured; only a successful setup is remembered
	ensureMu sync.Mutex
	ensured  bool
}

// QdrantError is a non-2xx response or transport failure from Qdrant.
type QdrantError struct {
	Method     string
	Path       string
	StatusCode int // 0 for transport failures
	Body       string
	Err        error
}

func (e *QdrantError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("qdrant %s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("qdrant %s %s: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *QdrantError) Unwrap() error { return e.Err }

// Transient reports whether retrying the request may succeed.
func (e *QdrantError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewQdrantStore creates a Qdrant-backed Store.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:6333"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.PrefixStrategy == "" {
		cfg.PrefixStrategy = PrefixKeyword
	}
	if cfg.OverFetch < 1 {
		cfg.OverFetch = 4
	}
	cfg.Fields = withDefaultFields(cfg.Fields)

	return &QdrantStore{
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
}

func withDefaultFields(f QdrantFields) QdrantFields {
	d := DefaultQdrantFields()
	set := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	set(&f.Tenant, d.Tenant)
	set(&f.DocID, d.DocID)
	set(&f.ChunkID, d.ChunkID)
	set(&f.SectionPath, d.SectionPath)
	set(&f.SectionText, d.SectionText)
	set(&f.SectionPrefixes, d.SectionPrefixes)
	set(&f.Groups, d.Groups)
	set(&f.Content, d.Content)
	return f
}

var qdrantNamespace = uuid.MustParse("d9bde6d4-4f3a-4e6b-8f7a-5d8d2f3b4c1a")

func qdrantPointID(chunkID string) string {
	// Stable UUID derived from chunk ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String()
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return &QdrantError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &QdrantError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("qdrant %s %s: decode response: %w", method, path, err)
	}
	return nil
}

// EnsureCollection creates the collection and the payload indexes used by
// filters. Existing collections are left untouched.
func (s *QdrantStore) EnsureCollection(ctx context.Context, vectorSize int) error {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if s.cfg.VectorSize > 0 {
		vectorSize = s.cfg.VectorSize
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	path := fmt.Sprintf("/collections/%s", url.PathEscape(s.cfg.Collection))
	body := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": s.cfg.Distance},
	}
	err := s.doJSON(ctx, http.MethodPut, path, body, nil)
	// Qdrant returns 409 if collection exists.
	var qe *QdrantError
	if errors.As(err, &qe) && qe.StatusCode == http.StatusConflict {
		err = nil
	}
	if err != nil {
		return err
	}

	f := s.cfg.Fields
	indexes := []struct{ field, schema string }{
		{f.Tenant, "keyword"},
		{f.DocID, "keyword"},
		{f.SectionPath, "keyword"},
		{f.SectionPrefixes, "keyword"},
		{f.Groups, "keyword"},
		{f.SectionText, "text"},
	}
	for _, idx := range indexes {
		req := map[string]any{"field_name": idx.field, "field_schema": idx.schema}
		if err := s.doJSON(ctx, http.MethodPut, path+"/index?wait=true", req, nil); err != nil {
			return fmt.Errorf("create payload index %s: %w", idx.field, err)
		}
	}

	s.ensured = true
	return nil
}

// Ping checks that Qdrant is reachable and the collection exists.
func (s *QdrantStore) Ping(ctx context.Context) error {
	path := fmt.Sprintf("/collections/%s", url.PathEscape(s.cfg.Collection))
	return s.doJSON(ctx, http.MethodGet, path, nil, nil)
}

// Upsert writes chunks with the payload layout that Search filters on.
func (s *QdrantStore) Upsert(ctx context.Context, chunks ...StoredChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}

	vectorSize := len(chunks[0].Embedding)
	for i, c := range chunks {
		if c.ChunkID == "" || c.TenantID == "" {
			return fmt.Errorf("chunk[%d] requires chunk id and tenant", i)
		}
		if len(c.Embedding) == 0 || len(c.Embedding) != vectorSize {
			return fmt.Errorf("chunk[%d] embedding dimension mismatch: got=%d want=%d", i, len(c.Embedding), vectorSize)
		}
	}
	if err := s.EnsureCollection(ctx, vectorSize); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	f := s.cfg.Fields
	points := make([]point, 0, len(chunks))
	for _, c := range chunks {
		groups := c.Groups
		if groups == nil {
			groups = []string{}
		}
		points = append(points, point{
			ID:     qdrantPointID(c.ChunkID),
			Vector: c.Embedding,
			Payload: map[string]any{
				f.Tenant:          c.TenantID,
				f.DocID:           c.DocumentID,
				f.ChunkID:         c.ChunkID,
				f.SectionPath:     []string(c.SectionPath),
				f.SectionText:     c.SectionPath.String(),
				f.SectionPrefixes: c.SectionPath.Prefixes(),
				f.Groups:          groups,
				f.Content:         c.Text,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed", zap.Int("count", len(chunks)))
	return nil
}

type qdrantCondition = map[string]any

func matchValue(key string, v string) qdrantCondition {
	return qdrantCondition{"key": key, "match": map[string]any{"value": v}}
}

func matchAny(key string, vs []string) qdrantCondition {
	return qdrantCondition{"key": key, "match": map[string]any{"any": vs}}
}

// buildFilter translates f into a Qdrant filter. The second result tells
// whether section matching was left entirely to the client.
func (s *QdrantStore) buildFilter(f Filter) (map[string]any, bool) {
	fields := s.cfg.Fields
	must := []qdrantCondition{matchValue(fields.Tenant, f.TenantID)}

	if len(f.DocumentIDs) > 0 {
		must = append(must, matchAny(fields.DocID, f.DocumentIDs))
	}

	groupsEmpty := qdrantCondition{"is_empty": map[string]any{"key": fields.Groups}}
	if len(f.GroupIDs) > 0 {
		must = append(must, qdrantCondition{"should": []qdrantCondition{
			matchAny(fields.Groups, f.GroupIDs),
			groupsEmpty,
		}})
	} else {
		must = append(must, groupsEmpty)
	}

	clientOnly := false
	if sec := f.Section; sec != nil && len(sec.Segments) > 0 {
		switch sec.Mode {
		case SectionPrefix:
			encoded := SectionPath(sec.Segments).String()
			switch s.cfg.PrefixStrategy {
			case PrefixText:
				must = append(must, qdrantCondition{"key": fields.SectionText, "match": map[string]any{"text": encoded}})
			case PrefixClient:
				clientOnly = true
			default:
				must = append(must, matchValue(fields.SectionPrefixes, encoded))
			}
		default:
			must = append(must, matchAny(fields.SectionPath, sec.Segments))
		}
	}

	return map[string]any{"must": must}, clientOnly
}

// Search runs a filtered similarity search and re-checks every filter
// clause on the returned payloads.
func (s *QdrantStore) Search(ctx context.Context, vector []float64, filter Filter, limit int) ([]EvidenceChunk, error) {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if limit <= 0 {
		return []EvidenceChunk{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	if filter.TenantID == "" {
		return nil, fmt.Errorf("tenant filter is required")
	}

	qfilter, clientOnly := s.buildFilter(filter)
	fetch := limit
	if clientOnly || (filter.Section != nil && filter.Section.Mode == SectionPrefix && s.cfg.PrefixStrategy == PrefixText) {
		fetch = limit * s.cfg.OverFetch
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        fetch,
		"with_payload": true,
		"with_vector":  false,
		"filter":       qfilter,
	}

	type qdrantResult struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantResult `json:"result"`
		Status string         `json:"status"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]EvidenceChunk, 0, min(limit, len(resp.Result)))
	rejected := 0
	for _, r := range resp.Result {
		stored := s.decodePayload(r.Payload)
		if stored.ChunkID == "" {
			// Fallback to point ID if payload does not include chunk_id.
			stored.ChunkID = fmt.Sprint(r.ID)
		}
		if !filter.Matches(stored) {
			rejected++
			continue
		}
		out = append(out, EvidenceChunk{
			ChunkID:     stored.ChunkID,
			DocumentID:  stored.DocumentID,
			SectionPath: stored.SectionPath,
			Text:        stored.Text,
			Score:       r.Score,
			TenantID:    stored.TenantID,
		})
		if len(out) == limit {
			break
		}
	}

	if rejected > 0 {
		s.logger.Debug("qdrant results rejected by client-side filter",
			zap.Int("rejected", rejected),
			zap.String("prefix_strategy", s.cfg.PrefixStrategy))
	}
	return out, nil
}

func (s *QdrantStore) decodePayload(p map[string]any) StoredChunk {
	f := s.cfg.Fields
	c := StoredChunk{
		TenantID:   payloadString(p, f.Tenant),
		DocumentID: payloadString(p, f.DocID),
		ChunkID:    payloadString(p, f.ChunkID),
		Text:       payloadString(p, f.Content),
		Groups:     payloadStrings(p, f.Groups),
	}
	if segs := payloadStrings(p, f.SectionPath); len(segs) > 0 {
		c.SectionPath = segs
	} else if encoded := payloadString(p, f.SectionPath); encoded != "" {
		c.SectionPath = ParseSectionPath(encoded)
	} else {
		c.SectionPath = ParseSectionPath(payloadString(p, f.SectionText))
	}
	return c
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
