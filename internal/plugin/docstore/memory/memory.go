// Package memory is an in-process DocumentStore. Documents are held as JSON
// in maps guarded by a single mutex; it backs unit tests and local demos.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
)

func init() {
	registrydocstore.Register(registrydocstore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrydocstore.DocumentStore, error) {
			return New(), nil
		},
	})
}

type index struct {
	schema registrydocstore.Schema
	docs   map[string]json.RawMessage
}

// Store is the in-memory DocumentStore.
type Store struct {
	mu      sync.RWMutex
	indexes map[string]*index
}

// New returns an empty store.
func New() *Store {
	return &Store{indexes: map[string]*index{}}
}

var _ registrydocstore.DocumentStore = (*Store)(nil)

func (s *Store) IndexExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indexes[name]
	return ok, nil
}

func (s *Store) CreateIndex(_ context.Context, name string, schema registrydocstore.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[name]; ok {
		return &registrydocstore.IndexExistsError{Index: name}
	}
	s.indexes[name] = &index{schema: schema, docs: map[string]json.RawMessage{}}
	return nil
}

func (s *Store) DeleteIndex(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[name]; !ok {
		return registrydocstore.IndexNotFound(name)
	}
	delete(s.indexes, name)
	return nil
}

// Schema returns the schema an index was created with.
func (s *Store) Schema(name string) (registrydocstore.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return registrydocstore.Schema{}, false
	}
	return idx.schema, true
}

type decoded struct {
	id   string
	raw  json.RawMessage
	body map[string]any
}

// matching returns the decoded documents of an index that satisfy q, sorted.
func (s *Store) matching(name string, q registrydocstore.Query, sort []registrydocstore.SortField) ([]decoded, error) {
	if err := registrydocstore.ValidateQuery(q, sort); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil, registrydocstore.IndexNotFound(name)
	}
	var out []decoded
	for id, raw := range idx.docs {
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("memory store: corrupt document %s/%s: %w", name, id, err)
		}
		if registrydocstore.Matches(body, q) {
			out = append(out, decoded{id: id, raw: slices.Clone(raw), body: body})
		}
	}
	slices.SortFunc(out, func(a, b decoded) int {
		return registrydocstore.Compare(a.body, b.body, a.id, b.id, sort)
	})
	return out, nil
}

func hits(docs []decoded) []registrydocstore.Hit {
	out := make([]registrydocstore.Hit, len(docs))
	for i, d := range docs {
		out[i] = registrydocstore.Hit{ID: d.id, Source: d.raw}
	}
	return out
}

func (s *Store) Count(_ context.Context, name string, q registrydocstore.Query) (int64, error) {
	docs, err := s.matching(name, q, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (s *Store) Search(_ context.Context, name string, req registrydocstore.SearchRequest) (*registrydocstore.SearchResult, error) {
	docs, err := s.matching(name, req.Query, req.Sort)
	if err != nil {
		return nil, err
	}
	total := int64(len(docs))
	from := min(max(req.From, 0), len(docs))
	end := len(docs)
	if req.Size >= 0 {
		end = min(from+req.Size, len(docs))
	}
	return &registrydocstore.SearchResult{Hits: hits(docs[from:end]), Total: total}, nil
}

func (s *Store) Scan(ctx context.Context, name string, req registrydocstore.ScanRequest, fn registrydocstore.ScanFunc) error {
	docs, err := s.matching(name, req.Query, req.Sort)
	if err != nil {
		return err
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	for start := 0; start < len(docs); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+pageSize, len(docs))
		if err := fn(hits(docs[start:end])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(_ context.Context, name, id string) (*registrydocstore.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil, registrydocstore.IndexNotFound(name)
	}
	raw, ok := idx.docs[id]
	if !ok {
		return nil, &registrydocstore.NotFoundError{Resource: "document", ID: id}
	}
	return &registrydocstore.Hit{ID: id, Source: slices.Clone(raw)}, nil
}

func (s *Store) ExistsByID(_ context.Context, name, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return false, registrydocstore.IndexNotFound(name)
	}
	_, ok = idx.docs[id]
	return ok, nil
}

func (s *Store) Terms(_ context.Context, name, field string, q registrydocstore.Query, size int) ([]registrydocstore.TermBucket, error) {
	if err := registrydocstore.ValidateField(field); err != nil {
		return nil, err
	}
	docs, err := s.matching(name, q, nil)
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, d := range docs {
		v, ok := registrydocstore.Lookup(d.body, field)
		if !ok {
			continue
		}
		if key := registrydocstore.Scalar(v); key != "" {
			counts[key]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if size > 0 && len(keys) > size {
		keys = keys[:size]
	}
	out := make([]registrydocstore.TermBucket, len(keys))
	for i, k := range keys {
		out[i] = registrydocstore.TermBucket{Key: k, Count: counts[k]}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, name string) (*registrydocstore.IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil, registrydocstore.IndexNotFound(name)
	}
	stats := &registrydocstore.IndexStats{DocumentCount: int64(len(idx.docs))}
	for id, raw := range idx.docs {
		stats.SizeBytes += int64(len(id) + len(raw))
	}
	return stats, nil
}

func (s *Store) BulkIndex(_ context.Context, name string, items []registrydocstore.BulkItem) (*registrydocstore.BulkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil, registrydocstore.IndexNotFound(name)
	}
	resp := &registrydocstore.BulkResponse{}
	for _, item := range items {
		raw, err := encodeObject(item.Document)
		if err != nil {
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: err.Error()})
			continue
		}
		if item.ID == "" {
			resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: "document id is required"})
			continue
		}
		if current, ok := idx.docs[item.ID]; ok {
			merged, err := mergeObjects(current, raw)
			if err != nil {
				resp.Errors = append(resp.Errors, registrydocstore.BulkItemError{ID: item.ID, Reason: err.Error()})
				continue
			}
			raw = merged
		}
		idx.docs[item.ID] = raw
		resp.Indexed++
	}
	return resp, nil
}

func (s *Store) UpdateByID(_ context.Context, name, id string, partial map[string]any) error {
	patch, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("memory store: encode partial document: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return fmt.Errorf("memory store: decode partial document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[name]
	if !ok {
		return registrydocstore.IndexNotFound(name)
	}
	raw, ok := idx.docs[id]
	if !ok {
		return &registrydocstore.NotFoundError{Resource: "document", ID: id}
	}
	var current map[string]json.RawMessage
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("memory store: corrupt document %s/%s: %w", name, id, err)
	}
	for k, v := range fields {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return err
	}
	idx.docs[id] = merged
	return nil
}

func (s *Store) Close() error { return nil }

// mergeObjects overwrites the top-level fields of current with those of patch.
func mergeObjects(current, patch json.RawMessage) (json.RawMessage, error) {
	var fields, merged map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(current, &merged); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func encodeObject(doc any) (json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return raw, nil
}
