package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// FieldType is the indexing type declared for a field in a Schema.
type FieldType string

const (
	FieldKeyword FieldType = "keyword"
	FieldDate    FieldType = "date"
	FieldInteger FieldType = "integer"
	FieldText    FieldType = "text"
)

// Schema declares the indexed fields of an index. Backends use it to build
// secondary indexes; fields not listed are still stored and queryable.
type Schema struct {
	Fields   map[string]FieldType `json:"fields"`
	Shards   int                  `json:"shards"`
	Replicas int                  `json:"replicas"`
}

// Hit is a single stored document together with its key.
type Hit struct {
	ID     string          `json:"id"`
	Source json.RawMessage `json:"source"`
}

// Decode unmarshals the document source into v.
func (h Hit) Decode(v any) error {
	return json.Unmarshal(h.Source, v)
}

// SearchRequest selects one page of matching documents.
type SearchRequest struct {
	Query Query
	Sort  []SortField
	From  int
	Size  int
}

// SearchResult is one page of hits plus the total number of matches.
type SearchResult struct {
	Hits  []Hit `json:"hits"`
	Total int64 `json:"total"`
}

// ScanRequest streams every matching document in PageSize pages.
type ScanRequest struct {
	Query    Query
	Sort     []SortField
	PageSize int
}

// ScanFunc receives each page of a scan. Returning an error stops the scan
// and is returned from Scan unchanged.
type ScanFunc func(page []Hit) error

// BulkItem is one document to merge-upsert under ID.
type BulkItem struct {
	ID       string
	Document any
}

// BulkItemError describes a single rejected document of a bulk write.
type BulkItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (e BulkItemError) String() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Reason)
}

// BulkResponse reports the outcome of every item in a bulk write.
type BulkResponse struct {
	Indexed int             `json:"indexed"`
	Errors  []BulkItemError `json:"errors,omitempty"`
}

// HasErrors reports whether any item was rejected.
func (r *BulkResponse) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// IndexStats holds the storage statistics of an index.
type IndexStats struct {
	DocumentCount int64 `json:"documentCount"`
	SizeBytes     int64 `json:"sizeBytes"`
}

// TermBucket is one distinct value of a field and the number of documents holding it.
type TermBucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DocumentStore is the document index capability used by the monitor.
//
// Read and write operations on a missing index return *NotFoundError with
// Resource "index". Only BulkIndex reports per-document failures without
// failing the call.
type DocumentStore interface {
	IndexExists(ctx context.Context, index string) (bool, error)
	// CreateIndex returns *IndexExistsError if the index already exists.
	CreateIndex(ctx context.Context, index string, schema Schema) error
	DeleteIndex(ctx context.Context, index string) error

	Count(ctx context.Context, index string, query Query) (int64, error)
	Search(ctx context.Context, index string, req SearchRequest) (*SearchResult, error)
	Scan(ctx context.Context, index string, req ScanRequest, fn ScanFunc) error
	Get(ctx context.Context, index, id string) (*Hit, error)
	ExistsByID(ctx context.Context, index, id string) (bool, error)
	// Terms returns the distinct values of field among matching documents,
	// ordered by key ascending, limited to size buckets.
	Terms(ctx context.Context, index, field string, query Query, size int) ([]TermBucket, error)
	Stats(ctx context.Context, index string) (*IndexStats, error)

	// BulkIndex upserts every item. The top-level fields of an item overwrite
	// those of a stored document with the same ID; fields it omits are kept.
	BulkIndex(ctx context.Context, index string, items []BulkItem) (*BulkResponse, error)
	// UpdateByID merges the top-level keys of partial into the stored document.
	UpdateByID(ctx context.Context, index, id string, partial map[string]any) error

	Close() error
}

// Loader creates a DocumentStore from config.
type Loader func(ctx context.Context) (DocumentStore, error)

// Plugin represents a document store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a document store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered document store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named document store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown document store %q; valid: %v", name, Names())
}
