package memory

import (
	"context"
	"testing"

	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore/docstoretest"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) registrydocstore.DocumentStore {
		return New()
	})
}

func TestBulkIndex_RejectsNonObjectsPerItem(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateIndex(ctx, "idx", registrydocstore.Schema{}))

	resp, err := s.BulkIndex(ctx, "idx", []registrydocstore.BulkItem{
		{ID: "ok", Document: map[string]any{"a": 1}},
		{ID: "bad", Document: []int{1, 2}},
		{ID: "", Document: map[string]any{"a": 2}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Indexed)
	require.Len(t, resp.Errors, 2)
	require.Equal(t, "bad", resp.Errors[0].ID)
}

func TestSchemaIsRecorded(t *testing.T) {
	ctx := context.Background()
	s := New()
	schema := registrydocstore.Schema{Fields: map[string]registrydocstore.FieldType{"username": registrydocstore.FieldKeyword}, Shards: 1}
	require.NoError(t, s.CreateIndex(ctx, "idx", schema))

	got, ok := s.Schema("idx")
	require.True(t, ok)
	require.Equal(t, schema, got)
}

func TestRegistered(t *testing.T) {
	loader, err := registrydocstore.Select("memory")
	require.NoError(t, err)
	store, err := loader(context.Background())
	require.NoError(t, err)
	require.IsType(t, &Store{}, store)
}
