package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValidForMemoryStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DocStoreType = "memory"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "ai-proxy-message", cfg.MessagesIndex)
	require.Equal(t, "ai-proxy-conversations", cfg.ConversationsIndex)
}

func TestValidate_RequiresDBURLForRemoteStores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DocStoreType = "mongo"
	require.ErrorContains(t, cfg.Validate(), "--db-url")

	cfg.DBURL = "mongodb://localhost:27017"
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsSameIndexForSourceAndTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DocStoreType = "memory"
	cfg.ConversationsIndex = cfg.MessagesIndex
	require.ErrorContains(t, cfg.Validate(), "must differ")
}

func TestValidate_RejectsNonPositiveBatchSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DocStoreType = "memory"
	cfg.ScanPageSize = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DocStoreType = "memory"
	cfg.BulkBatchSize = -1
	require.Error(t, cfg.Validate())
}

func TestFromContext_RoundTrip(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))

	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}
