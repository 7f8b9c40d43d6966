package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	DefaultMessagesIndex      = "ai-proxy-message"
	DefaultConversationsIndex = "ai-proxy-conversations"
)

// Config holds all configuration for the monitor service.
type Config struct {
	// Document store backend: "mongo", "postgres" or "memory".
	DocStoreType string
	DBURL        string
	// DBName is the Mongo database holding one collection per index.
	DBName string

	// Indexes
	MessagesIndex      string
	ConversationsIndex string

	// Number of documents fetched per cursor page during sync scans.
	ScanPageSize int
	// Number of conversation summaries written per bulk request.
	BulkBatchSize int

	// Sync lock backend: "local", "redis" or "none".
	SyncLockType string
	SyncLockTTL  time.Duration

	// Stats cache backend: "local", "redis" or "none".
	CacheType string
	CacheTTL  time.Duration

	// Redis (shared by the redis cache and the redis sync lock)
	RedisURL string

	// Create the conversations index on startup.
	InitAtStart bool

	// Period between background syncs. Zero disables auto sync.
	AutoSyncInterval time.Duration

	// Maximum page size accepted by the paginated list endpoints.
	MaxPageSize int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	LogLevel string

	// Server
	Listener ListenerConfig
	// ManagementListener serves /health, /ready and /metrics on a dedicated
	// port when ManagementListenerEnabled is set.
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	ManagementAccessLog       bool
	CORSEnabled               bool
	CORSOrigins               string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DocStoreType:       "mongo",
		DBName:             "ai_proxy",
		MessagesIndex:      DefaultMessagesIndex,
		ConversationsIndex: DefaultConversationsIndex,
		ScanPageSize:       1000,
		BulkBatchSize:      500,
		SyncLockType:       "local",
		SyncLockTTL:        15 * time.Minute,
		CacheType:          "local",
		CacheTTL:           30 * time.Second,
		InitAtStart:        true,
		MaxPageSize:        1000,
		MetricsLabels:      "service=ai-proxy-monitor",
		LogLevel:           "info",
		Listener: ListenerConfig{
			Port:              3001,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			Port:              9090,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:    1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.MessagesIndex) == "" {
		return fmt.Errorf("messages index cannot be empty")
	}
	if strings.TrimSpace(c.ConversationsIndex) == "" {
		return fmt.Errorf("conversations index cannot be empty")
	}
	if c.MessagesIndex == c.ConversationsIndex {
		return fmt.Errorf("messages index and conversations index must differ (both %q)", c.MessagesIndex)
	}
	if c.DocStoreType != "memory" && strings.TrimSpace(c.DBURL) == "" {
		return fmt.Errorf("--db-url is required for db kind %q", c.DocStoreType)
	}
	if c.ScanPageSize <= 0 {
		return fmt.Errorf("scan page size must be positive, got %d", c.ScanPageSize)
	}
	if c.BulkBatchSize <= 0 {
		return fmt.Errorf("bulk batch size must be positive, got %d", c.BulkBatchSize)
	}
	if c.AutoSyncInterval < 0 {
		return fmt.Errorf("auto sync interval cannot be negative")
	}
	return nil
}
