package serve

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
	docstoremetrics "github.com/chirino/ai-proxy-monitor/internal/plugin/docstore/metrics"
	registrycache "github.com/chirino/ai-proxy-monitor/internal/registry/cache"
	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	registrylock "github.com/chirino/ai-proxy-monitor/internal/registry/lock"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/cache/local"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/cache/noop"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/cache/redis"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/docstore/memory"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/docstore/mongo"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/docstore/postgres"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/lock/local"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/lock/none"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/lock/redis"
	_ "github.com/chirino/ai-proxy-monitor/internal/plugin/route/system"
)

// BackendFlags are the flags shared by every command that talks to the
// document store: serve, sync and init.
func BackendFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_DB_KIND"),
			Destination: &cfg.DocStoreType,
			Value:       cfg.DocStoreType,
			Usage:       "Document store (" + strings.Join(registrydocstore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_DB_URL", "ES_NODE"),
			Destination: &cfg.DBURL,
			Usage:       "Document store connection URL (not needed for --db-kind memory)",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Database:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Mongo database holding one collection per index",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Indexes ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "messages-index",
			Category:    "Indexes:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_MESSAGES_INDEX", "ES_INDEX"),
			Destination: &cfg.MessagesIndex,
			Value:       cfg.MessagesIndex,
			Usage:       "Index holding the proxied request/response messages",
		},
		&cli.StringFlag{
			Name:        "conversations-index",
			Category:    "Indexes:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_CONVERSATIONS_INDEX"),
			Destination: &cfg.ConversationsIndex,
			Value:       cfg.ConversationsIndex,
			Usage:       "Index holding the derived conversation summaries",
		},

		// ── Sync ──────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "scan-page-size",
			Category:    "Sync:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_SCAN_PAGE_SIZE"),
			Destination: &cfg.ScanPageSize,
			Value:       cfg.ScanPageSize,
			Usage:       "Documents read per cursor page while syncing",
		},
		&cli.IntFlag{
			Name:        "bulk-batch-size",
			Category:    "Sync:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_BULK_BATCH_SIZE"),
			Destination: &cfg.BulkBatchSize,
			Value:       cfg.BulkBatchSize,
			Usage:       "Conversation summaries written per bulk request",
		},
		&cli.StringFlag{
			Name:        "sync-lock-kind",
			Category:    "Sync:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_SYNC_LOCK_KIND"),
			Destination: &cfg.SyncLockType,
			Value:       cfg.SyncLockType,
			Usage:       "How concurrent syncs are serialized (" + strings.Join(registrylock.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "sync-lock-ttl",
			Category:    "Sync:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_SYNC_LOCK_TTL"),
			Destination: &cfg.SyncLockTTL,
			Value:       cfg.SyncLockTTL,
			Usage:       "Lease of a distributed sync lock, renewed while a run holds it; bounds how long a crashed holder blocks others",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Stats cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "How long dashboard and user lists are cached",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL used by the redis cache and sync lock",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("AI_PROXY_MONITOR_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

// Prepare validates cfg and applies logging and metrics settings.
func Prepare(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := monitoring.ConfigureLogging(cfg.LogLevel); err != nil {
		return err
	}
	metricsLabels, err := monitoring.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	monitoring.InitMetrics(metricsLabels)
	return nil
}

// OpenStore loads the configured document store wrapped with latency metrics.
// cfg must already be attached to ctx.
func OpenStore(ctx context.Context, cfg *config.Config) (registrydocstore.DocumentStore, error) {
	loader, err := registrydocstore.Select(cfg.DocStoreType)
	if err != nil {
		return nil, err
	}
	store, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}
	return docstoremetrics.Wrap(store), nil
}

// OpenLocker loads the configured sync lock.
func OpenLocker(ctx context.Context, cfg *config.Config) (registrylock.Locker, error) {
	loader, err := registrylock.Select(cfg.SyncLockType)
	if err != nil {
		return nil, err
	}
	locker, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync lock: %w", err)
	}
	return locker, nil
}

// OpenCache loads the configured stats cache. The service works without a
// cache, so failures are logged and nil is returned.
func OpenCache(ctx context.Context, cfg *config.Config) registrycache.StatsCache {
	loader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
		return nil
	}
	statsCache, err := loader(ctx)
	if err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		return nil
	}
	return statsCache
}
