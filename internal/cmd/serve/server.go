package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
	"github.com/chirino/ai-proxy-monitor/internal/plugin/route/conversations"
	"github.com/chirino/ai-proxy-monitor/internal/plugin/route/messages"
	syncroute "github.com/chirino/ai-proxy-monitor/internal/plugin/route/sync"
	routesystem "github.com/chirino/ai-proxy-monitor/internal/plugin/route/system"
	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	registryroute "github.com/chirino/ai-proxy-monitor/internal/registry/route"
	"github.com/chirino/ai-proxy-monitor/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrydocstore.DocumentStore
	Syncer     *service.Syncer
	Router     *gin.Engine
	Running    *Listener
	Management *Listener
	closers    []func() error
}

// Shutdown gracefully shuts down the listeners, then releases the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Management != nil {
		errs = append(errs, s.Management.Close(ctx))
	}
	errs = append(errs, s.Running.Close(ctx), s.closeBackends())
	return errors.Join(errs...)
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := Prepare(cfg); err != nil {
		return nil, err
	}
	log.Info("Starting ai-proxy-monitor",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DocStoreType,
		"cache", cfg.CacheType,
		"syncLock", cfg.SyncLockType,
		"messagesIndex", cfg.MessagesIndex,
		"conversationsIndex", cfg.ConversationsIndex,
	)
	ctx = config.WithContext(ctx, cfg)
	srv := &Server{Config: cfg}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv.Store = store
	srv.closers = append(srv.closers, store.Close)

	statsCache := OpenCache(ctx, cfg)
	srv.addCloser(statsCache)
	locker, err := OpenLocker(ctx, cfg)
	if err != nil {
		_ = srv.closeBackends()
		return nil, err
	}
	srv.addCloser(locker)

	syncer := service.NewSyncer(store, cfg, locker, statsCache)
	risk := service.NewRiskUpdater(store, cfg, statsCache)
	srv.Syncer = syncer

	if cfg.InitAtStart {
		// The messages store may still be starting; sync retries creation.
		if res, err := syncer.Initialize(ctx); err != nil {
			log.Warn("Failed to initialize conversations index", "err", err)
		} else {
			log.Info(res.Message, "index", cfg.ConversationsIndex)
		}
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(monitoring.AccessLogMiddleware())
	} else {
		router.Use(monitoring.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(monitoring.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(newCORSPolicy(cfg.CORSOrigins).middleware())
	}
	srv.Router = router

	if err := registryroute.Mount(router, registryroute.API); err != nil {
		_ = srv.closeBackends()
		return nil, err
	}
	conversations.MountRoutes(router, store, cfg, risk)
	messages.MountRoutes(router, store, cfg, statsCache)
	syncroute.MountRoutes(router, syncer)

	routesystem.SetReadinessCheck(func(ctx context.Context) error {
		_, err := store.IndexExists(ctx, cfg.MessagesIndex)
		return err
	})

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router.
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(monitoring.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter, registryroute.Management); err != nil {
			_ = srv.closeBackends()
			return nil, err
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		if !mgmtCfg.EnablePlainText && !mgmtCfg.EnableTLS {
			mgmtCfg.EnablePlainText = true
		}
		srv.Management, err = Listen(mgmtCfg, mgmtRouter)
		if err != nil {
			_ = srv.closeBackends()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "port", srv.Management.Port)
	} else if err := registryroute.Mount(router, registryroute.Management); err != nil {
		_ = srv.closeBackends()
		return nil, err
	}

	srv.Running, err = Listen(cfg.Listener, router)
	if err != nil {
		if srv.Management != nil {
			_ = srv.Management.Close(ctx)
		}
		_ = srv.closeBackends()
		return nil, err
	}
	log.Info("Server listening",
		"port", srv.Running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	go service.NewAutoSync(syncer, cfg.AutoSyncInterval).Start(ctx)

	routesystem.MarkReady()
	return srv, nil
}

func (s *Server) closeBackends() error {
	var errs []error
	for _, closeFn := range s.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

// addCloser registers v for release on shutdown when it holds resources.
func (s *Server) addCloser(v any) {
	switch c := v.(type) {
	case interface{ Close() error }:
		s.closers = append(s.closers, c.Close)
	case interface{ Close() }:
		s.closers = append(s.closers, func() error { c.Close(); return nil })
	}
}
