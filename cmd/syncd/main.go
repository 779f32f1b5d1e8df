package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collab/syncd/internal/access"
	"collab/syncd/internal/app"
	"collab/syncd/internal/blobstore"
	"collab/syncd/internal/clientid"
	"collab/syncd/internal/compaction"
	"collab/syncd/internal/config"
	"collab/syncd/internal/history"
	"collab/syncd/internal/hub"
	"collab/syncd/internal/search"
	"collab/syncd/internal/store"
	"collab/syncd/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("syncd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		db, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(db), nil
	default:
		db, err = store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(db), nil
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer dataStore.Close()
	if err := dataStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	checks := map[string]app.Pinger{}

	var (
		backend clientid.Backend
		bus     hub.Bus
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		redisBackend := clientid.NewRedisBackendWithClient(client, logger)
		backend = redisBackend
		bus = hub.NewRedisBus(client, logger)
		checks["redis"] = redisBackend
		logger.Info("using redis for client ids and cross-node relay")
	} else {
		if err := os.MkdirAll(cfg.ClientIDDir, 0o755); err != nil {
			return fmt.Errorf("create client id dir: %w", err)
		}
		local, err := clientid.OpenLocalBackend(cfg.ClientIDDir, logger)
		if err != nil {
			return fmt.Errorf("open client id pool: %w", err)
		}
		defer local.Close()
		backend = local
		logger.Info("using local client id pool, single node mode", slog.String("dir", cfg.ClientIDDir))
	}

	var checker access.Checker = access.RoleChecker{Restricted: cfg.RestrictedPrefixes}
	switch {
	case cfg.AuthDisabled:
		checker = access.AllowAll{}
		logger.Warn("authentication disabled, every caller may edit every document")
	case cfg.AccessURL != "":
		checker = access.NewRemote(cfg.AccessURL, logger, access.WithCache(access.DefaultCacheSize, cfg.AccessCacheTTL))
	}

	hubOpts := []hub.Option{
		hub.WithClientIDs(clientid.New(backend, logger)),
		hub.WithSyncTimeout(cfg.SyncTimeout),
		hub.WithOutboundQueue(cfg.OutboundQueue),
		hub.WithMaxDecodeErrors(cfg.MaxDecodeErrors),
		hub.WithPersistRetries(cfg.PersistRetries),
		hub.WithAwareness(cfg.AwarenessTimeout, cfg.AwarenessInterval),
		hub.WithNode(cfg.Node),
	}
	if bus != nil {
		hubOpts = append(hubOpts, hub.WithBus(bus))
	}
	syncHub := hub.New(dataStore, checker, logger, hubOpts...)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logger)

	sinks := []compaction.Sink{compaction.SearchSink{Search: searchService}}
	var historyService *history.Service
	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return fmt.Errorf("create repos dir: %w", err)
		}
		historyService = history.New(cfg.ReposDir, "syncd")
		sinks = append(sinks, compaction.HistorySink{History: historyService})
	}
	if cfg.ArchiveEnabled() {
		archive, err := blobstore.New(blobstore.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("snapshot archive: %w", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			logger.Warn("snapshot archive bucket check failed", slog.String("error", err.Error()))
		}
		sinks = append(sinks, compaction.ArchiveSink{Archive: archive})
	}
	compactor := compaction.New(dataStore, logger,
		compaction.WithSinks(sinks...),
		compaction.WithMinRecords(cfg.CompactionMinRecords),
		compaction.WithInterval(cfg.CompactionInterval),
	)

	service := app.NewService(app.Options{
		Hub:          syncHub,
		Log:          dataStore,
		Access:       checker,
		Compactor:    compactor,
		History:      historyService,
		Search:       searchService,
		Checks:       checks,
		AuthDisabled: cfg.AuthDisabled,
		JWTSecret:    cfg.JWTSecret,
		SyncToken:    cfg.SyncToken,
		CORSOrigin:   cfg.CORSOrigin,
		Logger:       logger,
	})
	syncServer := transport.NewServer(syncHub, transport.Config{
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		ReadLimit:      int64(cfg.ReadLimit),
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, syncServer).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("syncd listening", slog.String("addr", cfg.Addr), slog.String("node", syncHub.Node()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return compactor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Close sync connections first so the hub flushes every room.
		if err := syncHub.Shutdown(shutdownCtx); err != nil {
			logger.Error("hub shutdown left unflushed updates", slog.String("error", err.Error()))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
