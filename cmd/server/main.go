// Throttler Server
//
// Features:
// - Sandboxed file tree browsing, upload, download (with ranges)
// - Move/copy/rename with conflict policies, bulk operations
// - Recoverable delete (trash) with retention
// - Name search, image thumbnails
// - SSE change notifications (API and host filesystem)
// - Prometheus metrics & structured logging (zap)
// - Optional JWT auth, rate limiting, TLS
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/markpippins/throttler/internal/api"
	"github.com/markpippins/throttler/internal/auth"
	"github.com/markpippins/throttler/internal/config"
	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/logging"
	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/internal/ratelimit"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/search"
	"github.com/markpippins/throttler/internal/thumbs"
	"github.com/markpippins/throttler/internal/trash"
	"github.com/markpippins/throttler/internal/watcher"
	"github.com/markpippins/throttler/pkg/cache"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Throttler server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.RootPath),
		zap.Bool("read_only", cfg.ReadOnly))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sandbox and file operations
	sb, err := sandbox.New(cfg.RootPath, sandbox.Options{
		CreateRoot:     cfg.CreateRoot,
		FollowSymlinks: cfg.FollowSymlinks,
	})
	if err != nil {
		logging.Fatal("sandbox init failed", zap.Error(err))
	}

	var (
		bin      *trash.Bin
		binStore fsops.Trash
	)
	if cfg.TrashEnabled {
		if bin, err = trash.New(sb); err != nil {
			logging.Fatal("trash init failed", zap.Error(err))
		}
		binStore = bin
		logging.Info("trash enabled",
			zap.String("dir", bin.Dir()),
			zap.Duration("retention", cfg.TrashRetention))
	}
	store := fsops.New(sb, binStore)

	searcher := search.New(store, cfg.SearchWorkers, cfg.SearchMaxResults)

	// Thumbnail cache (optional)
	var thumbCache *cache.Cache
	if cfg.ThumbCacheDir != "" {
		if thumbCache, err = cache.New(cfg.ThumbCacheDir, cfg.ThumbCacheSize); err != nil {
			logging.Fatal("thumbnail cache init failed", zap.Error(err))
		}
		size, maxSize, count := thumbCache.Stats()
		logging.Info("thumbnail cache ready",
			zap.String("dir", thumbCache.Dir()),
			zap.Int64("size", size),
			zap.Int64("max_size", maxSize),
			zap.Int("entries", count))
	}
	thumbService := thumbs.NewService(store, thumbCache)

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()
	logging.Info("SSE broadcaster initialized")

	// Host filesystem watcher (optional)
	if cfg.WatchEnabled {
		w, err := watcher.New(store, broadcaster, cfg.WatchDebounce)
		if err != nil {
			logging.Fatal("watcher init failed", zap.Error(err))
		}
		if err := w.Start(ctx); err != nil {
			logging.Fatal("watcher start failed", zap.Error(err))
		}
		defer w.Stop()
	}

	// Auth (optional)
	var authHandler *auth.Auth
	if cfg.AuthEnabled() {
		authHandler = auth.New(cfg.JWTSecret, cfg.AuthUsername, cfg.AuthPasswordHash, cfg.AuthTokenTTL)
		logging.Info("JWT auth enabled", zap.String("user", cfg.AuthUsername))
	} else {
		logging.Warn("auth disabled: JWT_SECRET not set")
	}

	rateLimiter := ratelimit.New(cfg.RateLimitRPM)
	if rateLimiter.Enabled() {
		logging.Info("rate limiter initialized", zap.Int("rpm", cfg.RateLimitRPM))
	}

	// Create API server
	srv := api.NewServer(api.Deps{
		Store:       store,
		Trash:       bin,
		Search:      searcher,
		Thumbs:      thumbService,
		Broadcaster: broadcaster,
		Auth:        authHandler,
		Limiter:     rateLimiter,
	}, api.Options{
		MaxUploadSize: cfg.MaxUploadSize,
		ReadOnly:      cfg.ReadOnly,
		CORSOrigins:   cfg.CORSOrigins,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSEnabled()
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		// Event streams never finish on their own.
		broadcaster.Close()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("graceful shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Start periodic cleanup of idle rate limiter buckets
	if rateLimiter.Enabled() {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := rateLimiter.Cleanup(time.Hour); n > 0 {
						logging.Debug("rate limiter buckets cleaned", zap.Int("count", n))
					}
				}
			}
		}()
	}

	// Start periodic trash auto-purge
	if bin != nil && cfg.TrashRetention > 0 {
		go func() {
			purge := func() {
				n, err := bin.PurgeExpired(ctx, cfg.TrashRetention)
				metrics.RecordTrashPurged(n)
				if err != nil {
					logging.Error("trash auto-purge failed", zap.Error(err))
					return
				}
				if n > 0 {
					logging.Info("trash auto-purge completed", zap.Int("purged", n))
				}
			}

			purge()
			ticker := time.NewTicker(6 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					purge()
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}

	// Let in-flight requests drain before the deferred cleanup runs.
	<-stopped
	logging.Info("server stopped")
}
