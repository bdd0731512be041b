// threatmap - Real-time cyber threat map pipeline.
//
// Ingests the live attack stream and the malicious-IP snapshot, releases
// attacks at a steady pace, and serves the map state over HTTP.
//
// Usage:
//
//	threatmap --stream-url=http://localhost:5000/threats --redis=redis://localhost:6379
//
// Every flag can also be set from the environment (THREATMAP_STREAM_URL,
// THREATMAP_REDIS, ...) or from a .env file in the working directory.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hervehildenbrand/threatmap/pkg/config"
	"github.com/hervehildenbrand/threatmap/pkg/database"
	"github.com/hervehildenbrand/threatmap/pkg/display"
	"github.com/hervehildenbrand/threatmap/pkg/logging"
	"github.com/hervehildenbrand/threatmap/pkg/metrics"
	"github.com/hervehildenbrand/threatmap/pkg/normalize"
	"github.com/hervehildenbrand/threatmap/pkg/pipeline"
	"github.com/hervehildenbrand/threatmap/pkg/publish"
	"github.com/hervehildenbrand/threatmap/pkg/server"
	"github.com/hervehildenbrand/threatmap/pkg/snapshot"
	"github.com/hervehildenbrand/threatmap/pkg/stream"
)

func main() {
	loaded, envErr := config.LoadEnvFiles()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.NewLogger("info").WithError(err).Fatal("Invalid configuration")
	}

	logger := logging.NewLoggerWithService("threatmap", cfg.LogLevel)
	if envErr != nil {
		logger.WithError(envErr).Warn("Failed to load .env file")
	}
	if len(loaded) > 0 {
		logger.WithField("files", loaded).Debug("Loaded environment files")
	}
	logger.Info("threatmap starting...")

	allowed, err := cfg.SeveritySet()
	if err != nil {
		logger.WithError(err).Fatal("Invalid severity filter")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Connect to Redis (optional)
	var publisher publish.Publisher = publish.Nop{}
	var redisPublisher *publish.RedisPublisher
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid Redis URL")
		} else {
			redisClient = redis.NewClient(opt)
			if err := redisClient.Ping(context.Background()).Err(); err != nil {
				logger.WithError(err).Warn("Redis connection failed, publishing disabled")
				redisClient.Close()
				redisClient = nil
			} else {
				redisPublisher = publish.NewRedisPublisher(redisClient, logger, m)
				redisPublisher.Start()
				publisher = redisPublisher
				logger.WithField("redis", opt.Addr).Info("Connected to Redis")
			}
		}
	}

	// Country enrichment (optional - multiple sources supported)
	// Priority: CSV file > Database > built-in names
	var resolvers []database.CountryResolver
	if cfg.CountryData != "" {
		fileResolver, err := database.NewFileResolver(cfg.CountryData, logger)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.CountryData).Warn("Failed to load country data")
		} else {
			resolvers = append(resolvers, fileResolver)
			logger.WithFields(logging.Fields{"path": cfg.CountryData, "countries": fileResolver.Count()}).Info("Using file-based country resolver")
		}
	}
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Warn("Country database connection failed")
		} else {
			resolvers = append(resolvers, database.NewDatabaseResolver(db, "", logger))
			logger.Info("Using database country resolver")
		}
	}
	if cfg.ResolveCountries {
		resolvers = append(resolvers, database.NewBuiltinResolver())
	}

	normalizerOpts := []normalize.Option{}
	var resolver database.CountryResolver = database.NewNullResolver()
	if len(resolvers) > 0 {
		resolver = database.NewChainResolver(resolvers...)
		normalizerOpts = append(normalizerOpts, normalize.WithCountryResolver(resolver))
	} else {
		logger.Info("No country resolver configured - missing fields keep sentinel values")
	}
	resolver.Start()

	// GeoIP (optional)
	var locator *snapshot.GeoIPLocator
	if cfg.GeoIPDB != "" {
		locator, err = snapshot.OpenGeoIP(cfg.GeoIPDB)
		if err != nil {
			logger.WithError(err).Warn("GeoIP disabled")
			locator = nil
		} else {
			normalizerOpts = append(normalizerOpts, normalize.WithIPLocator(locator))
			logger.WithField("path", cfg.GeoIPDB).Info("Using GeoIP locator for snapshot IPs")
		}
	}

	normalizer := normalize.New(normalizerOpts...)

	fetcher := snapshot.NewFetcher(snapshot.Config{
		URL:            cfg.SnapshotURL,
		RetryDelay:     cfg.SnapshotRetryDelay,
		AttemptTimeout: cfg.SnapshotTimeout,
		Normalizer:     normalizer,
		Logger:         logger,
		Metrics:        m,
	})

	buffer := display.New(cfg.AnimatingCap, display.WithHistoryCap(cfg.HistoryCap), display.WithMetrics(m))

	session := pipeline.New(pipeline.Config{
		Stream: stream.Config{
			URL:        cfg.StreamURL,
			Normalizer: normalizer,
		},
		Snapshots:        fetcher,
		SnapshotRetries:  cfg.SnapshotRetries,
		SnapshotRefresh:  cfg.SnapshotRefresh,
		DispatchInterval: cfg.DispatchInterval,
		ReconnectMin:     cfg.ReconnectMin,
		ReconnectMax:     cfg.ReconnectMax,
		Buffer:           buffer,
		Publisher:        publisher,
		Logger:           logger,
		Metrics:          m,
	}, allowed)
	session.Start()

	// HTTP API
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(buffer, session, registry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("listen", cfg.Listen).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
		}
	}()

	// Start stats logger
	statsDone := make(chan struct{})
	if cfg.StatsInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.StatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					stats := session.Stats()
					logger.WithFields(logging.Fields{
						"stream_state": stats["stream_state"],
						"batches":      stats["batches"],
						"reconnects":   stats["reconnects"],
						"buffer":       stats["buffer"],
						"fetcher":      fetcher.Stats(),
					}).Info("STATS")
				case <-statsDone:
					return
				}
			}
		}()
	}

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	close(statsDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown failed")
	}

	session.Close()

	// Stop publisher (flushes queued messages)
	if redisPublisher != nil {
		redisPublisher.Stop()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	resolver.Stop()
	if db != nil {
		db.Close()
	}
	if locator != nil {
		locator.Close()
	}

	logger.Info("Shutdown complete")
}
