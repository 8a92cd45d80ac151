// Command ledge runs the cache proxy's HTTP front door (serve) or its
// background job pool (worker), mirroring the teacher's cobra-based
// cmd/server entrypoint shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/I90Runner/ledge/internal/collapse"
	"github.com/I90Runner/ledge/internal/config"
	"github.com/I90Runner/ledge/internal/httpserver"
	"github.com/I90Runner/ledge/internal/lifecycle"
	"github.com/I90Runner/ledge/internal/logging"
	"github.com/I90Runner/ledge/internal/origin"
	"github.com/I90Runner/ledge/internal/purge"
	"github.com/I90Runner/ledge/internal/store"
	"github.com/I90Runner/ledge/internal/worker"
	"github.com/I90Runner/ledge/internal/writer"

	"github.com/I90Runner/ledge/internal/blobstore"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "ledge",
		Short: "Ledge is an HTTP reverse-proxy cache with freshness and collapse semantics",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional)")

	root.AddCommand(serveCmd(), workerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP cache proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, redisStore, blobs, queue, err := bootstrap()
			if err != nil {
				return err
			}
			defer redisStore.Close()

			fetcher := origin.New(origin.Config{
				Host: cfg.Origin.Host, Port: cfg.Origin.Port,
				Scheme: cfg.Origin.Scheme, Timeout: cfg.Origin.Timeout,
			}, logger)
			w := writer.New(redisStore, blobs, logger)
			coordinator := collapse.New(redisStore, collapse.Config{
				LockTTL: cfg.Lock.LockTTL, FollowerWait: cfg.Lock.FollowerWait,
			}, logger)

			lc := lifecycle.New(redisStore, blobs, coordinator, fetcher, w, queue, lifecycle.Config{
				ServeWhenStale:         cfg.Cache.ServeWhenStale,
				CollapseOriginRequests: cfg.Cache.CollapseOriginRequests,
				KeepCacheFor:           cfg.Cache.KeepCacheFor,
				Hostname:               cfg.Server.Hostname,
			}, lifecycle.MultiSink{lifecycle.LogSink{Logger: logger}, lifecycle.MetricsSink{}}, logger)

			purgeCoord := purge.New(redisStore, blobs, queue, cfg.Purge.KeyspaceScanCount, logger)

			srv := httpserver.New(cfg.Server, lc, purgeCoord, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return srv.Shutdown(cfg.Server.GracefulShutdownTimeout)
			case err := <-errCh:
				return err
			}
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background job pool (purge scans, revalidation, entity GC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, redisStore, blobs, queue, err := bootstrap()
			if err != nil {
				return err
			}
			defer redisStore.Close()

			fetcher := origin.New(origin.Config{
				Host: cfg.Origin.Host, Port: cfg.Origin.Port,
				Scheme: cfg.Origin.Scheme, Timeout: cfg.Origin.Timeout,
			}, logger)
			w := writer.New(redisStore, blobs, logger)
			purgeCoord := purge.New(redisStore, blobs, queue, cfg.Purge.KeyspaceScanCount, logger)

			pool := worker.New(queue, redisStore, blobs, fetcher, w, purgeCoord, worker.Config{
				Concurrency:      cfg.Worker.Concurrency,
				PollInterval:     cfg.Worker.PollInterval,
				EntityGCInterval: cfg.Worker.EntityGCInterval,
				ServeWhenStale:   cfg.Cache.ServeWhenStale,
				KeepCacheFor:     cfg.Cache.KeepCacheFor,
			}, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting worker pool", "concurrency", cfg.Worker.Concurrency)
			pool.Run(ctx)
			return nil
		},
	}
}

// bootstrap loads configuration and wires the shared dependencies common
// to both subcommands: the store, blobstore, and job queue all sit on one
// Redis connection, following the teacher's single-client-per-process
// convention (cmd/server/main.go).
func bootstrap() (*config.Config, *slog.Logger, *store.RedisStore, blobstore.BlobStore, *worker.Queue, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Log)

	redisStore, err := store.NewRedisStore(store.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, logger)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}

	blobs := blobstore.NewRedisBlobStore(redisStore.Client(), logger)
	queue := worker.NewQueue(redisStore.Client(), logger)

	return cfg, logger, redisStore, blobs, queue, nil
}
