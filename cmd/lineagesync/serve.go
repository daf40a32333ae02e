package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/lineagesync/internal/checkpoint"
	"github.com/agentworkforce/lineagesync/internal/config"
	"github.com/agentworkforce/lineagesync/internal/feed"
	"github.com/agentworkforce/lineagesync/internal/graph"
	"github.com/agentworkforce/lineagesync/internal/httpapi"
	"github.com/agentworkforce/lineagesync/internal/lineage"
	"github.com/agentworkforce/lineagesync/internal/membership"
	"github.com/agentworkforce/lineagesync/internal/query"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine, the feed client and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// feedRunner is a running event feed.
type feedRunner interface {
	Run(ctx context.Context) error
	Stats() feed.Stats
}

// watcher keeps a membership registry current.
type watcher interface {
	Watch(ctx context.Context) error
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	graphDSN, checkpointDSN, err := cfg.Storage.DSNs()
	if err != nil {
		return err
	}
	store, err := graph.NewRegistry().Build(graphDSN, graph.FactoryOptions{Logger: logger.Named("graph")})
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	defer func() { _ = store.Close() }()
	backend, err := checkpoint.NewRegistry().Build(checkpointDSN)
	if err != nil {
		return fmt.Errorf("open checkpoint backend: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}
	sources, sourceWatcher, err := buildMembership(cfg.Membership, logger.Named("membership"))
	if err != nil {
		return err
	}

	dispatcher, err := lineage.NewDispatcher(store, sources, lineage.Options{
		Lanes:         cfg.Dispatcher.Lanes,
		QueueSize:     cfg.Dispatcher.QueueSize,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		RetryInitial:  cfg.Dispatcher.RetryInitial,
		RetryMax:      cfg.Dispatcher.RetryMax,
		StoreTimeout:  cfg.Dispatcher.StoreTimeout,
		PoisonHistory: cfg.Dispatcher.PoisonHistory,
		Checkpoint:    backend,
		Logger:        logger.Named("dispatcher"),
	})
	if err != nil {
		return err
	}
	resumeFrom, err := dispatcher.Start(ctx)
	if err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	logger.Info("dispatcher started",
		zap.Time("checkpoint", resumeFrom),
		zap.Int("lanes", cfg.Dispatcher.Lanes),
		zap.String("graphStore", redactDSN(graphDSN)),
		zap.String("checkpointBackend", redactDSN(checkpointDSN)),
	)

	runner, err := buildFeed(cfg.Feed, dispatcher, logger.Named("feed"))
	if err != nil {
		_ = dispatcher.Stop(context.Background())
		return err
	}
	serverCfg := httpapi.ServerConfig{
		JWTSecret:          cfg.HTTP.JWTSecret,
		IngestHMACSecret:   cfg.HTTP.IngestHMACSecret,
		IngestMaxSkew:      cfg.HTTP.IngestMaxSkew,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		Logger:             logger.Named("http"),
	}
	if runner != nil {
		serverCfg.FeedStats = runner.Stats
	}
	facade := query.New(store, query.Options{
		MaxDepth:          cfg.Query.MaxDepth,
		GlossaryEdgeTypes: cfg.Query.GlossaryEdgeTypes,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServer(dispatcher, facade, serverCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("lineagesync listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if sourceWatcher != nil {
		g.Go(func() error {
			if err := sourceWatcher.Watch(gctx); err != nil {
				logger.Warn("cohort file watch stopped, membership is frozen", zap.Error(err))
			}
			return nil
		})
	}
	if runner != nil {
		g.Go(func() error { return runner.Run(gctx) })
	}
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopErr := dispatcher.Stop(stopCtx)
	if stopErr != nil {
		logger.Error("dispatcher stop incomplete", zap.Error(stopErr))
	}
	return errors.Join(runErr, stopErr)
}

func buildMembership(cfg config.MembershipConfig, logger *zap.Logger) (membership.Registry, watcher, error) {
	if cfg.File != "" {
		registry, err := membership.NewFileRegistry(cfg.File, membership.FileRegistryOptions{Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("load membership file: %w", err)
		}
		logger.Info("cohort loaded", zap.String("path", cfg.File), zap.Int("members", len(registry.Members())))
		return registry, registry, nil
	}
	if len(cfg.KnownSources) > 0 {
		return membership.NewStatic(cfg.KnownSources...), nil, nil
	}
	return nil, nil, fmt.Errorf("%sMEMBERSHIP_FILE or %sKNOWN_SOURCES is required", config.Prefix, config.Prefix)
}

func buildFeed(cfg config.FeedConfig, dispatcher *lineage.Dispatcher, logger *zap.Logger) (feedRunner, error) {
	if cfg.URL == "" {
		logger.Info("no feed configured, accepting events over http only")
		return nil, nil
	}
	switch cfg.Mode {
	case config.FeedModeWebsocket:
		source, err := feed.NewWebsocketSource(cfg.URL, dispatcher, feed.WebsocketOptions{
			Token:  cfg.Token,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return source, nil
	default:
		return feed.NewPoller(feed.NewHTTPClient(cfg.URL, cfg.Token, nil), dispatcher, feed.PollerOptions{
			Batch:          cfg.Batch,
			Interval:       cfg.Interval,
			IntervalJitter: cfg.IntervalJitter,
			Timeout:        cfg.Timeout,
			Logger:         logger,
		}), nil
	}
}
