package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/flagstate/internal/clientfeatures"
	"github.com/rpattn/flagstate/internal/db"
	"github.com/rpattn/flagstate/internal/export"
	"github.com/rpattn/flagstate/internal/httpapi"
	"github.com/rpattn/flagstate/internal/metrics"
	"github.com/rpattn/flagstate/internal/repository"
	"github.com/rpattn/flagstate/internal/revision"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the client features HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
}

func serve(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, log := rt.cfg, rt.logger

	if !skipMigrations {
		if err := db.RunMigrations(ctx, rt.conn.Pool, log); err != nil {
			return err
		}
	}

	m := metrics.New()

	features := repository.NewClientFeatureRepository(rt.conn.Pool,
		repository.WithMetrics(m),
		repository.WithDedupeDependencies(cfg.ReadModel.DedupeDependencies),
	)
	segments := repository.NewSegmentRepository(rt.conn.Pool, m)
	revisions := repository.NewRevisionRepository(rt.conn.Pool, m)
	environments := repository.NewEnvironmentRepository(rt.conn.Pool)

	watcher := revision.NewWatcher(revisions, cfg.Revision.Interval, log, m)

	opts := []clientfeatures.Option{
		clientfeatures.WithLogger(log),
		clientfeatures.WithMetrics(m),
	}
	if cfg.Cache.Enabled {
		opts = append(opts, clientfeatures.WithCache(cfg.Cache.Size, cfg.Cache.MaxAge))
	}
	service := clientfeatures.NewService(features, segments, watcher, opts...)
	watcher.Subscribe(service.OnRevision)

	exporter := export.NewService(features, export.WithLogger(log.Named("export")))

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Service:          service,
		Environments:     environments,
		Healthcheck:      rt.conn.Healthcheck,
		Metrics:          m,
		Export:           export.NewHTTPHandler(exporter, log.Named("export")),
		Logger:           log,
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: cfg.CORS.AllowCredentials,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	g.Go(func() error {
		log.Info("starting client features API", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited")
	return nil
}
