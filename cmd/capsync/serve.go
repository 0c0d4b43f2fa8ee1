package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/capsync/internal/auth"
	"github.com/erauner12/capsync/internal/config"
	"github.com/erauner12/capsync/internal/db"
	"github.com/erauner12/capsync/internal/engine"
	"github.com/erauner12/capsync/internal/httpapi"
	"github.com/erauner12/capsync/internal/logging"
	"github.com/erauner12/capsync/internal/mapper"
	"github.com/erauner12/capsync/internal/notion"
	"github.com/erauner12/capsync/internal/queue"
	"github.com/erauner12/capsync/internal/resolver"
	"github.com/erauner12/capsync/internal/store"
	"github.com/erauner12/capsync/internal/todoist"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, worker pool, and reconcile scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// bootstrap loads config, configures logging, opens the pool, and
// builds the fully wired engine.
func bootstrap(ctx context.Context) (*config.Config, *pgxpool.Pool, *engine.Engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.Setup(cfg.Env, cfg.LogLevel, cfg.LogFile)

	if cfg.DatabaseURL == "" {
		return nil, nil, nil, errors.New("database_url is required")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	src := todoist.New(todoist.Options{
		BaseURL:   cfg.TodoistBaseURL,
		Token:     cfg.TodoistToken,
		Timeout:   cfg.RequestTimeout,
		RetryMax:  cfg.RetryMax,
		RetryBase: cfg.RetryBaseDelay,
		RateRPS:   cfg.RateLimitRPS,
	})
	dst := notion.New(notion.Options{
		BaseURL: cfg.NotionBaseURL,
		Token:   cfg.NotionToken,
		Databases: notion.Databases{
			Tasks:    cfg.NotionTasksDB,
			Projects: cfg.NotionProjectsDB,
			Areas:    cfg.NotionAreasDB,
			People:   cfg.NotionPeopleDB,
		},
		Timeout:   cfg.RequestTimeout,
		RetryMax:  cfg.RetryMax,
		RetryBase: cfg.RetryBaseDelay,
		RateRPS:   cfg.RateLimitRPS,
	})

	mapr := mapper.New(cfg.EligibilityTag, cfg.AreaSet())
	mapr.DefaultTZ = cfg.DefaultTimezone

	eng := engine.New(
		src, dst,
		store.NewPostgres(pool, cfg.Namespace),
		queue.NewPostgres(pool, cfg.Namespace),
		mapr,
		resolver.New(dst),
		engine.Options{
			Tag:                   cfg.EligibilityTag,
			SkipInbox:             cfg.SkipInbox,
			SkipRecurring:         cfg.SkipRecurring,
			AutoLabel:             cfg.AutoLabel,
			AddBacklink:           cfg.AddBacklink,
			WorkerConcurrency:     cfg.WorkerConcurrency,
			QueueInFlightLimit:    cfg.QueueInFlight,
			RequestTimeout:        cfg.RequestTimeout,
			RetryBaseDelay:        cfg.RetryBaseDelay,
			EnableReverseTasks:    cfg.EnableReverseTasks,
			EnableReverseCreation: cfg.EnableReverseCreation,
		},
	)
	return cfg, pool, eng, nil
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, pool, eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	srv := &httpapi.Server{
		Backend:       eng,
		WebhookSecret: cfg.WebhookSecret,
		Auth: auth.Config{
			HS256Secret: cfg.JWTSecret,
			StaticToken: cfg.ReconcileToken,
		},
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		err := eng.RunScheduler(ctx, cfg.ReconcileInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", version).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
