package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/httpapi"
	"github.com/nextlevelbuilder/vigil/internal/ingest"
	"github.com/nextlevelbuilder/vigil/internal/media"
	"github.com/nextlevelbuilder/vigil/internal/proactive"
	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/reactive"
	"github.com/nextlevelbuilder/vigil/internal/restart"
	"github.com/nextlevelbuilder/vigil/internal/storage"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/pg"
	"github.com/nextlevelbuilder/vigil/internal/tasks"
	"github.com/nextlevelbuilder/vigil/internal/telegram"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent (webhook server, reactive workers, proactive scheduler)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(config.ResolvePath(cfgFile))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, db, err := pg.NewPGStores(store.StoreConfig{
		PostgresDSN:  cfg.Database.PostgresDSN,
		PoolMinConns: cfg.Database.PoolMinConns,
		PoolMaxConns: cfg.Database.PoolMaxConns,
	})
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := pg.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Boot recovery: jobs a dead process left running go back to failed,
	// and the deployment row from a self-restart gets settled.
	if n, err := stores.Jobs.FailStaleRunning(ctx); err != nil {
		slog.Error("stale job recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("recovered stale jobs", "count", n)
	}
	if n, err := stores.Tasks.ResetStaleRunning(ctx); err != nil {
		slog.Error("stale task recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("reset stale tasks to pending", "count", n)
	}
	restart.MarkHealthyOnBoot(ctx, stores)

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("blob storage init failed", "error", err)
		os.Exit(1)
	}

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.SendRPS)
	if err != nil {
		slog.Error("telegram bot init failed", "error", err)
		os.Exit(1)
	}

	classifier := providers.NewAnthropicProvider(cfg.Providers.AnthropicAPIKey,
		providers.WithAnthropicModel(cfg.Providers.FastModel),
		providers.WithAnthropicTimeout(cfg.Providers.ClassifierTimeout))

	var executor providers.Provider
	if cfg.Providers.CLI.Enabled {
		executor = providers.NewClaudeCLIProvider(
			cfg.Providers.CLI.Binary, cfg.Providers.CLI.Model,
			cfg.Providers.CLI.Workdir, cfg.Providers.CLI.MaxConcurrent)
	} else {
		executor = providers.NewAnthropicProvider(cfg.Providers.AnthropicAPIKey,
			providers.WithAnthropicModel(cfg.Providers.CapableModel),
			providers.WithAnthropicTimeout(cfg.Providers.ExecutorTimeout))
	}
	verifier := classifier

	workers := make([]*reactive.Worker, 0, cfg.Reactive.Workers)
	for i := 0; i < cfg.Reactive.Workers; i++ {
		workers = append(workers, reactive.NewWorker(stores, bot, classifier, executor, cfg))
	}
	wake := func() {
		for _, w := range workers {
			w.Wake()
		}
	}

	ingestor := ingest.New(stores, bot, blobs, cfg, wake)
	api := httpapi.NewServer(cfg, stores, db, ingestor)

	if cfg.Media.ProxyURL == "" {
		slog.Warn("media proxy not configured, only plain text documents will process")
	}
	proxy := media.NewProxyClient(cfg.Media.ProxyURL, cfg.Media.ProxyAPIKey, cfg.Media.ProxyTimeout)
	processor := media.NewProcessor(stores, blobs, media.Backends{
		STT: proxy, Eyes: proxy, Docs: proxy,
	}, cfg.Media.PollInterval, cfg.Media.BatchSize)

	restarter := restart.New(stores, stop)
	taskExec := tasks.NewExecutor(stores, executor, verifier, cfg.Providers.TaskExecutorTimeout)
	scheduler := proactive.NewScheduler(stores, bot, executor, taskExec, cfg, restarter)

	if cfg.Workspace != "" {
		watcher, err := restart.NewWatcher(restarter, cfg.Workspace)
		if err != nil {
			slog.Warn("source watcher init failed", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			slog.Warn("source watcher start failed", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Start(ctx) })
	g.Go(func() error { return processor.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}

	slog.Info("vigil started", "version", Version,
		"workers", len(workers), "executor", executor.Name())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("vigil exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("vigil stopped")
}
