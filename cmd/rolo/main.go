package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/rolo/cache"
	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/enrich"
	"github.com/migadu/rolo/extract"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/mailbox"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/queue"
	"github.com/migadu/rolo/relate"
	"github.com/migadu/rolo/server/httpapi"
	"github.com/migadu/rolo/storage"
	"github.com/migadu/rolo/syncer"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rolo version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ROLO: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ROLO: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("rolo starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
	logger.Info("rolo stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Database, with migrations applied before anything touches it.
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	database.StartPoolMetrics(ctx)

	// Raw message archive and its local cache.
	archive, err := storage.New(cfg.S3)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	var bodyCache *cache.Cache
	if cfg.LocalCache.Path != "" {
		bodyCache, err = cache.New(cfg.LocalCache)
		if err != nil {
			return fmt.Errorf("failed to initialize local cache: %w", err)
		}
		defer bodyCache.Close()
		go bodyCache.StartPurgeLoop(ctx)
	}

	// Job queue.
	queueManager, err := queue.New(database, cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}

	// Provider clients, rate limited per account.
	limiters := mailbox.NewLimiterRegistry(cfg.Sync.GetRatePerAccount(), cfg.Sync.GetRateBurst())
	clients := func(ctx context.Context, account *db.Account) (mailbox.Client, error) {
		return mailbox.NewGmailClient(ctx, cfg.OAuth, account.RefreshToken,
			limiters.ForAccount(account.ID))
	}

	// Sync pipeline.
	var syncCache syncer.BodyCache
	if bodyCache != nil {
		syncCache = bodyCache
	}
	mailSync, err := syncer.New(database, clients, archive, syncCache, queueManager,
		cfg.Sync, cfg.Sync.WatchTopic)
	if err != nil {
		return fmt.Errorf("failed to initialize syncer: %w", err)
	}

	// Contact pipeline: extraction feeds the interaction recorder, which
	// debounces relationship stats recomputes.
	statsDebounce, _ := cfg.Sync.GetStatsDebounce()
	recorder := relate.NewRecorder(database, queueManager, statsDebounce)
	pipeline := extract.NewPipeline(database, recorder, queueManager, cfg.Enrichment.Enabled)

	queueManager.Register(queue.KindSyncAccount, syncer.NewSyncHandler(mailSync))
	queueManager.Register(queue.KindIngestMessage, syncer.NewIngestHandler(mailSync))
	queueManager.Register(queue.KindRenewWatch, syncer.NewRenewWatchHandler(mailSync))
	queueManager.Register(queue.KindExtract, extract.NewJobHandler(pipeline))
	queueManager.Register(queue.KindContactStats, relate.NewStatsHandler(database, relate.DefaultScore{}))

	if cfg.Enrichment.Enabled {
		names := cfg.Enrichment.Providers
		if len(names) == 0 {
			names = []string{"domain"}
		}
		providers, err := enrich.BuildProviders(names)
		if err != nil {
			return fmt.Errorf("failed to build enrichment providers: %w", err)
		}
		enrichTimeout, _ := cfg.Enrichment.GetTimeout()
		enricher := enrich.New(database, enrichTimeout, providers...)
		queueManager.Register(queue.KindEnrich, enrich.NewJobHandler(enricher))
	}

	if err := queueManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer queueManager.Stop()

	go mailSync.StartPoller(ctx)

	metricsInterval, _ := cfg.Metrics.GetInterval()
	collector := metrics.NewCollector(database, metricsInterval)
	go collector.Start(ctx)
	defer collector.Stop()

	errChan := make(chan error, 1)
	if cfg.HTTP.Start {
		go httpapi.Start(ctx, database, httpapi.ServerOptions{
			Addr:         cfg.HTTP.GetAddr(),
			APIKey:       cfg.HTTP.APIKey,
			WebhookToken: cfg.HTTP.WebhookToken,
			AllowedHosts: cfg.HTTP.AllowedHosts,
			Jobs:         queueManager,
			Archive:      archive,
			Clients:      clients,
			Limiters:     limiters,
		}, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("draining in-flight jobs")
		// Deferred stops run in reverse order; the queue drains before the
		// database closes.
		drainDone := make(chan struct{})
		go func() {
			queueManager.Stop()
			close(drainDone)
		}()
		select {
		case <-drainDone:
		case <-time.After(30 * time.Second):
			logger.Warn("job drain timeout reached, exiting anyway")
		}
		return nil
	case err := <-errChan:
		return err
	}
}
