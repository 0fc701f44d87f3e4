package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/migadu/herald/adminapi"
	"github.com/migadu/herald/chain"
	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/delivery"
	"github.com/migadu/herald/ingest"
	"github.com/migadu/herald/ledger"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/pipeline"
	"github.com/migadu/herald/queue"
	"github.com/migadu/herald/runner"
	"github.com/migadu/herald/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("herald version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := cfg.LoadFromFile(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "herald: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "herald: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("herald starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)

	if err := run(ctx, cancel, cfg, signalChan, reloadChan); err != nil {
		logger.Fatal("herald failed", "error", err)
	}
	logger.Info("herald stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Config, signalChan, reloadChan chan os.Signal) error {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	// List registry: loaded once at start, swapped whole on SIGHUP so
	// runners always see a consistent snapshot mid-cycle.
	source := listSource(cfg.Lists)
	registrySnapshot, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load list definitions: %w", err)
	}
	var registryPtr atomic.Pointer[lists.Registry]
	registryPtr.Store(registrySnapshot)
	registry := func() *lists.Registry { return registryPtr.Load() }
	logger.Info("list definitions loaded", "lists", registrySnapshot.Len(), "source", cfg.Lists.Source)

	store, err := queue.NewStore(cfg.Queues.Path)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}

	grace, err := cfg.Queues.GetRecoverGrace()
	if err != nil {
		return err
	}
	for _, q := range consts.AllQueues {
		recovered, err := store.RecoverStaged(q, grace)
		if err != nil {
			return fmt.Errorf("failed to recover staged entries in %s: %w", q, err)
		}
		if recovered > 0 {
			logger.Warn("recovered staged entries from a previous run", "queue", q, "count", recovered)
		}
	}

	ledgerPath := cfg.Ledger.Path
	if ledgerPath == "" {
		ledgerPath = filepath.Join(cfg.Queues.Path, "ledger.db")
	}
	holdLedger, err := ledger.New(ledgerPath)
	if err != nil {
		return err
	}
	defer holdLedger.Close()

	rules, err := chain.NewRegistry(chain.DefaultRules()...)
	if err != nil {
		return err
	}
	handlers := pipeline.NewRegistry(pipeline.DefaultHandlers(store))
	deliverer := delivery.NewSMTPDeliverer(cfg.Relay)
	moderator := ledger.NewModerator(holdLedger, store, registry, hostname)

	runners, err := buildRunners(cfg, store, rules, handlers, holdLedger, registry, deliverer, hostname)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)

	for _, r := range runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}

	var lmtpServer *ingest.Server
	if cfg.LMTP.Enabled {
		var notifier ingest.Notifier
		if r, ok := runners[consts.QueueIncoming]; ok {
			notifier = r
		}
		lmtpServer = ingest.NewServer(cfg.LMTP, store, registry, notifier)
		go lmtpServer.Start(errChan)
	}

	if cfg.Admin.Enabled {
		adminServer, err := adminapi.New(cfg.Admin, adminapi.Options{
			Store:     store,
			Ledger:    holdLedger,
			Moderator: moderator,
			Registry:  registry,
		})
		if err != nil {
			return err
		}
		go adminServer.Start(ctx, errChan)
	}

	for {
		select {
		case sig := <-signalChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			shutdown(runners, lmtpServer)
			return nil

		case <-reloadChan:
			logger.Info("reload signal received, refreshing list definitions")
			snapshot, err := source.Load(ctx)
			if err != nil {
				logger.Error("reload failed, keeping current list definitions", "error", err)
				continue
			}
			registryPtr.Store(snapshot)
			logger.Info("list definitions reloaded", "lists", snapshot.Len())

		case err := <-errChan:
			cancel()
			shutdown(runners, lmtpServer)
			return err

		case <-ctx.Done():
			shutdown(runners, lmtpServer)
			return nil
		}
	}
}

func listSource(cfg config.ListsConfig) lists.Source {
	if cfg.Source == "postgres" {
		return &lists.PostgresSource{Config: cfg.Postgres}
	}
	return &lists.StaticSource{Defs: cfg.Static}
}

// buildRunners constructs one runner per [runners.<queue>] section.
// With no sections configured, every drainable queue gets a runner with
// default settings. Held and shunt never get one.
func buildRunners(cfg config.Config, store *queue.Store, rules *chain.Registry, handlers *pipeline.Registry, holdLedger *ledger.Ledger, registry func() *lists.Registry, deliverer delivery.Deliverer, hostname string) (map[string]*runner.Runner, error) {
	sections := cfg.Runners
	if len(sections) == 0 {
		sections = map[string]config.RunnerConfig{
			consts.QueueIncoming: {},
			consts.QueueOutgoing: {},
			consts.QueueDigest:   {},
			consts.QueueBounce:   {},
		}
		if cfg.Archive.Enabled {
			sections[consts.QueueArchive] = config.RunnerConfig{}
		}
	}

	runners := make(map[string]*runner.Runner, len(sections))
	for queueName, rc := range sections {
		var (
			processor   runner.Processor
			emitNotices bool
		)

		switch queueName {
		case consts.QueueIncoming:
			processor = runner.NewIncomingProcessor(store, rules, handlers, holdLedger, registry, hostname)
			emitNotices = true
		case consts.QueueOutgoing:
			processor = runner.NewOutgoingProcessor(deliverer, registry)
			emitNotices = true
		case consts.QueueArchive:
			if !cfg.Archive.Enabled {
				logger.Warn("archive runner configured but archive store disabled, skipping")
				continue
			}
			archiveStore, err := storage.New(cfg.Archive)
			if err != nil {
				return nil, err
			}
			processor = runner.NewArchiveProcessor(archiveStore)
		case consts.QueueDigest:
			digestProcessor, err := runner.NewDigestProcessor(cfg.Digest.Path)
			if err != nil {
				return nil, err
			}
			processor = digestProcessor
		case consts.QueueBounce:
			processor = runner.NewBounceProcessor(deliverer, registry)
		default:
			return nil, fmt.Errorf("no runner exists for queue %q", queueName)
		}

		r, err := runner.New(runner.Options{
			Queue:              queueName,
			Store:              store,
			Processor:          processor,
			Registry:           registry,
			Hostname:           hostname,
			Config:             rc,
			EmitFailureNotices: emitNotices,
		})
		if err != nil {
			return nil, err
		}
		runners[queueName] = r
	}
	return runners, nil
}

func shutdown(runners map[string]*runner.Runner, lmtpServer *ingest.Server) {
	if lmtpServer != nil {
		if err := lmtpServer.Close(); err != nil {
			logger.Warn("error closing LMTP server", "error", err)
		}
	}
	for _, r := range runners {
		r.Stop()
	}
}
