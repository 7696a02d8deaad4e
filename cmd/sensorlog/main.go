package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/sensorlog/internal/config"
	"github.com/vjranagit/sensorlog/internal/logging"
	"github.com/vjranagit/sensorlog/pkg/api"
	"github.com/vjranagit/sensorlog/pkg/archive"
	"github.com/vjranagit/sensorlog/pkg/ingest"
	"github.com/vjranagit/sensorlog/pkg/notify"
	"github.com/vjranagit/sensorlog/pkg/source"
	"github.com/vjranagit/sensorlog/pkg/storage"
)

const (
	version = "0.1.0"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to a YAML configuration file")
		port       = pflag.String("port", "", "serial device, tcp://host:port, file://path or - for stdin")
		baud       = pflag.Int("baud", 0, "serial baud rate")
		logPath    = pflag.String("log", "", "path of the CSV record log")
		listen     = pflag.String("listen", "", "dashboard listen address")
		noServer   = pflag.Bool("no-server", false, "disable the dashboard server")
		archiveOn  = pflag.Bool("archive", false, "enable the export archive")
		logLevel   = pflag.String("log-level", "", "log level (debug, info, warn, error)")
		showVer    = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVer {
		fmt.Printf("sensorlog v%s\n", version)
		return
	}

	// Load configuration
	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Source.Address = *port
	}
	if pflag.CommandLine.Changed("baud") {
		cfg.Source.BaudRate = *baud
	}
	if pflag.CommandLine.Changed("log") {
		cfg.Storage.Path = *logPath
	}
	if pflag.CommandLine.Changed("listen") {
		cfg.Server.ListenAddr = *listen
	}
	if *noServer {
		cfg.Server.Enabled = false
	}
	if *archiveOn {
		cfg.Archive.Enabled = true
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.ToLoggingConfig(), os.Stderr)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"version", version,
		"source", cfg.Source.Address,
		"baud", cfg.Source.BaudRate,
		"log", cfg.Storage.Path,
		"sensors", cfg.Storage.Schema,
		"archive", cfg.Archive.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sensorlog stopped with error", "error", err)
		stop()
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("sensorlog stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	hub := notify.NewHub()
	defer hub.Close()

	// Initialize storage
	storeCfg := cfg.ToStorageConfig()
	storeCfg.Notifier = hub
	storeCfg.Logger = logger
	store, err := storage.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer store.Close()

	// A missing device is not fatal: the loop idles and the dashboard
	// still serves the loaded dataset.
	srcCfg := cfg.ToSourceConfig()
	src, err := source.Open(ctx, srcCfg)
	if err != nil {
		src = &source.Unavailable{Address: srcCfg.Address, Err: err}
	}
	defer src.Close()

	// Everything that can fail is opened before any goroutine starts.
	var arc *archive.Archive
	if cfg.Archive.Enabled {
		arcCfg := cfg.ToArchiveConfig()
		arcCfg.Logger = logger
		arcCfg.Location = storeCfg.Location
		arc, err = archive.Open(arcCfg)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer arc.Close()
	}

	ingCfg := cfg.ToIngestConfig()
	ingCfg.Logger = logger
	ingCfg.Notifier = hub
	loop := ingest.New(src, store, ingCfg)

	opts := api.Options{
		Labels:  cfg.Storage.Labels,
		Hub:     hub,
		Status:  loop,
		Logger:  logger,
		Timeout: cfg.Server.Timeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if arc != nil {
		opts.Archive = arc
		sub := hub.Subscribe(1024)
		g.Go(func() error {
			return arc.Run(ctx, sub, store)
		})
	}

	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server.ListenAddr, store, opts)
		g.Go(server.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	return g.Wait()
}
