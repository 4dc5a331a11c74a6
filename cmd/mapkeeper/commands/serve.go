package commands

import (
	"github.com/anthrax3/mapkeeper/internal/api"
	"github.com/anthrax3/mapkeeper/internal/config"
	"github.com/anthrax3/mapkeeper/internal/database"
	"github.com/anthrax3/mapkeeper/internal/metrics"
	"github.com/anthrax3/mapkeeper/internal/server"
	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand returns a cli.Command for "mapkeeper serve".
func NewServeCommand() *cli.Command {
	cmd := cli.Command{
		Name:      "serve",
		Usage:     "Starts the server",
		UsageText: `mapkeeper serve [--config mapkeeper.yaml] [options]`,
		Description: `The serve command serves the maps stored in the home directory over HTTP
until it receives SIGINT or SIGTERM. Flags override the values of the configuration file.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path of a YAML configuration file.",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Address to listen on.",
			},
			&cli.StringFlag{
				Name:  "home",
				Usage: "Directory of the database files.",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Storage engine: pebble or memory.",
			},
			&cli.DurationFlag{
				Name:  "checkpoint-interval",
				Usage: "Time between two checkpoints.",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of requests served concurrently.",
			},
			&cli.StringFlag{
				Name:  "page-size",
				Usage: "Page size of new maps, e.g. 128KiB.",
			},
			&cli.IntFlag{
				Name:  "num-retries",
				Usage: "Maximum number of attempts of an operation meeting contention.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of debug, info, warn, error.",
			},
		},
	}

	cmd.Action = func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		logger, err := newLogger(&cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return serve(c, &cfg, logger)
	}

	return &cmd
}

// loadConfig reads the configuration file, if any, and applies the flags on top of it.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	}

	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	if c.IsSet("home") {
		cfg.Home = c.String("home")
	}
	if c.IsSet("engine") {
		cfg.Engine = c.String("engine")
	}
	if c.IsSet("checkpoint-interval") {
		cfg.CheckpointInterval = c.Duration("checkpoint-interval")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("page-size") {
		cfg.PageSize = c.String("page-size")
	}
	if c.IsSet("num-retries") {
		cfg.NumRetries = c.Int("num-retries")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}

	return cfg, cfg.Validate()
}

func serve(c *cli.Context, cfg *config.Config, logger *zap.Logger) error {
	pageSize, err := cfg.PageSizeKB()
	if err != nil {
		return err
	}

	ng, err := openEngine(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()

	db, err := database.New(ng, database.Options{
		PageSizeKB: pageSize,
		NumRetries: cfg.NumRetries,
		RetryPause: cfg.RetryPause,
		OnRetry: func(op string) {
			m.Retries.WithLabelValues(op).Inc()
		},
		Logger: logger,
	})
	if err != nil {
		_ = ng.Close()
		return err
	}

	h := server.New(db, server.Options{
		Workers:            cfg.Workers,
		CheckpointInterval: cfg.CheckpointInterval,
		ScanIdleTimeout:    cfg.ScanIdleTimeout,
		MaxScanBatch:       cfg.MaxScanBatch,
		Logger:             logger.Named("server"),
		Metrics:            m,
	})

	srv := api.NewServer(cfg.Addr, h, logger.Named("http"))

	logger.Info("starting mapkeeper",
		zap.String("engine", cfg.Engine),
		zap.String("home", cfg.Home),
		zap.Int("workers", cfg.Workers),
		zap.Uint32("page_size_kb", pageSize))

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return h.RunCheckpointer(ctx)
	})
	g.Go(func() error {
		return h.RunScanReaper(ctx)
	})

	err = g.Wait()

	logger.Info("shutting down")
	if cerr := h.Close(); cerr != nil {
		logger.Warn("failed to close open scans", zap.Error(cerr))
	}
	if cerr := db.Checkpoint(); cerr != nil {
		logger.Error("final checkpoint failed", zap.Error(cerr))
	}
	if cerr := db.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "cannot close database")
	}

	return err
}
