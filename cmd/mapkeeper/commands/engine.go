package commands

import (
	"path/filepath"

	"github.com/anthrax3/mapkeeper/internal/config"
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/engine/memory"
	"github.com/anthrax3/mapkeeper/internal/engine/pebble"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// openEngine opens the engine selected by the configuration.
func openEngine(cfg *config.Config, logger *zap.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		return memory.NewEngine(cfg.LockTimeout), nil
	case config.EnginePebble:
		ng, err := pebble.Open(filepath.Join(cfg.Home, "pebble"), pebble.Options{
			SyncWrites:  cfg.SyncWrites,
			LockTimeout: cfg.LockTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return ng, nil
	}

	return nil, errors.Newf("unknown engine %q", cfg.Engine)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()

	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "cannot build logger")
	}

	return logger, nil
}
