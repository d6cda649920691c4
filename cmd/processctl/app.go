package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/config"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/kpi"
	"github.com/songzhibin97/process-engine/metrics"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/workflow"
)

// app holds everything a command needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *events.EventBus
	registry *prometheus.Registry
	engine   *workflow.ProcessEngine
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Merge(&config.Config{
		Log:     config.LogConfig{Level: flags.logLevel},
		Storage: config.StorageConfig{Backend: flags.backend},
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		return storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			PoolSize:  cfg.Storage.Redis.PoolSize,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	case config.BackendBolt:
		return storage.NewBoltStorage(storage.BoltOptions{
			Path:    cfg.Storage.Bolt.Path,
			Timeout: cfg.Storage.Bolt.Timeout,
		})
	default:
		return storage.NewMemoryStorage(), nil
	}
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	return newAppWith(cfg, logger)
}

func newAppWith(cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewEventBus(events.WithBufferSize(cfg.Events.BufferSize), events.WithLogger(logger)),
		registry: prometheus.NewRegistry(),
	}
	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithEventBus(a.bus),
		workflow.WithMetrics(metrics.New(metrics.Config{Registry: a.registry})),
		workflow.WithCommitRetries(cfg.Engine.CommitRetries),
	}
	if cfg.KPI.Strict {
		opts = append(opts, workflow.WithKpiOptions(kpi.WithStrictRange()))
	}
	if cfg.Storage.SQLite.DSN != "" {
		artifacts, err := storage.NewSQLiteArtifactStore(cfg.Storage.SQLite.DSN)
		if err != nil {
			a.bus.Stop()
			return nil, multierr.Append(err, store.Close())
		}
		opts = append(opts, workflow.WithArtifactStore(artifacts))
	}

	a.engine, err = workflow.NewProcessEngine(idGenerator(cfg), store, rules.NewExprRunner(), opts...)
	if err != nil {
		a.bus.Stop()
		return nil, multierr.Append(err, store.Close())
	}
	return a, nil
}

// idGenerator builds the instance id generator. The epoch comes from the
// config so ids keep growing across runs against a persistent store.
func idGenerator(cfg *config.Config) generator.Generator {
	return generator.NewSnowflake(cfg.Engine.IDEpoch, cfg.Engine.MachineID)
}

func (a *app) Close() error {
	err := a.engine.Close()
	a.bus.Stop()
	_ = a.logger.Sync()
	return err
}

// printOut renders v in the requested format.
func printOut(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
