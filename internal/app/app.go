package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pancakes/internal/config"
	"pancakes/internal/db"
	"pancakes/internal/engine"
	"pancakes/internal/notify"
	"pancakes/internal/oracle"
	"pancakes/internal/store"
	"pancakes/internal/telemetry"
)

// OpenStore connects the backend named by cfg.Kind.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Kind {
	case "", "sqlite":
		handle, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLite(handle, logger), nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool, logger), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Kind)
	}
}

// Stack is everything a tick-running binary needs, wired from one Config.
type Stack struct {
	Config config.Config
	Log    *slog.Logger
	Store  store.Store
	Oracle *oracle.Client
	Engine *engine.Engine

	publisher notify.Publisher
	shutdown  func(context.Context) error
}

// Build wires tracing, the store, the oracle client, the tick publisher and
// the engine. Redis is optional: when it cannot be reached ticks still run
// and events are dropped.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, service string) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	shutdown, err := telemetry.Setup(ctx, cfg.TraceExporter, service, logger)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	backend, err := oracle.NewBackend(cfg.Oracle.Backend, cfg.Oracle.BaseURL, cfg.Oracle.Model)
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	oc := oracle.NewClient(backend, oracle.Options{Timeout: cfg.Oracle.Timeout, Retries: oracle.DefaultRetries}, logger)

	var pub notify.Publisher = notify.Nop{}
	if cfg.RedisAddr != "" {
		r, err := notify.NewRedis(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			logger.Warn("tick events disabled", "redis_addr", cfg.RedisAddr, "err", err)
		} else {
			pub = r
		}
	}

	eng := engine.New(st, oc, pub, engine.Options{
		Sim:           cfg.Sim,
		Concurrency:   cfg.Oracle.Concurrency,
		TranscriptDir: cfg.Oracle.TranscriptDir,
	}, logger)

	return &Stack{
		Config:    cfg,
		Log:       logger,
		Store:     st,
		Oracle:    oc,
		Engine:    eng,
		publisher: pub,
		shutdown:  shutdown,
	}, nil
}

func (s *Stack) Close(ctx context.Context) error {
	return errors.Join(
		s.publisher.Close(),
		s.Store.Close(),
		s.shutdown(ctx),
	)
}
