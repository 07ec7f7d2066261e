package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/KafClaw/memmesh/internal/config"
	"github.com/KafClaw/memmesh/internal/engine"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/transport"
)

// app is an opened engine with everything it needs closed afterwards.
type app struct {
	cfg      *config.Config
	store    *store.Store
	eng      *engine.Engine
	producer *transport.KafkaProducer
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)

	path, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	a := &app{cfg: cfg, store: st}

	var opts []engine.Option
	if cfg.Kafka.Enabled {
		a.producer = transport.NewKafkaProducer(strings.Join(cfg.Kafka.Brokers, ","))
		opts = append(opts, engine.WithPublisher(transport.NewPublisher(a.producer, cfg.Kafka.Cluster)))
	}
	eng, err := engine.New(ctx, st, cfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.eng = eng
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// withApp opens the engine, runs fn and closes it again.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func setupLogging(lc config.LogConfig) {
	level := lc.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if lc.JSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
