package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/driftbox/driftbox/internal/config"
	"github.com/driftbox/driftbox/internal/filter"
	"github.com/driftbox/driftbox/internal/ledger"
	"github.com/driftbox/driftbox/internal/manifest"
	"github.com/driftbox/driftbox/internal/ratelimit"
	"github.com/driftbox/driftbox/internal/remote"
	"github.com/driftbox/driftbox/internal/sync"
	"github.com/driftbox/driftbox/internal/utils"
)

// app wires the configured stores and engine for one CLI invocation.
type app struct {
	cfg    *config.Config
	ledger ledger.Store
	cache  *manifest.HashCache
	engine *sync.Engine
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s3cfg := cfg.S3Config()
	store, err := remote.NewS3StoreWithConfig(ctx, &s3cfg)
	if err != nil {
		return nil, fmt.Errorf("connect remote store: %w", err)
	}

	ledgerPath := cfg.LedgerPath()
	if err := utils.EnsureParent(ledgerPath); err != nil {
		return nil, err
	}
	ledgerStore, err := ledger.OpenBolt(ledgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	cache, err := manifest.OpenHashCache(cfg.HashCachePath())
	if err != nil {
		// the cache is an optimization; sync works without it
		slog.Warn("hash cache unavailable", "error", err)
		cache = nil
	}

	govCfg := ratelimit.DefaultConfig()
	if cfg.RateLimit.PerSecond > 0 {
		govCfg.PerSecond = int64(cfg.RateLimit.PerSecond)
	}
	if cfg.RateLimit.PerMinute > 0 {
		govCfg.PerMinute = int64(cfg.RateLimit.PerMinute)
	}
	govCfg.FailFast = cfg.RateLimit.FailFast

	engine, err := sync.NewEngine(sync.EngineConfig{
		LocalRoot: cfg.DataDir,
		RootLabel: cfg.RootLabel,
		Store:     store,
		Ledger:    ledgerStore,
		Governor:  ratelimit.NewGovernor(govCfg),
		Cache:     cache,
		Authenticated: func() bool {
			return cfg.S3.AccessKey != "" && cfg.S3.SecretKey != ""
		},
		LockPath: cfg.LockPath(),
	})
	if err != nil {
		ledgerStore.Close()
		if cache != nil {
			cache.Close()
		}
		return nil, err
	}

	return &app{cfg: cfg, ledger: ledgerStore, cache: cache, engine: engine}, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("close hash cache", "error", err)
		}
	}
	if err := a.ledger.Close(); err != nil {
		slog.Warn("close ledger", "error", err)
	}
}

// includePredicate compiles the configured rules file, or accepts everything.
func (a *app) includePredicate() (filter.Predicate, error) {
	return loadPredicate(a.cfg)
}

func loadPredicate(cfg *config.Config) (filter.Predicate, error) {
	if cfg.RulesFile == "" {
		return nil, nil
	}
	path := cfg.RulesFile
	if !filepath.IsAbs(path) && cfg.Path != "" {
		path = filepath.Join(filepath.Dir(cfg.Path), path)
	}

	rules, err := filter.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("load rules %q: %w", path, err)
	}
	pred, err := rules.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile rules %q: %w", path, err)
	}
	return pred, nil
}
