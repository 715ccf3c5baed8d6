package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"erppilot/internal/audit"
	"erppilot/internal/catalog"
	"erppilot/internal/config"
	"erppilot/internal/executor"
	"erppilot/internal/gateway"
	"erppilot/internal/guard"
	"erppilot/internal/logging"
	"erppilot/internal/metrics"
	"erppilot/internal/parser"
	"erppilot/internal/pipeline"
	"erppilot/internal/prefs"
	"erppilot/internal/rbac"
	"erppilot/internal/repository"
	"erppilot/internal/types"
)

// app bundles everything a command needs after wiring.
type app struct {
	cfg      *config.Config
	svc      *pipeline.Service
	recorder *audit.Recorder
	client   *gateway.OllamaClient
	db       *sql.DB
	watcher  *config.Watcher
	oracle   *rbac.Oracle

	cancelBg func()
	bg       *errgroup.Group
}

// buildApp wires the full pipeline from configuration. The caller must
// invoke app.close when done.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.Storage.DatabasePath = dbPath
	}

	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	if err := logging.Initialize(wd); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}

	db, err := repository.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	repo, err := repository.NewSQLiteRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	users, err := rbac.NewSQLSource(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := seedAdmin(ctx, db, users); err != nil {
		db.Close()
		return nil, err
	}
	prefStore, err := prefs.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	recorder, err := audit.NewRecorder(db, cfg.Storage.AuditFallback, audit.DefaultQueueSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	cat := catalog.Default()
	oracle := rbac.NewOracle(users, cat)

	client := gateway.NewOllamaClient(gateway.Config{
		BaseURL:       cfg.Backend.BaseURL,
		Model:         cfg.Backend.Model,
		Timeout:       cfg.BackendTimeout(),
		MaxTokens:     cfg.Backend.MaxTokens,
		Temperature:   cfg.Backend.Temperature,
		RatePerMinute: cfg.Backend.RateLimitPerMinute,
		Burst:         cfg.Backend.RateLimitBurst,
	})

	p := parser.New(client, cat, cfg.Pipeline.ConfidenceFloor)
	p.SetMaxInputBytes(cfg.Pipeline.MaxInputLength)
	g := guard.New(oracle, cat, p, cfg.Pipeline.ConfidenceFloor)
	g.SetRefChecker(repo)

	exec, err := executor.New(repo, users, cat)
	if err != nil {
		// Catalog/handler mismatch: refuse to start.
		recorder.Close()
		client.Close()
		db.Close()
		return nil, err
	}

	svc := pipeline.NewService(p, g, exec, client, recorder, oracle, prefStore, pipeline.Options{
		UserRequestsPerMinute: cfg.Pipeline.UserRequestsPerMinute,
		ConfidenceFloor:       cfg.Pipeline.ConfidenceFloor,
		ConfirmTTL:            cfg.ConfirmTTL(),
		HistoryWindow:         cfg.Pipeline.HistoryWindow,
		MaxInputLength:        cfg.Pipeline.MaxInputLength,
	})

	a := &app{
		cfg:      cfg,
		svc:      svc,
		recorder: recorder,
		client:   client,
		db:       db,
		oracle:   oracle,
	}

	// Hot reload: tunables only, never the catalog.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		svc.SetUserRateLimit(next.Pipeline.UserRequestsPerMinute)
		logging.ReloadConfig()
		logger.Info("config reloaded")
	})
	if err == nil {
		if err := watcher.Start(ctx); err == nil {
			a.watcher = watcher
		}
	}

	if metricsAddr != "" {
		bgCtx, cancel := context.WithCancel(context.Background())
		grp, grpCtx := errgroup.WithContext(bgCtx)
		grp.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", metricsAddr))
			return metrics.Serve(grpCtx, metricsAddr)
		})
		a.cancelBg = cancel
		a.bg = grp
	}

	return a, nil
}

func (a *app) close() {
	if a.cancelBg != nil {
		a.cancelBg()
		if err := a.bg.Wait(); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.recorder.Close()
	a.client.Close()
	a.db.Close()
	logging.CloseAll()
}

// seedAdmin provisions the bootstrap administrator on an empty install so
// the first user can create everyone else.
func seedAdmin(ctx context.Context, db *sql.DB, users *rbac.SQLSource) error {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	return users.CreateUser(ctx, "Administrator", "admin@localhost", "Administrator", "",
		[]types.RoleName{types.RoleSystemManager})
}
