package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"attendedge/internal/config"
	"attendedge/internal/forwarder"
	"attendedge/internal/ingestion"
	"attendedge/internal/queue"
	"attendedge/internal/session"
	"attendedge/internal/upstream"
	"attendedge/pkg/bus"
	"attendedge/pkg/db"
	"attendedge/pkg/telemetry"
)

// app bundles every wired component so serve and the forwarder subcommands
// can share construction logic.
type app struct {
	cfg       config.Config
	pool      *pgxpool.Pool
	orm       *gorm.DB
	bus       *bus.Bus
	queue     *queue.Store
	upstream  *upstream.Client
	forwarder *forwarder.Forwarder
	sessions  *session.Authority
	ingestion *ingestion.Service
	router    *ingestion.Router
}

func buildApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	orm, err := db.OpenGORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open gorm: %w", err)
	}

	eventBus, err := bus.New(cfg.NATSURL, "attendance-events", []string{"attendance.>"})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect bus: %w", err)
	}

	queueStore, err := queue.New(orm, pool)
	if err != nil {
		pool.Close()
		eventBus.Close()
		return nil, nil, fmt.Errorf("build queue store: %w", err)
	}

	upstreamLog := telemetry.NewComponentLogger("upstream")
	upstreamClient := upstream.New(upstream.Config{
		BaseURL:         cfg.ERPBaseURL,
		APIKey:          cfg.ERPAPIKey,
		APISecret:       cfg.ERPSecret,
		MaxConcurrent:   cfg.MaxConcurrent,
		Reservoir:       cfg.Reservoir,
		ReservoirRefill: cfg.ReservoirRefresh,
		ReservoirWindow: cfg.ReservoirWindow,
		MinSpacing:      cfg.MinSpacing,
		Timeout:         cfg.UpstreamTimeout,
		RetryCount:      cfg.RetryCount,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		BatchSize:       cfg.UpstreamBatchSize,
		BatchDelay:      cfg.BatchDelay,
	}, upstreamLog)

	fwdLog := telemetry.NewComponentLogger("forwarder")
	fwd := forwarder.New(queueStore, upstreamClient, eventBus, forwarder.Config{
		Interval:    cfg.SyncInterval,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
	}, fwdLog)

	sessionLog := telemetry.NewComponentLogger("session")
	sessions, err := session.New(orm, eventBus, session.Config{
		AccessTTL:             cfg.AccessTTL,
		RefreshTTL:            cfg.RefreshTTL,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SigningSecret:         cfg.SigningSecret,
		PreviousSigningSecret: cfg.PreviousSigningSecret,
		KeyGrace:              cfg.KeyGrace(),
	}, sessionLog)
	if err != nil {
		pool.Close()
		eventBus.Close()
		return nil, nil, fmt.Errorf("build session authority: %w", err)
	}

	allowlist, err := config.LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		pool.Close()
		eventBus.Close()
		return nil, nil, fmt.Errorf("load allowlist: %w", err)
	}

	ingestionSvc := ingestion.New(queueStore, upstreamClient, allowlist)
	router := ingestion.NewRouter(ingestionSvc, fwd, sessions)

	a := &app{
		cfg:       cfg,
		pool:      pool,
		orm:       orm,
		bus:       eventBus,
		queue:     queueStore,
		upstream:  upstreamClient,
		forwarder: fwd,
		sessions:  sessions,
		ingestion: ingestionSvc,
		router:    router,
	}

	cleanup := func() {
		eventBus.Close()
		pool.Close()
	}
	return a, cleanup, nil
}
