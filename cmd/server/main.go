package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/rating-ledger/db"
	"github.com/Clark-Hu/rating-ledger/internal/config"
	httpserver "github.com/Clark-Hu/rating-ledger/internal/http"
	"github.com/Clark-Hu/rating-ledger/internal/ledger"
	"github.com/Clark-Hu/rating-ledger/internal/metrics"
	"github.com/Clark-Hu/rating-ledger/internal/redisstore"
	"github.com/Clark-Hu/rating-ledger/internal/repository"
	"github.com/Clark-Hu/rating-ledger/internal/store"
)

// backend is what the ledger and the HTTP layer need from a store.
type backend interface {
	ledger.Store
	ledger.Index
}

type noopHealth struct{}

func (noopHealth) HealthCheck(context.Context) error { return nil }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := log.New(os.Stdout, "[rating-ledger] ", log.LstdFlags|log.Lshortfile)
	reg := metrics.NewRegistry()

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		st       backend
		health   httpserver.HealthChecker = noopHealth{}
		entities httpserver.EntityLister
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		storeOpts := store.Options{
			MaxConns:               int32(cfg.DBMaxConns),
			MinConns:               int32(cfg.DBMinConns),
			MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
			MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
			ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
			StatementCacheCapacity: cfg.DBStatementCache,
			TxAttempts:             cfg.DBTxAttempts,
			Logger:                 logger,
		}
		pg, err := store.New(dbCtx, cfg.DBURL, storeOpts)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pg.Close()
		if cfg.DBMigrate {
			if err := pg.Migrate(dbCtx, db.Migrations); err != nil {
				log.Fatalf("migrate database: %v", err)
			}
		}
		metrics.RegisterPoolStats(reg, func() *pgxpool.Stat { return pg.Stats() })
		repo := repository.New(pg)
		st, health, entities = repo, pg, repo.Entities
	case config.BackendRedis:
		rs, err := redisstore.Connect(dbCtx, cfg.RedisURL, redisstore.Options{
			TxAttempts: cfg.RedisTxAttempts,
			Logger:     logger,
		})
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer rs.Close()
		rs.AddHook(metrics.NewRedisHook(reg))
		st, health = rs, rs
	default:
		logger.Println("using in-memory store; data is lost on exit")
		st = ledger.NewMemoryStore()
	}

	l, err := ledger.New(st, cfg.Dimensions,
		ledger.WithLogger(logger),
		ledger.WithRecorder(metrics.NewLedgerMetrics(reg)),
	)
	if err != nil {
		log.Fatalf("init ledger: %v", err)
	}
	for _, d := range cfg.Dimensions {
		logger.Printf("dimension %s: range=%s rerate=%t fractional=%t", d.Name, d.Range, d.AllowRerate, d.AllowFractional)
	}

	server := httpserver.New(cfg, httpserver.Services{
		Ledger:    l,
		Query:     ledger.NewQuery(l, st),
		Formatter: ledger.Formatter{Format: cfg.DisplayFormat, Placeholder: cfg.Placeholder},
		Health:    health,
		Entities:  entities,
		Metrics:   metrics.Handler(reg),
	}, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	select {
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			log.Printf("server error: %v", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("graceful shutdown error: %v", err)
	}
}
