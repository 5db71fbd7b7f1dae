package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/config"
	"github.com/cycles-transfer-station/cts-sub000/internal/engine"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/metrics"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform/sim"
	"github.com/cycles-transfer-station/cts-sub000/internal/store"
	"github.com/cycles-transfer-station/cts-sub000/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CTS_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	engineCfg, err := cfg.Engine()
	if err != nil {
		slog.Error("invalid engine config", "err", err)
		os.Exit(1)
	}
	verifier, err := cfg.Verifier()
	if err != nil {
		slog.Error("invalid auth root key", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Initialize storage ---
	var storage logstore.Storage
	var snapshots store.SnapshotStore

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		storage = store.NewPostgresStorage(pool, cfg.Storage.ChildCapacity)
		snapshots = store.NewPostgresSnapshots(pool)
		slog.Info("connected to PostgreSQL")

	case config.BackendClickHouse:
		conn, err := store.OpenClickHouse(ctx, cfg.Storage.ClickHouseDSN)
		if err != nil {
			slog.Error("clickhouse connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { conn.Close() })
		ch := store.NewClickHouseStorage(conn, uint64(cfg.Storage.ChildCapacity))
		if err := ch.Migrate(ctx); err != nil {
			slog.Error("clickhouse migration failed", "err", err)
			os.Exit(1)
		}
		storage = ch
		snapshots = store.NewMemorySnapshots()
		slog.Warn("clickhouse holds logs only, snapshots are kept in memory")

	default:
		slog.Warn("no database configured, using in-memory storage (data will not persist)")
		storage = store.NewMemoryStorage(int(cfg.Storage.ChildCapacity))
		snapshots = store.NewMemorySnapshots()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		storage = store.NewCachedStorage(storage, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	// --- Platform services ---
	mgmt := sim.NewManagement()
	ledger := sim.NewLedger(amount.New(*cfg.Ledger.Fee), cfg.Ledger.Decimals)
	cm := sim.NewCMCaller(engineCfg.CMCallerID)

	// --- Log pipelines ---
	tradesModule, err := readModule(cfg.Storage.TradesModule, "cts-trades-storage")
	if err != nil {
		slog.Error("read trades module failed", "err", err)
		os.Exit(1)
	}
	positionsModule, err := readModule(cfg.Storage.PositionsModule, "cts-positions-storage")
	if err != nil {
		slog.Error("read positions module failed", "err", err)
		os.Exit(1)
	}
	trades := logstore.New(logstore.Config{
		Name:      engine.LogTrades,
		LogSize:   model.TradeLogSize,
		FlushAt:   cfg.Storage.FlushAt,
		ChunkSize: cfg.Storage.ChunkFor(model.TradeLogSize),
		Module:    tradesModule,
	}, mgmt, storage)
	positions := logstore.New(logstore.Config{
		Name:      engine.LogPositions,
		LogSize:   model.PositionLogSize,
		FlushAt:   cfg.Storage.FlushAt,
		ChunkSize: cfg.Storage.ChunkFor(model.PositionLogSize),
		Module:    positionsModule,
	}, mgmt, storage)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Engine ---
	eng := engine.New(engineCfg, engine.Deps{
		Ledger:     ledger.As(engineCfg.ID),
		CMCaller:   cm,
		Management: mgmt,
		Verifier:   verifier,
		Trades:     trades,
		Positions:  positions,
		Events:     wsHub,
	})
	cm.Attach(eng.HandleCMCallback)

	restored, err := eng.Load(ctx, snapshots)
	if err != nil {
		slog.Error("snapshot restore failed", "err", err)
		os.Exit(1)
	}
	slog.Info("engine ready", "restored", restored, "canister_id", engineCfg.ID.String())

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go eng.Run(runCtx, cfg.PayoutInterval)
	go deliverCallbacks(runCtx, cm, cfg.PayoutInterval)
	go persistLoop(runCtx, eng, snapshots, cfg.SnapshotInterval)

	// --- HTTP router ---
	tradeSvc := trade.NewService(eng, wsHub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trade.HeaderCaller+", "+trade.HeaderCycles)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cts-trade-contract"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	tradeSvc.Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade contract listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trade contract...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopRun()
	if err := eng.Persist(shutdownCtx, snapshots); err != nil {
		slog.Error("final snapshot failed", "err", err)
	}
	fmt.Println("trade contract stopped")
}

// readModule loads a storage child module from path, or returns tag when
// no path is configured.
func readModule(path, tag string) ([]byte, error) {
	if path == "" {
		return []byte(tag), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty module " + path)
	}
	return b, nil
}

// deliverCallbacks drains the cm_caller's pending callbacks.
func deliverCallbacks(ctx context.Context, cm *sim.CMCaller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cm.Deliver(ctx); err != nil {
				slog.Warn("callback delivery failed", "err", err)
			}
		}
	}
}

// persistLoop saves the heap state every interval.
func persistLoop(ctx context.Context, eng *engine.Engine, snapshots store.SnapshotStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.Persist(ctx, snapshots); err != nil {
				slog.Warn("snapshot failed", "err", err)
			}
		}
	}
}
