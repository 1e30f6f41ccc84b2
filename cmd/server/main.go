package main

import (
	"context"
	"errors"
	"flag"
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

	"github.com/coinwar/settlement-engine/internal/api"
	"github.com/coinwar/settlement-engine/internal/config"
	"github.com/coinwar/settlement-engine/internal/custody"
	"github.com/coinwar/settlement-engine/internal/engine"
	"github.com/coinwar/settlement-engine/internal/metrics"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/oracle"
	"github.com/coinwar/settlement-engine/internal/scheduler"
	"github.com/coinwar/settlement-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", os.Getenv("COINWAR_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.EnsureSchema(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	cust := custody.NewMemory()
	eng, err := engine.New(st, cust, cfg.EngineSettings(), engine.WithPublisher(wsHub))
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if err := bootstrap(ctx, eng, cust, cfg); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

	src := oracle.NewHTTPSource(cfg.Oracle.Endpoint)
	src.HTTP.Timeout = cfg.Oracle.Timeout.Duration

	// --- Settlement scheduler ---
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(eng, src)
		if err := sched.Add(ctx, cfg.Scheduler.Spec); err != nil {
			slog.Error("invalid settle schedule", "spec", cfg.Scheduler.Spec, "err", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	// --- HTTP router ---
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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	h := api.NewHandler(eng, src)
	r.Route("/api/v1", func(r chi.Router) {
		// Committed pool and round events.
		r.Get("/ws", wsHub.HandleWS)
		h.Routes(r)
		if cfg.Custody.Faucet {
			slog.Warn("wallet faucet enabled")
			api.NewFaucet(cust).Routes(r)
		}
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

// bootstrap initializes any missing pool and opens the first round when the
// store has none.
func bootstrap(ctx context.Context, eng *engine.Engine, cust *custody.Memory, cfg *config.Config) error {
	for _, id := range model.CanonicalPools() {
		_, err := eng.CreatePool(ctx, id)
		switch {
		case err == nil:
			slog.Info("pool initialized", "pool", id)
		case errors.Is(err, engine.ErrAlreadyInitialized):
		default:
			return err
		}
		// The in-process custodian starts empty on every boot, so each pool
		// wallet is seeded with what the engine believes it holds.
		if cfg.Custody.SeedPools {
			p, err := eng.GetPool(ctx, id)
			if err != nil {
				return err
			}
			cust.Fund(custody.PoolAccount(id), p.TotalDeposit.Add(p.AccruedYield))
		}
	}

	_, err := eng.CurrentRound(ctx)
	if errors.Is(err, engine.ErrNoRound) {
		round, err := eng.OpenRound(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		slog.Info("round opened", "round", round.ID, "ends", round.EndTime)
		return nil
	}
	return err
}
