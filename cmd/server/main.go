package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/playpredict/market-engine/internal/config"
	"github.com/playpredict/market-engine/internal/economy"
	"github.com/playpredict/market-engine/internal/ledger"
	"github.com/playpredict/market-engine/internal/limits"
	"github.com/playpredict/market-engine/internal/liquidity"
	"github.com/playpredict/market-engine/internal/metrics"
	"github.com/playpredict/market-engine/internal/store"
	"github.com/playpredict/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	economy.InitialMarketLiquidity = decimal.NewFromFloat(cfg.Economy.InitialMarketLiquidity)
	economy.LiquidityVolumeBonus = decimal.NewFromFloat(cfg.Economy.LiquidityVolumeBonus)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger executor and services ---
	hooks := liquidity.SettlementTable()
	if err := hooks.Validate(); err != nil {
		slog.Error("settlement table incomplete", "err", err)
		os.Exit(1)
	}
	exec := ledger.NewExecutor(st, hooks, logger)
	liqSvc := liquidity.NewService(st, exec, logger)
	limiter := limits.NewPositionLimiter(
		decimal.NewFromFloat(cfg.Limits.MaxPerMarket),
		decimal.NewFromFloat(cfg.Limits.MaxTotal),
	)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, exec, liqSvc, limiter, wsHub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time probability updates.
		r.Get("/ws", wsHub.HandleWS)

		// Market management.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Post("/markets", tradeSvc.CreateMarket)
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)
		r.Get("/markets/{marketID}/probability", tradeSvc.GetProbability)
		r.Get("/markets/{marketID}/quote", tradeSvc.GetQuote)
		r.Get("/markets/{marketID}/balances", tradeSvc.GetMarketBalances)
		r.Get("/markets/{marketID}/transactions", tradeSvc.GetMarketTransactions)
		r.Post("/markets/{marketID}/resolve", tradeSvc.Resolve)

		// Liquidity provision.
		r.Get("/markets/{marketID}/liquidity", tradeSvc.GetMarketLiquidity)
		r.Post("/markets/{marketID}/liquidity", tradeSvc.AddLiquidity)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)

		// Account queries and house bonuses.
		r.Get("/accounts/{accountID}/balance", tradeSvc.GetBalance)
		r.Post("/bonuses", tradeSvc.GrantBonus)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("market-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
