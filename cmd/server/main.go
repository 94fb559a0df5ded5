package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/solfight/match-engine/internal/api"
	"github.com/solfight/match-engine/internal/chain"
	"github.com/solfight/match-engine/internal/match"
	"github.com/solfight/match-engine/internal/matchmaking"
	"github.com/solfight/match-engine/internal/metrics"
	"github.com/solfight/match-engine/internal/session"
	"github.com/solfight/match-engine/internal/settlement"
	"github.com/solfight/match-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Match engine and matchmaking ---
	eng := match.NewEngine(st, nil, match.Config{
		DepositWindow:   envDuration("DEPOSIT_WINDOW", 60*time.Second),
		DisconnectGrace: envDuration("DISCONNECT_GRACE", 60*time.Second),
	})

	var hub *session.Hub
	queue := matchmaking.NewQueue(st, eng.CreateMatch, func(playerID string, reason error) {
		hub.NotifyQueueDrop(playerID, reason)
	}, eng.HasActiveMatch)

	// --- Session hub ---
	// Tokens are "wallet:<address>", treated as pre-verified. Signature
	// verification of the wallet challenge happens at the auth gateway in
	// front of this service.
	authFn := func(ctx context.Context, token string) (string, error) {
		const prefix = "wallet:"
		if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
			return "", errors.New("malformed token")
		}
		playerID := token[len(prefix):]
		if _, err := st.GetPlayer(ctx, playerID); err != nil {
			return "", err
		}
		return playerID, nil
	}
	hub = session.NewHub(st, queue, eng, authFn, session.DefaultConfig())
	eng.SetSink(hub)

	// --- Settlement ---
	var chainClient chain.Client
	if os.Getenv("CHAIN_PAYOUTS") == "1" {
		chainClient = chain.StubClient{}
		slog.Info("on-chain payout submission enabled")
	}
	settler, err := settlement.NewEngine(st, chainClient, eng, hub, eng.Snapshots(), settlement.Config{
		RakeBps: envInt("RAKE_BPS", 1000),
	})
	if err != nil {
		slog.Error("settlement config invalid", "err", err)
		os.Exit(1)
	}

	// --- REST surface ---
	apiSvc := api.NewService(st, queue, eng)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
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
		w.Write([]byte(`{"status":"ok","service":"match-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for commands and real-time events.
		r.Get("/ws", hub.HandleWS)

		// Players.
		r.Post("/players", apiSvc.RegisterPlayer)
		r.Get("/players/{playerID}", apiSvc.GetPlayer)
		r.Get("/players/{playerID}/trades", apiSvc.GetPlayerTrades)

		// Matches.
		r.Get("/matches/{matchID}", apiSvc.GetMatch)
		r.Get("/matches/{matchID}/trades", apiSvc.GetMatchTrades)
		r.Get("/matches/{matchID}/settlement", apiSvc.GetSettlement)
		r.Post("/matches/{matchID}/deposits", apiSvc.ConfirmDeposit)

		// Matchmaking.
		r.Get("/queue/stats", apiSvc.QueueStats)

		// Platform totals.
		r.Get("/platform", apiSvc.GetPlatform)

		// Price feed.
		r.Post("/ticks", apiSvc.IngestTicks)
		r.Get("/prices", apiSvc.GetPrices)
	})

	// --- Start background loops ---
	eng.Start(ctx)
	queue.Start(ctx)
	hub.Start(ctx)
	settler.Start(ctx)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("match-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down match-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Stop intake first, then the engine, then settlement so in-flight
	// snapshots still get recorded.
	hub.Stop()
	queue.Stop()
	eng.Stop()
	settler.Stop()
	fmt.Println("match-engine stopped")
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", def)
	}
	return def
}
