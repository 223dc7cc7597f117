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
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/exchange-engine/internal/account"
	"github.com/atmx/exchange-engine/internal/api"
	"github.com/atmx/exchange-engine/internal/archive"
	"github.com/atmx/exchange-engine/internal/auth"
	"github.com/atmx/exchange-engine/internal/config"
	"github.com/atmx/exchange-engine/internal/events"
	"github.com/atmx/exchange-engine/internal/lock"
	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/position"
	"github.com/atmx/exchange-engine/internal/settlement"
	"github.com/atmx/exchange-engine/internal/store"
	"github.com/atmx/exchange-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXCHANGE_CONFIG"), "path to a TOML or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("exchange-engine failed", "err", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until shutdown. Resources opened along
// the way are released on every return path.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	retry := cfg.RetryPolicy()
	retry.OnConflict = func(attempt int, err error) {
		metrics.TxConflicts.Inc()
		slog.Debug("transaction conflict", "attempt", attempt, "err", err)
	}

	// --- Initialize store ---
	var st store.Store
	var locker lock.Locker = lock.NewMemoryLocker()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, retry)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		ms.SetRetryPolicy(retry)
		st = ms
	}

	// Redis adds the read-through cache and a lock shared across replicas.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration())
		locker = lock.NewRedisLocker(rdb)
		slog.Info("Redis cache and settlement lock enabled")
	}

	// --- Event fan-out ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka close failed", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("Kafka events enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Settlement archive ---
	var arch archive.Archiver = archive.Nop{}
	if cfg.S3.Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("set up s3 archiver: %w", err)
		}
		arch = s3a
		slog.Info("settlement archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- Engines ---
	markets := market.NewService(st, publishers)
	accounts := account.NewService(st)
	trading := trade.NewEngine(st, publishers, cfg.PositionLimiter())
	settleCfg := cfg.SettlementEngine()
	settler := settlement.NewEngine(st, locker, arch, publishers, settleCfg)

	if n, err := markets.CountOpen(ctx); err != nil {
		slog.Warn("couldn't count open markets", "err", err)
	} else {
		metrics.ActiveMarkets.Set(float64(n))
	}

	// Finish any settlement interrupted by a previous shutdown or crash.
	if err := settler.ResumePending(ctx); err != nil {
		slog.Error("settlement resume failed", "err", err)
	}

	srv := api.New(api.Deps{
		Markets:      markets,
		Accounts:     accounts,
		Trading:      trading,
		Settlement:   settler,
		Positions:    position.NewResolver(st),
		Hub:          wsHub,
		JWT:          auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer, TokenTTL: time.Hour},
		Admins:       auth.NewAdmins(cfg.Auth.Admins),
		ShareEpsilon: settleCfg.ShareEpsilon,
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.Port),
		Handler: srv.Router(api.Options{
			CORSOrigins:    cfg.Server.CORSOrigins,
			RequestTimeout: cfg.Server.RequestTimeout.Duration(),
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("exchange-engine listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	slog.Info("shutting down exchange-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
	}
	fmt.Println("exchange-engine stopped")
	return nil
}
