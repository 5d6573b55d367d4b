package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bhorvath-dev/wa-scheduler/internal/api"
	"github.com/bhorvath-dev/wa-scheduler/internal/config"
	"github.com/bhorvath-dev/wa-scheduler/internal/dispatch"
	"github.com/bhorvath-dev/wa-scheduler/internal/gateway"
	"github.com/bhorvath-dev/wa-scheduler/internal/logging"
	"github.com/bhorvath-dev/wa-scheduler/internal/model"
	"github.com/bhorvath-dev/wa-scheduler/internal/receipts"
	"github.com/bhorvath-dev/wa-scheduler/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		slog.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	jobStore := store.NewPostgresJobStore(db)
	sender := gateway.NewClient(cfg.Gateway.Timeout, cfg.Gateway.DelayMs)

	engine, err := dispatch.New(jobStore, sender, dispatch.Config{
		Interval:    cfg.Dispatch.Interval,
		SendTimeout: cfg.Gateway.Timeout,
		MaxRetries:  cfg.Dispatch.MaxRetries,
	})
	if err != nil {
		slog.Error("failed to create dispatch engine", "error", err)
		os.Exit(1)
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		cache := receipts.NewCache(rdb, cfg.Redis.TTL)
		engine.WithSentHook(func(ctx context.Context, job model.ScheduledJob, res gateway.Result) {
			err := cache.StoreSent(ctx, receipts.Receipt{
				JobID:       job.ID,
				Recipient:   job.Recipient,
				StatusCode:  res.StatusCode,
				ProcessedAt: time.Now().UTC(),
			})
			if err != nil {
				slog.Warn("failed to cache receipt", "job_id", job.ID, "error", err)
			}
		})
		slog.Info("receipt cache enabled", "addr", cfg.Redis.Address)
	}

	engine.Start()

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(api.NewHandler(engine, jobStore))),
	}

	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	// Lets an in-flight sweep drain before the process exits.
	engine.Stop()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
