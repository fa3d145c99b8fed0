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

	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rankingEngineAPI/handlers"
	"rankingEngineAPI/internal/config"
	"rankingEngineAPI/internal/ingest"
	"rankingEngineAPI/internal/logger"
	"rankingEngineAPI/internal/metrics"
	"rankingEngineAPI/internal/store"
	"rankingEngineAPI/middleware"
	"rankingEngineAPI/services"
)

func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		zl.Info("connected to postgres")
		return pg, nil
	case config.StoreSQLite:
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		zl.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return lite, nil
	default:
		zl.Warn("using in-memory store; scores are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer zl.Sync()

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := openStore(startCtx, cfg, zl)
	startCancel()
	if err != nil {
		zl.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer func() {
		zl.Info("closing store")
		if err := st.Close(); err != nil {
			zl.Error("store close failed", zap.Error(err))
		}
	}()

	metrics.Register(prometheus.DefaultRegisterer)
	middleware.InitPrometheus(prometheus.DefaultRegisterer)

	leaderboardService := services.NewLeaderboardService(st, zl)
	dispatcher := services.NewRecalculationDispatcher(leaderboardService, zl)
	defer dispatcher.Stop()

	var scheduler *services.RecalculationScheduler
	switch cfg.RecalcMode {
	case config.RecalcOnWrite:
		leaderboardService.SetRecalculationQueue(dispatcher)
		zl.Info("recalculating on every score change")
	default:
		scheduler, err = services.NewRecalculationScheduler(cfg.RecalcSchedule, dispatcher, zl)
		if err != nil {
			zl.Fatal("failed to create scheduler", zap.Error(err))
		}
		scheduler.Start()
		scheduler.EnqueueAll()
		zl.Info("recalculation scheduled", zap.String("schedule", cfg.RecalcSchedule))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	consumerDone := make(chan struct{})
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		consumer, err := ingest.NewActivityConsumer(ingest.ActivityConsumerConfig{
			Brokers: brokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, leaderboardService, services.IsRejected, zl)
		if err != nil {
			zl.Fatal("failed to create activity consumer", zap.Error(err))
		}
		go func() {
			defer close(consumerDone)
			defer consumer.Close()
			if err := consumer.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("activity consumer exited", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
		zl.Info("KAFKA_BROKERS not set; activity ingest disabled")
	}

	healthHandler := handlers.NewHealthHandler(leaderboardService)
	leaderboardHandler := handlers.NewLeaderboardHandler(leaderboardService, dispatcher, zl)
	leaderboardHandler.SetTimeout(cfg.RequestTimeout)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Cleanup(rootCtx.Done())

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(zl))
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuthMiddleware(cfg.MetricsUser, cfg.MetricsPass, promhttp.Handler()))
	r.HandleFunc("/health", healthHandler.Health).Methods("GET")

	// -------------------------------------------------------------------------
	// API V1 SUBROUTER
	// -------------------------------------------------------------------------
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(limiter.Middleware)
	leaderboardHandler.Register(api)

	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins([]string{"*"}),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length", "X-Request-ID"}),
	)
	recovery := gorilllaHandlers.RecoveryHandler(gorilllaHandlers.PrintRecoveryStack(true))

	port := ":" + cfg.Port
	server := http.Server{
		Addr:         port,
		Handler:      recovery(corsHandler(r)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		zl.Info("starting server", zap.String("addr", port), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	zl.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("server shutdown error", zap.Error(err))
	}

	rootCancel()
	<-consumerDone

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}

	zl.Info("server shutdown complete")
}
