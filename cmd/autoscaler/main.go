package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ass-a2s/jitsi-autoscaler/internal/cloud"
	"github.com/ass-a2s/jitsi-autoscaler/internal/config"
	"github.com/ass-a2s/jitsi-autoscaler/internal/controller"
	"github.com/ass-a2s/jitsi-autoscaler/internal/groups"
	"github.com/ass-a2s/jitsi-autoscaler/internal/lock"
	redisstore "github.com/ass-a2s/jitsi-autoscaler/internal/redis"
	"github.com/ass-a2s/jitsi-autoscaler/internal/server"
	"github.com/ass-a2s/jitsi-autoscaler/internal/tracker"
	"github.com/ass-a2s/jitsi-autoscaler/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	storeClient, err := redisstore.NewClient(&cfg.Redis, zapLogger.Sugar())
	if err != nil {
		zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer storeClient.Close()

	instanceTracker := tracker.NewInstanceTracker(storeClient.GetClient(), cfg.Autoscaler.Tracker, zapLogger)
	lockManager := lock.NewManager(redisstore.NewQuorumClients(&cfg.Redis), cfg.Autoscaler.Lock, zapLogger)
	groupStore := groups.NewStore(storeClient.GetClient(), zapLogger)
	launcher := cloud.NewDryRunLauncher(zapLogger)

	processor := controller.NewProcessor(
		instanceTracker,
		lockManager,
		groupStore,
		launcher,
		cfg.Autoscaler.ProcessInterval,
		zapLogger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewServer(zapLogger, instanceTracker, groupStore, storeClient).Router(),
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zapLogger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
