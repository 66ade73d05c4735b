package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/hub"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/utils"
)

var version = "dev"

func main() {
	appLogger := logger.NewDefault("SIGNALD")
	appLogger.SetLevel(logger.ParseLevel(utils.Env("SIGNALD_LOG_LEVEL", "info")))

	addr := utils.Env("SIGNALD_ADDR", ":4040")
	redisAddr := utils.Env("SIGNALD_REDIS_ADDR", "")
	requireRedis := utils.EnvBool("SIGNALD_REQUIRE_REDIS", false)

	appLogger.Info("Starting Parley signal relay...")

	// Redis backs the retained signal log. Without it the relay still
	// fans signals out live, it just cannot replay missed ones.
	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: utils.Env("SIGNALD_REDIS_PASSWORD", ""),
			DB:       utils.StringToInt(utils.Env("SIGNALD_REDIS_DB", "0")),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			if requireRedis {
				cancel()
				log.Fatalf("Redis unreachable at %s: %v", redisAddr, err)
			}
			appLogger.Warn("Redis unreachable at %s: %v", redisAddr, err)
			appLogger.Warn("Running without retained signal log")
			rdb = nil
		} else {
			appLogger.Info("Connected to Redis at %s", redisAddr)
		}
		cancel()
	} else {
		if requireRedis {
			log.Fatal("SIGNALD_REQUIRE_REDIS is set but SIGNALD_REDIS_ADDR is not")
		}
		appLogger.Info("SIGNALD_REDIS_ADDR not configured, running without retained signal log")
	}

	h := hub.New(rdb, appLogger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/channels/", h.ServePurge)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "healthy",
			"version": version,
			"peers":   h.PeerCount(),
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Relay shutdown error: %v", err)
	}

	if rdb != nil {
		rdb.Close()
	}

	appLogger.Info("Relay exited")
}
