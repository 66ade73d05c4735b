package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	apiserver "github.com/parleyhq/parley/api"
	"github.com/parleyhq/parley/pkg/call"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/media"
	"github.com/parleyhq/parley/pkg/providers"
	"github.com/parleyhq/parley/pkg/providers/auth"
	"github.com/parleyhq/parley/pkg/providers/calls"
	"github.com/parleyhq/parley/pkg/providers/history"
	"github.com/parleyhq/parley/pkg/providers/presence"
	sig "github.com/parleyhq/parley/pkg/signal"
	"github.com/parleyhq/parley/pkg/storage"
)

var version = "dev"

func main() {
	var configFile string
	var logLevel string
	flag.StringVar(&configFile, "config", "parley.yaml", "Path to the config file")
	flag.StringVar(&logLevel, "loglevel", "", "Override the configured log level")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(version, configFile, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create structured logger
	appLogger := logger.NewDefault("PARLEY")
	appLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	appLogger.Info("Starting Parley host...")
	appLogger.Info("Peer ID: %s", cfg.PeerID)

	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.DBPath, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// Create the signal transport. With a relay configured, signals travel
	// over its websocket; without one, an in-process transport keeps local
	// development and tests working.
	var transport sig.Transport
	if cfg.SignalURL != "" {
		client := sig.NewClient(cfg.SignalURL, cfg.PeerID, appLogger)
		client.Connect(ctx)
		defer client.Close()
		transport = client
		appLogger.Info("Signal transport initialized with relay URL: %s", cfg.SignalURL)
	} else {
		mem := sig.NewMemoryTransport()
		defer mem.Close()
		transport = mem
		appLogger.Info("Relay URL not configured, using in-process signal transport")
	}

	// Build the call manager on top of the transport
	rtcConfig := webrtc.Configuration{}
	for _, server := range cfg.STUNServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{URLs: []string{server}})
	}
	manager := call.NewManager(cfg.PeerID, transport, media.NewSyntheticDevices(), rtcConfig, appLogger)
	manager.OnIncoming(func(channelID string, callType sig.CallType) {
		appLogger.Info("Incoming %s call on channel %s", callType, channelID)
	})

	// Create service registry and register all default services
	registry := createServiceRegistry(store, appLogger, cfg, transport, manager)

	// Initialize all services
	if err := registry.InitializeAll(ctx); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// Start runnable services
	if err := registry.StartRunnable(ctx); err != nil {
		log.Fatalf("Failed to start runnable services: %v", err)
	}

	// Create API server
	srv := apiserver.New(registry)

	// Register service-specific routes
	if err := registry.RegisterAllRoutes(srv.Protected()); err != nil {
		log.Fatalf("Failed to register service routes: %v", err)
	}

	// Start server in a goroutine
	go func() {
		if err := srv.Start(cfg.ServerAddr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown error: %v", err)
	}

	// Shutdown all services; the calls service hangs up live sessions
	if err := registry.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Service shutdown error: %v", err)
	}

	appLogger.Info("Server exited")
}

// createServiceRegistry creates and populates the service registry with default services
func createServiceRegistry(store storage.Storage, log *logger.Logger, cfg *config.Config, transport sig.Transport, manager *call.Manager) *providers.Registry {
	registry := providers.NewRegistry(store, log, cfg, transport)

	// Register all default services
	registry.MustRegister(auth.NewService())
	registry.MustRegister(presence.NewService())
	registry.MustRegister(history.NewService())
	registry.MustRegister(calls.NewService(manager))

	return registry
}
