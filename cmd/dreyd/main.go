package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreylabs/drey/internal/api"
	"github.com/dreylabs/drey/internal/config"
	"github.com/dreylabs/drey/internal/conflict"
	"github.com/dreylabs/drey/internal/realtime"
	"github.com/dreylabs/drey/internal/session"
	"github.com/dreylabs/drey/pkg/entrystore"
)

func main() {
	// 1. Load drey.yml if present, otherwise run on defaults
	configPath := os.Getenv("DREY_CONFIG")
	if configPath == "" {
		configPath = "drey.yml"
	}

	var cfg *config.DreyConfig
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	// 2. Environment overrides
	if v := os.Getenv("DREY_INSTANCE_NAME"); v != "" {
		cfg.Instance = v
	}
	if v := os.Getenv("DREY_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DREY_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}

	// 3. Parse Redis URL
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid Redis URL: %v\n", err)
		os.Exit(1)
	}

	// 4. Create entry store client
	store, err := entrystore.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create entry store client: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	store.SetCASRetries(*cfg.Store.CASRetries)

	// 5. Verify Redis connectivity
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("dreyd starting for instance '%s' on %s\n", cfg.Instance, cfg.Server.ListenAddr)

	// 6. Wire the collaboration stack
	detector := conflict.NewDetector(store)
	idleWindow := time.Duration(*cfg.Collaboration.IdleWindowSeconds) * time.Second
	sessions := session.NewManager(store, idleWindow)
	broadcaster := realtime.NewBroadcaster(store, sessions, cfg.Server.AllowedOrigins)
	server := api.NewServer(store, detector, sessions, broadcaster)

	// 7. Start serving
	if err := server.Start(cfg.Server.ListenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start server: %v\n", err)
		os.Exit(1)
	}

	// 8. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Shutdown failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("dreyd stopped")
}
