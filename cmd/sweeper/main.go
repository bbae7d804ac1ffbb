package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/campuslink/chat-core/internal/config"
	"github.com/campuslink/chat-core/internal/message"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := message.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}
	defer store.Close()

	log.Printf("expiry sweeper starting")
	log.Printf("  database:       %s", cfg.DatabaseURL)
	log.Printf("  sweep_interval: %s", cfg.SweepInterval)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	message.NewSweeper(store, cfg.SweepInterval).Run(ctx)
}
