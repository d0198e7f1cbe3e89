package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/linewire/relay/internal/server"
	"github.com/linewire/relay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (optional)")
	flag.Parse()

	fmt.Println("Starting Relay chat server...")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("Creating data directory %q: %v", cfg.DataDir, err)
	}

	st := store.New(cfg.DataDir)
	if err := st.LoadAll(); err != nil {
		log.Fatalf("Loading user records: %v", err)
	}
	log.Printf("Loaded %d user records from %s", st.Count(), cfg.DataDir)

	metrics := server.NewMetrics()
	hub := server.NewHub(metrics)
	srv := server.New(*cfg, st, hub, metrics)

	if err := srv.Listen(); err != nil {
		log.Fatalf("Starting chat listener: %v", err)
	}

	gateway := server.NewGateway(srv, *cfg, metrics)
	httpServer := server.CreateServer(cfg.HTTPAddr, gateway.Routes())

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Serve()
	}()
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("Server error: %v", err)
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.Printf("Relay shutdown: %v", err)
	}
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout.Std()); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}

func loadConfig(path string) (*server.Config, error) {
	if path != "" {
		return server.LoadConfigFile(path)
	}
	return server.NewConfigFromEnv(), nil
}
