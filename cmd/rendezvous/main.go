// Command rendezvous runs a standalone descriptor registry service.
//
// Agents publish signed transport descriptors here and resolve their
// peers' dialable addresses.
//
// # Configuration File
//
// Create a YAML file with registry settings:
//
//	http_addr: ":8080"
//
// # Endpoints
//
//   - POST /descriptors - Publish a signed descriptor
//   - GET /descriptors/{context}/{authority} - Fetch a descriptor
//   - DELETE /descriptors/{context}/{authority} - Remove a descriptor
//   - GET /resolve/{context}/{authority} - Resolve a peer address
//
// # Usage
//
//	go run ./cmd/rendezvous --config=rendezvous.yaml
//	go run ./cmd/rendezvous --addr=:8080
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hxrts/aura-sub037/cmd/common"
	"github.com/hxrts/aura-sub037/services/rendezvous"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "HTTP listen address")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func run(cfg *common.Config) error {
	registry := rendezvous.NewRegistry(nil)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	registry.RegisterRoutes(r)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("Rendezvous registry listening on %s\n", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
	defer cancel()

	fmt.Println("Shutting down registry...")
	return server.Shutdown(ctx)
}
