// Command collabd serves shared plain-text documents.
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
	"time"

	"github.com/serroba/collab-text/internal/acl"
	"github.com/serroba/collab-text/internal/api"
	"github.com/serroba/collab-text/internal/collab"
	"github.com/serroba/collab-text/internal/config"
	"github.com/serroba/collab-text/internal/storage"
	"github.com/serroba/collab-text/internal/ws"
)

func main() {
	envFile := flag.String("env", ".env", "optional file of environment settings")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Closing store: %v", err)
		}
	}()

	hub := ws.NewHub()

	managerCfg := collab.ManagerConfig{
		Store:          store,
		Hub:            hub,
		SnapshotPolicy: storage.NewSnapshotPolicy(cfg.SnapshotEvery),
		HistorySize:    cfg.HistorySize,
	}

	if cfg.ACLEnabled {
		managerCfg.PermStore = acl.NewMemoryStore()
		managerCfg.DefaultRole = &cfg.ACLDefaultRole
	}

	manager := collab.NewManager(managerCfg)

	if cfg.DefaultDocument != "" {
		err := manager.CreateDocument(ctx, cfg.DefaultDocument, cfg.DefaultText, "")
		if err != nil && !errors.Is(err, storage.ErrDocumentExists) {
			return fmt.Errorf("create %s: %w", cfg.DefaultDocument, err)
		}
	}

	server := api.NewServer(api.ServerConfig{
		Manager:      manager,
		Hub:          hub,
		SendBuffer:   cfg.SendBuffer,
		PingInterval: cfg.PingInterval,
		RequireUser:  cfg.ACLEnabled,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Printf("Starting server on %s (store=%s, acl=%t)", cfg.Addr, cfg.Store, cfg.ACLEnabled)

		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Streams are hijacked connections; closing the sessions ends them.
	if err := manager.CloseAll(shutdownCtx); err != nil {
		log.Printf("Closing sessions: %v", err)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreBolt:
		return storage.NewBoltStore(cfg.BoltPath)
	case config.StorePostgres:
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StoreRedis:
		return storage.NewRedisStore(ctx, cfg.RedisAddr)
	default:
		return storage.NewMemoryStore(), nil
	}
}
