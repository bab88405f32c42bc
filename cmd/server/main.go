package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/altamira/traceledger/backend/internal/config"
	"github.com/altamira/traceledger/backend/internal/graph"
	"github.com/altamira/traceledger/backend/internal/logging"
	"github.com/altamira/traceledger/backend/internal/repository"
	"github.com/altamira/traceledger/backend/internal/server"
	"github.com/altamira/traceledger/backend/internal/service"
	"github.com/altamira/traceledger/backend/internal/store"
)

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	ledgerStore, health, closeStore, err := buildStore(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	ledgerService := service.NewLedgerService(ledgerStore)
	apiHandlers := server.NewAPIHandlers(logger, ledgerService, cfg.Registration.RemoteEnabled)

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:           health,
		API:              apiHandlers,
		AllowedOrigins:   parseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	})

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// buildStore opens the configured persistence backend. The returned health
// service probes graph connectivity when the graph backend is selected; the
// badger backend has no external dependency to probe.
func buildStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (service.LedgerStore, server.HealthService, func(), error) {
	switch cfg.Store.Backend {
	case "graph":
		client, err := graph.NewNeo4jClient(ctx, graph.Options{
			URI:            cfg.Graph.URI,
			Database:       cfg.Graph.Database,
			Username:       cfg.Graph.Username,
			Password:       cfg.Graph.Password,
			MaxConnections: cfg.Graph.MaxConnections,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Warn("closing graph client failed", "error", err)
			}
		}
		return repository.New(client), server.GraphHealthService{Client: client}, closer, nil
	case "badger":
		badgerStore, err := store.Open(cfg.Store.BadgerDir)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			if err := badgerStore.Close(); err != nil {
				logger.Warn("closing badger store failed", "error", err)
			}
		}
		logger.Info("using embedded ledger store", "dir", cfg.Store.BadgerDir)
		return badgerStore, nil, closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func parseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
