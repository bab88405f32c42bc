package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/altamira/traceledger/backend/internal/config"
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/graph"
	"github.com/altamira/traceledger/backend/internal/logging"
	"github.com/altamira/traceledger/backend/internal/repository"
	"github.com/altamira/traceledger/backend/internal/service"
	"github.com/altamira/traceledger/backend/internal/store"
)

var errMissingDataset = errors.New("dataset not found")

func main() {
	var (
		datasetDir   = flag.String("dataset-dir", "./seed-data", "Directory containing keys.json and transactions.json")
		keysPath     = flag.String("keys", "", "Path to keys.json (overrides dataset-dir)")
		transactions = flag.String("transactions", "", "Path to transactions.json (overrides dataset-dir)")
		workers      = flag.Int("workers", 4, "Number of concurrent workers for ingestion")
		activate     = flag.Bool("activate-keys", true, "Activate ingested keys so their transactions verify")
	)
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging).With("component", "ingest")

	keyFile, txFile, err := resolveDatasetPaths(*datasetDir, *keysPath, *transactions)
	if err != nil {
		logger.Error("dataset resolution failed", "error", err)
		os.Exit(1)
	}

	keys, err := loadKeyInputs(keyFile)
	if err != nil {
		logger.Error("failed to load keys", "error", err, "path", keyFile)
		os.Exit(1)
	}

	txs, err := loadTransactionInputs(txFile)
	if err != nil {
		logger.Error("failed to load transactions", "error", err, "path", txFile)
		os.Exit(1)
	}
	if len(txs) == 0 {
		logger.Error("transactions dataset empty", "path", txFile)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledgerStore, closeStore, err := buildStore(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	svc := service.NewLedgerService(ledgerStore)
	ingestor := service.NewBulkIngestor(svc, *workers)

	start := time.Now()
	if len(keys) > 0 {
		logger.Info("ingesting keys", "count", len(keys), "workers", *workers)
		if err := ingestor.IngestKeys(ctx, keys); err != nil {
			logger.Error("key ingestion failed", "error", err)
			os.Exit(1)
		}
		if *activate {
			if err := activateKeys(ctx, svc, keys); err != nil {
				logger.Error("key activation failed", "error", err)
				os.Exit(1)
			}
		}
	}

	logger.Info("ingesting transactions", "count", len(txs))
	if err := ingestor.IngestTransactions(ctx, txs); err != nil {
		logger.Error("transaction ingestion failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ingestion complete", "duration", time.Since(start).String(), "keys", len(keys), "transactions", len(txs))
}

// activateKeys flips every ingested key to active. Verification of the
// dataset's transactions requires active transmitter keys.
func activateKeys(ctx context.Context, svc *service.LedgerService, keys []service.KeyInput) error {
	for _, input := range keys {
		key, err := svc.SearchKey(ctx, input.Name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		if err := svc.ActivateKey(ctx, key.Hash); err != nil {
			return err
		}
	}
	return nil
}

func resolveDatasetPaths(baseDir, keysPath, transactionsPath string) (string, string, error) {
	resolve := func(explicitPath, fallbackFile string) (string, error) {
		if explicitPath != "" {
			if _, err := os.Stat(explicitPath); err != nil {
				return "", fmt.Errorf("stat %s: %w", explicitPath, err)
			}
			return explicitPath, nil
		}
		path := filepath.Join(baseDir, fallbackFile)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", errMissingDataset, path)
		}
		return path, nil
	}

	keysFile, err := resolve(keysPath, "keys.json")
	if err != nil {
		return "", "", err
	}
	txsFile, err := resolve(transactionsPath, "transactions.json")
	if err != nil {
		return "", "", err
	}
	return keysFile, txsFile, nil
}

func loadKeyInputs(path string) ([]service.KeyInput, error) {
	var keys []service.KeyInput
	if err := loadJSON(path, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func loadTransactionInputs(path string) ([]service.TransactionInput, error) {
	var txs []service.TransactionInput
	if err := loadJSON(path, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func loadJSON(path string, target any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	// Keep numbers as json.Number so signed payloads re-encode to the
	// exact bytes they were signed over.
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func buildStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (service.LedgerStore, func(), error) {
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
			return nil, nil, err
		}
		logger.Info("connected to graph", "uri", cfg.Graph.URI, "database", cfg.Graph.Database)
		closer := func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Warn("closing graph client failed", "error", err)
			}
		}
		return repository.New(client), closer, nil
	case "badger":
		badgerStore, err := store.Open(cfg.Store.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := badgerStore.Close(); err != nil {
				logger.Warn("closing badger store failed", "error", err)
			}
		}
		return badgerStore, closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
