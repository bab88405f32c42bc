package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/altamira/traceledger/backend/internal/generator"
)

func main() {
	cfg := generator.DefaultConfig()
	var (
		keys           = flag.Int("keys", cfg.NumKeys, "number of signer keys to generate")
		chains         = flag.Int("chains", cfg.NumChains, "number of product chains to generate")
		chainLength    = flag.Int("chain-length", cfg.ChainLength, "number of transactions per chain")
		dualFlowChance = flag.Float64("dual-flow-chance", cfg.DualFlowChance, "probability of a transformation step (product_in/product_out)")
		keyBits        = flag.Int("key-bits", cfg.KeyBits, "RSA key size in bits")
		seed           = flag.Int64("seed", cfg.Seed, "random seed for deterministic generation")
		outputDir      = flag.String("output-dir", "data", "directory to write keys.json and transactions.json")
		writeStdout    = flag.Bool("stdout", false, "write combined dataset to stdout instead of files")
	)
	flag.Parse()

	genCfg := generator.Config{
		NumKeys:        *keys,
		NumChains:      *chains,
		ChainLength:    *chainLength,
		DualFlowChance: clampProbability(*dualFlowChance),
		KeyBits:        *keyBits,
		Seed:           *seed,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	gen := generator.New(genCfg)
	dataset, err := gen.Generate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generation failed: %v\n", err)
		os.Exit(1)
	}

	if *writeStdout {
		if err := json.NewEncoder(os.Stdout).Encode(dataset); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write dataset to stdout: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := generator.WriteDataset(dataset, *outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dataset: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "Generated %d keys and %d transactions into %s\n", len(dataset.Keys), len(dataset.Transactions), *outputDir)
}

func clampProbability(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
