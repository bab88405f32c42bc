// Package generator synthesises a signed sample ledger: a set of RSA signer
// keys and chains of transactions passing products between them, complete
// with link edges. Every generated transaction carries a real signature, so
// the dataset exercises the full verification path on ingest.
package generator

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/rand"
	"time"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/service"
)

// Dataset contains the generated keys and transactions.
type Dataset struct {
	Keys         []service.KeyInput         `json:"keys"`
	Transactions []service.TransactionInput `json:"transactions"`
}

// Generator produces a synthetic signed ledger.
type Generator struct {
	cfg  Config
	rand *rand.Rand
}

type signer struct {
	hash string
	priv *rsa.PrivateKey
}

// New returns a configured Generator instance.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.NumKeys <= 0 {
		cfg.NumKeys = def.NumKeys
	}
	if cfg.NumChains <= 0 {
		cfg.NumChains = def.NumChains
	}
	if cfg.ChainLength <= 0 {
		cfg.ChainLength = def.ChainLength
	}
	if cfg.DualFlowChance <= 0 {
		cfg.DualFlowChance = def.DualFlowChance
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = def.KeyBits
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &Generator{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Generate synthesises signer keys and product chains. The seeded random
// source drives key generation too, so the same seed reproduces the same
// ledger. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Dataset, error) {
	keys := make([]service.KeyInput, 0, g.cfg.NumKeys)
	signers := make([]signer, 0, g.cfg.NumKeys)

	for i := 0; i < g.cfg.NumKeys; i++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}

		priv, err := rsa.GenerateKey(g.rand, g.cfg.KeyBits)
		if err != nil {
			return Dataset{}, fmt.Errorf("generate signer key %d: %w", i+1, err)
		}
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return Dataset{}, fmt.Errorf("encode signer key %d: %w", i+1, err)
		}
		pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

		keys = append(keys, service.KeyInput{
			PublicKey:   pemText,
			Name:        fmt.Sprintf("node-%02d", i+1),
			Description: g.randomNodeDescription(),
		})
		signers = append(signers, signer{
			hash: canonical.KeyHash(pemText),
			priv: priv,
		})
	}

	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	var transactions []service.TransactionInput

	for chain := 0; chain < g.cfg.NumChains; chain++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}

		product := g.randomProduct()
		prevHash := ""
		ts := base.Add(time.Duration(chain) * 3 * time.Hour)

		for step := 0; step < g.cfg.ChainLength; step++ {
			from := signers[g.rand.Intn(len(signers))]
			to := signers[g.rand.Intn(len(signers))]

			input := g.buildTransaction(from, to, product, chain, step, ts)
			if prevHash != "" {
				input.Links = []service.LinkInput{{Input: prevHash, Product: product}}
			}

			signed, err := g.sign(from.priv, input)
			if err != nil {
				return Dataset{}, err
			}
			transactions = append(transactions, signed)

			prevHash = signed.Hash
			ts = ts.Add(time.Duration(10+g.rand.Intn(50)) * time.Minute)
		}
	}

	return Dataset{Keys: keys, Transactions: transactions}, nil
}

func (g *Generator) buildTransaction(from, to signer, product string, chain, step int, ts time.Time) service.TransactionInput {
	input := service.TransactionInput{
		Type:        1 + g.rand.Intn(3),
		Mode:        g.rand.Intn(2),
		Transmitter: from.hash,
		Timestamp:   ts.Format(time.RFC3339),
	}
	if from.hash != to.hash {
		input.Receiver = to.hash
	}

	if step > 0 && g.rand.Float64() < g.cfg.DualFlowChance {
		refined := product + "-REFINED"
		input.Payload = map[string]any{
			"new_id":      fmt.Sprintf("BATCH-%03d-%02d", chain+1, step+1),
			"product_in":  []any{[]any{product, nil}},
			"product_out": []any{[]any{refined, float64(10 + g.rand.Intn(490))}},
		}
		return input
	}

	var value any
	switch g.rand.Intn(3) {
	case 0:
		value = nil
	case 1:
		value = float64(10 + g.rand.Intn(990))
	default:
		value = fmt.Sprintf("UNIT-%03d-%02d", chain+1, step+1)
	}
	input.Payload = map[string]any{
		"product": []any{[]any{product, value}},
	}
	if step == 0 {
		input.Payload["new_id"] = fmt.Sprintf("LOT-%03d", chain+1)
	}
	return input
}

// sign computes the content hash of the submission and signs it, producing
// the record a well-behaved client would send.
func (g *Generator) sign(priv *rsa.PrivateKey, input service.TransactionInput) (service.TransactionInput, error) {
	encoded, err := canonical.Encode(domain.Transaction{
		Type:               input.Type,
		Mode:               input.Mode,
		Transmitter:        input.Transmitter,
		Receiver:           input.Receiver,
		RawClientTimestamp: input.Timestamp,
		Payload:            input.Payload,
	})
	if err != nil {
		return service.TransactionInput{}, fmt.Errorf("encode generated transaction: %w", err)
	}
	digest := canonical.Digest(encoded)

	sig, err := rsa.SignPKCS1v15(g.rand, priv, crypto.SHA256, digest)
	if err != nil {
		return service.TransactionInput{}, fmt.Errorf("sign generated transaction: %w", err)
	}

	input.Hash = hex.EncodeToString(digest)
	input.Signature = hex.EncodeToString(sig)
	return input, nil
}

func (g *Generator) randomProduct() string {
	products := []string{
		"OLIVE-OIL", "WHEAT-FLOUR", "TOMATO-PASTE", "CANE-SUGAR",
		"COCOA-MASS", "SUNFLOWER-SEED", "ALMOND-RAW", "GRAPE-MUST",
	}
	return products[g.rand.Intn(len(products))]
}

func (g *Generator) randomNodeDescription() string {
	descriptions := []string{
		"harvest collection point", "processing plant", "bottling line",
		"regional warehouse", "quality control lab", "export terminal",
	}
	return descriptions[g.rand.Intn(len(descriptions))]
}
