package generator

// Config drives the synthetic ledger generator.
type Config struct {
	NumKeys        int
	NumChains      int
	ChainLength    int
	DualFlowChance float64
	KeyBits        int
	Seed           int64
}

// DefaultConfig returns baseline settings producing a small but connected
// sample ledger.
func DefaultConfig() Config {
	return Config{
		NumKeys:        12,
		NumChains:      40,
		ChainLength:    6,
		DualFlowChance: 0.25,
		KeyBits:        2048,
		Seed:           42,
	}
}
