package qwen3

// Config is the immutable per-model configuration. Field names mirror the
// Qwen3-style dense decoder this engine targets.
type Config struct {
	HiddenSize        int // H
	IntermediateSize  int // I
	NumLayers         int // L
	NumAttentionHeads int // A
	NumKeyValueHeads  int // G, must divide A
	MaxPositions      int // P
	VocabSize         int // V
	RopeTheta         float64
	RMSNormEps        float32
	BOSTokenID        int32
	EOSTokenID        int32
}

// DefaultConfig returns the reference Qwen3 dense configuration.
func DefaultConfig() Config {
	return Config{
		HiddenSize:        2048,
		IntermediateSize:  6144,
		NumLayers:         28,
		NumAttentionHeads: 16,
		NumKeyValueHeads:  8,
		MaxPositions:      40960,
		VocabSize:         151936,
		RopeTheta:         1000000.0,
		RMSNormEps:        1e-6,
		BOSTokenID:        151643,
		EOSTokenID:        151645,
	}
}

// HeadDim returns h = H/A.
func (c Config) HeadDim() int {
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

// Validate checks the structural invariants the rest of the engine relies
// on before any weight I/O is attempted.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 {
		return newErr(KindRange, "hidden_size must be positive")
	}
	if c.IntermediateSize <= 0 {
		return newErr(KindRange, "intermediate_size must be positive")
	}
	if c.NumLayers <= 0 {
		return newErr(KindRange, "num_layers must be positive")
	}
	if c.NumAttentionHeads <= 0 {
		return newErr(KindRange, "num_attention_heads must be positive")
	}
	if c.NumKeyValueHeads <= 0 {
		return newErr(KindRange, "num_key_value_heads must be positive")
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return newErrf(KindRange, "num_attention_heads (%d) must be a multiple of num_key_value_heads (%d)", c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return newErrf(KindRange, "hidden_size (%d) must be divisible by num_attention_heads (%d)", c.HiddenSize, c.NumAttentionHeads)
	}
	if c.HeadDim()%2 != 0 {
		return newErrf(KindRange, "head_dim (%d) must be even for rotary embeddings", c.HeadDim())
	}
	if c.MaxPositions <= 0 {
		return newErr(KindRange, "max_positions must be positive")
	}
	if c.VocabSize <= 0 {
		return newErr(KindRange, "vocab_size must be positive")
	}
	if c.RopeTheta <= 0 {
		return newErr(KindRange, "rope_theta must be positive")
	}
	return nil
}
