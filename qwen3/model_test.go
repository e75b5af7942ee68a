package qwen3

import (
	"context"
	"errors"
	"testing"
)

func tinyConfig() Config {
	return Config{
		HiddenSize:        4,
		IntermediateSize:  8,
		NumLayers:         2,
		NumAttentionHeads: 2,
		NumKeyValueHeads:  2,
		MaxPositions:      8,
		VocabSize:         6,
		RopeTheta:         10000.0,
		RMSNormEps:        1e-6,
		BOSTokenID:        0,
		EOSTokenID:        1,
	}
}

func buildTinyArchive(t *testing.T, cfg Config) string {
	t.Helper()

	h, i, a, g := cfg.HiddenSize, cfg.IntermediateSize, cfg.NumAttentionHeads, cfg.NumKeyValueHeads
	headDim := cfg.HeadDim()

	ones := func(n int) []float32 {
		v := make([]float32, n)
		for idx := range v {
			v[idx] = 1
		}
		return v
	}
	identityLinear := func(outDim, inDim int) []float32 {
		v := make([]float32, outDim*inDim)
		for r := 0; r < outDim && r < inDim; r++ {
			v[r*inDim+r] = 1
		}
		return v
	}

	specs := []namedTensor{
		{name: "model.embed_tokens.weight", data: ones(cfg.VocabSize * h), shape: []int{cfg.VocabSize, h}},
		{name: "model.norm.weight", data: ones(h)},
	}
	for layer := 0; layer < cfg.NumLayers; layer++ {
		p := sprintfLayer(layer)
		specs = append(specs,
			namedTensor{name: p + "input_layernorm.weight", data: ones(h)},
			namedTensor{name: p + "post_attention_layernorm.weight", data: ones(h)},
			namedTensor{name: p + "self_attn.q_proj.weight", data: identityLinear(a*headDim, h), shape: []int{a * headDim, h}},
			namedTensor{name: p + "self_attn.k_proj.weight", data: identityLinear(g*headDim, h), shape: []int{g * headDim, h}},
			namedTensor{name: p + "self_attn.v_proj.weight", data: identityLinear(g*headDim, h), shape: []int{g * headDim, h}},
			namedTensor{name: p + "self_attn.o_proj.weight", data: identityLinear(h, a*headDim), shape: []int{h, a * headDim}},
			namedTensor{name: p + "self_attn.q_norm.weight", data: ones(headDim)},
			namedTensor{name: p + "self_attn.k_norm.weight", data: ones(headDim)},
			namedTensor{name: p + "mlp.gate_proj.weight", data: identityLinear(i, h), shape: []int{i, h}},
			namedTensor{name: p + "mlp.up_proj.weight", data: identityLinear(i, h), shape: []int{i, h}},
			namedTensor{name: p + "mlp.down_proj.weight", data: identityLinear(h, i), shape: []int{h, i}},
		)
	}

	return writeSafetensors(t, specs)
}

func sprintfLayer(layer int) string {
	return "model.layers." + itoa(layer) + "."
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestModelLoadAndProcessPromptToken(t *testing.T) {
	cfg := tinyConfig()
	path := buildTinyArchive(t, cfg)

	model, err := NewModel(cfg)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	defer model.Close()

	if err := model.LoadWeights(path, false); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	ctx := context.Background()
	if err := model.ProcessPromptToken(ctx, 2); err != nil {
		t.Fatalf("ProcessPromptToken: %v", err)
	}
	if model.TokensProcessed() != 1 {
		t.Errorf("TokensProcessed() = %d, want 1", model.TokensProcessed())
	}
}

func TestModelPredictNextTokenReturnsDistribution(t *testing.T) {
	cfg := tinyConfig()
	path := buildTinyArchive(t, cfg)

	model, err := NewModel(cfg)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	defer model.Close()
	if err := model.LoadWeights(path, false); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	ctx := context.Background()
	logits, err := model.PredictNextToken(ctx, 0)
	if err != nil {
		t.Fatalf("PredictNextToken: %v", err)
	}
	if len(logits) != cfg.VocabSize {
		t.Fatalf("logits length = %d, want %d", len(logits), cfg.VocabSize)
	}
	var sum float32
	for _, v := range logits {
		if v < 0 {
			t.Errorf("softmax output must be non-negative, got %v", v)
		}
		sum += v
	}
	if !approxEqual(sum, 1.0, 1e-3) {
		t.Errorf("softmax output should sum to 1, got %v", sum)
	}
}

func TestModelRejectsTokenOutOfVocab(t *testing.T) {
	cfg := tinyConfig()
	path := buildTinyArchive(t, cfg)
	model, _ := NewModel(cfg)
	defer model.Close()
	if err := model.LoadWeights(path, false); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if err := model.ProcessPromptToken(context.Background(), int32(cfg.VocabSize)); !errors.Is(err, ErrRange) {
		t.Errorf("expected RangeError for out-of-vocab token, got %v", err)
	}
}

func TestModelRequiresLoadedWeights(t *testing.T) {
	cfg := tinyConfig()
	model, _ := NewModel(cfg)
	if err := model.ProcessPromptToken(context.Background(), 0); !errors.Is(err, ErrState) {
		t.Errorf("expected StateError before LoadWeights, got %v", err)
	}
}

func TestModelContextCancellationLeavesTokensProcessedUnchanged(t *testing.T) {
	cfg := tinyConfig()
	path := buildTinyArchive(t, cfg)
	model, _ := NewModel(cfg)
	defer model.Close()
	if err := model.LoadWeights(path, false); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := model.TokensProcessed()
	err := model.ProcessPromptToken(ctx, 0)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if model.TokensProcessed() != before {
		t.Errorf("TokensProcessed() changed after cancelled call: %d -> %d", before, model.TokensProcessed())
	}
}

func TestModelResetCacheClearsCounter(t *testing.T) {
	cfg := tinyConfig()
	path := buildTinyArchive(t, cfg)
	model, _ := NewModel(cfg)
	defer model.Close()
	if err := model.LoadWeights(path, false); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	ctx := context.Background()
	if err := model.ProcessPromptToken(ctx, 0); err != nil {
		t.Fatalf("ProcessPromptToken: %v", err)
	}
	if err := model.ResetCache(); err != nil {
		t.Fatalf("ResetCache: %v", err)
	}
	if model.TokensProcessed() != 0 {
		t.Errorf("TokensProcessed() after ResetCache = %d, want 0", model.TokensProcessed())
	}
	if model.cache.CurrentIndex() != 0 {
		t.Errorf("cache index after ResetCache = %d, want 0", model.cache.CurrentIndex())
	}
}
