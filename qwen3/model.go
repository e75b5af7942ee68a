package qwen3

import (
	"context"
	"fmt"
	"math"

	"qwen3-go/internal/telemetry"
)

// Model is the top-level driver: config, weight archive, decoder stack, KV
// cache, rotary tables, hidden-state buffers, and a tokens-processed
// counter.
type Model struct {
	config Config
	headDim int

	archive *Archive
	embedding *View
	finalNorm *View
	rope      *RotaryTable
	cache     *KVCache
	decoders  []*Decoder

	hidden     []float32
	decoderOut []float32
	normOut    []float32
	logits     []float32

	tokensProcessed uint64
}

// NewModel validates config and allocates the fixed-size hidden-state
// buffers; weights are not touched until LoadWeights.
func NewModel(config Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		config:     config,
		headDim:    config.HeadDim(),
		hidden:     make([]float32, config.HiddenSize),
		decoderOut: make([]float32, config.HiddenSize),
		normOut:    make([]float32, config.HiddenSize),
		logits:     make([]float32, config.VocabSize),
	}
	return m, nil
}

func wrapTensor(a *Archive, name string) (*View, error) {
	return a.ViewF32(name)
}

// LoadWeights opens the archive, wraps every required tensor, precomputes
// the rotary table, constructs the KV cache and one Decoder per layer
// (calling Prepare on each), and resets the cache and counter.
func (m *Model) LoadWeights(path string, useMmap bool) error {
	archive, err := Open(path, useMmap)
	if err != nil {
		return err
	}

	embedding, err := wrapTensor(archive, "model.embed_tokens.weight")
	if err != nil {
		archive.Close()
		return err
	}
	finalNorm, err := wrapTensor(archive, "model.norm.weight")
	if err != nil {
		archive.Close()
		return err
	}

	rope := NewRotaryTable(m.config.MaxPositions, m.headDim, m.config.RopeTheta)
	cache := NewKVCache(m.config.MaxPositions, m.headDim, m.config.NumKeyValueHeads, m.config.NumLayers)

	decoders := make([]*Decoder, 0, m.config.NumLayers)
	for layer := 0; layer < m.config.NumLayers; layer++ {
		prefix := fmt.Sprintf("model.layers.%d.", layer)

		inputNorm, err := wrapTensor(archive, prefix+"input_layernorm.weight")
		if err != nil {
			archive.Close()
			return err
		}
		postAttnNorm, err := wrapTensor(archive, prefix+"post_attention_layernorm.weight")
		if err != nil {
			archive.Close()
			return err
		}
		qProj, err := wrapTensor(archive, prefix+"self_attn.q_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}
		kProj, err := wrapTensor(archive, prefix+"self_attn.k_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}
		vProj, err := wrapTensor(archive, prefix+"self_attn.v_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}
		oProj, err := wrapTensor(archive, prefix+"self_attn.o_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}
		qNorm, err := wrapTensor(archive, prefix+"self_attn.q_norm.weight")
		if err != nil {
			archive.Close()
			return err
		}
		kNorm, err := wrapTensor(archive, prefix+"self_attn.k_norm.weight")
		if err != nil {
			archive.Close()
			return err
		}
		gateProj, err := wrapTensor(archive, prefix+"mlp.gate_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}
		upProj, err := wrapTensor(archive, prefix+"mlp.up_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}
		downProj, err := wrapTensor(archive, prefix+"mlp.down_proj.weight")
		if err != nil {
			archive.Close()
			return err
		}

		selfAttn, err := NewSelfAttention(qProj, kProj, vProj, oProj, qNorm, kNorm, rope, layer, cache, m.config.RMSNormEps)
		if err != nil {
			archive.Close()
			return err
		}
		decoder := NewDecoder(inputNorm, postAttnNorm, gateProj, upProj, downProj, selfAttn, m.config.RMSNormEps)
		decoder.Prepare()
		decoders = append(decoders, decoder)
	}

	// Swap in the newly built state only once everything succeeded, so a
	// failed LoadWeights never leaves the model half-initialized.
	if m.archive != nil {
		m.archive.Close()
	}
	m.archive = archive
	m.embedding = embedding
	m.finalNorm = finalNorm
	m.rope = rope
	m.cache = cache
	m.decoders = decoders

	m.cache.Reset()
	m.tokensProcessed = 0
	return nil
}

// ResetCache zeroes current_index (not storage) and the tokens-processed
// counter.
func (m *Model) ResetCache() error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	m.cache.Reset()
	m.tokensProcessed = 0
	return nil
}

func (m *Model) ensureLoaded() error {
	if m.archive == nil || m.embedding == nil || m.finalNorm == nil || m.cache == nil {
		return newErr(KindState, "model weights have not been loaded")
	}
	return nil
}

func (m *Model) checkTokenValid(id int32) error {
	if id < 0 || int(id) >= m.config.VocabSize {
		return newErrf(KindRange, "token id %d out of vocabulary range [0,%d)", id, m.config.VocabSize)
	}
	return nil
}

func (m *Model) ensurePositionCapacity() error {
	if m.cache.CurrentIndex() >= m.cache.MaxSequenceLength() {
		return newErrf(KindCapacity, "exceeded maximum position embeddings (%d)", m.cache.MaxSequenceLength())
	}
	return nil
}

func (m *Model) embedToken(id int32) {
	h := m.config.HiddenSize
	copy(m.hidden, m.embedding.Data[int(id)*h:int(id)*h+h])
}

// runDecoderStack alternates between m.hidden and m.decoderOut to avoid
// copies, swapping ownership at the end if the final state landed in the
// auxiliary buffer.
func (m *Model) runDecoderStack(ctx context.Context, tokenIndex int) error {
	current := m.hidden
	next := m.decoderOut
	swapped := false

	for _, d := range m.decoders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Run(current, tokenIndex, next); err != nil {
			return err
		}
		current, next = next, current
		swapped = !swapped
	}

	if swapped {
		m.hidden, m.decoderOut = m.decoderOut, m.hidden
	}
	return nil
}

// ProcessPromptToken validates id, embeds it, runs the decoder stack, and
// advances the cache. Does not produce logits.
func (m *Model) ProcessPromptToken(ctx context.Context, id int32) error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	if err := m.checkTokenValid(id); err != nil {
		return err
	}
	if err := m.ensurePositionCapacity(); err != nil {
		return err
	}

	m.embedToken(id)
	tokenIndex := m.cache.CurrentIndex()
	if err := m.runDecoderStack(ctx, tokenIndex); err != nil {
		return err
	}

	if err := m.cache.Advance(); err != nil {
		return err
	}
	m.tokensProcessed++
	return nil
}

// PredictNextToken runs the decoder stack for id, applies the final norm,
// projects through the tied embedding matrix, softmaxes in place, and
// returns the resulting probability vector. The returned slice is owned by
// the model and is only valid until the next call.
func (m *Model) PredictNextToken(ctx context.Context, id int32) ([]float32, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	if err := m.checkTokenValid(id); err != nil {
		return nil, err
	}
	if err := m.ensurePositionCapacity(); err != nil {
		return nil, err
	}

	m.embedToken(id)
	tokenIndex := m.cache.CurrentIndex()
	if err := m.runDecoderStack(ctx, tokenIndex); err != nil {
		return nil, err
	}

	rmsnorm(m.hidden, m.finalNorm.Data, 1, m.config.HiddenSize, m.config.RMSNormEps, m.normOut)
	// Weight tying: the LM head reuses model.embed_tokens.weight, [V, H],
	// as the (out, in) = (V, H) projection linear() expects.
	linear(m.normOut, m.embedding.Data, 1, m.config.HiddenSize, m.config.VocabSize, m.logits)
	softmax(m.logits)
	scanForInstability("probabilities", m.logits)

	if err := m.cache.Advance(); err != nil {
		return nil, err
	}
	m.tokensProcessed++
	return m.logits, nil
}

// TokensProcessed returns the number of tokens processed since the last
// LoadWeights or ResetCache.
func (m *Model) TokensProcessed() uint64 { return m.tokensProcessed }

// Close releases the underlying weight archive mapping.
func (m *Model) Close() error {
	if m.archive == nil {
		return nil
	}
	return m.archive.Close()
}

// scanForInstability is a cheap post-hoc NaN/Inf check on a returned
// buffer. It never alters engine output or control flow: numerical faults
// propagate through the hot path untouched, and this only records that one
// was seen.
func scanForInstability(tensor string, values []float32) {
	for _, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			telemetry.NumericalInstabilityTotal.WithLabelValues(tensor).Inc()
			telemetry.Log.Warn("numerical instability detected", "tensor", tensor)
			return
		}
	}
}
