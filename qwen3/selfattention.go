package qwen3

import "math"

// SelfAttention is one layer's attention block: Q/K/V projection, per-head
// RMS norm, rotary rotation, cache write, GQA over history, output
// projection.
type SelfAttention struct {
	qProj, kProj, vProj, oProj *View
	qNorm, kNorm               *View
	rope                       *RotaryTable

	embedDim  int
	headDim   int
	numHeads  int
	numGroups int
	scale     float32
	epsilon   float32

	layerIdx int
	cache    *KVCache

	query []float32
	key   []float32
	value []float32
}

// NewSelfAttention derives embedDim/numHeads/numGroups from the projection
// weight shapes and headDim from the k_norm weight shape,
// rather than threading them through as separate parameters.
func NewSelfAttention(qProj, kProj, vProj, oProj, qNorm, kNorm *View, rope *RotaryTable, layerIdx int, cache *KVCache, eps float32) (*SelfAttention, error) {
	if len(kProj.Shape) != 2 {
		return nil, newErrf(KindShape, "k_proj must be 2D, got shape %v", kProj.Shape)
	}
	if len(qNorm.Shape) != 1 {
		return nil, newErrf(KindShape, "q_norm must be 1D, got shape %v", qNorm.Shape)
	}
	embedDim := kProj.Shape[1]
	headDim := kNorm.Shape[0]
	if headDim == 0 {
		return nil, newErrf(KindShape, "head_dim derived as 0")
	}
	numHeads := qProj.Shape[0] / headDim
	numGroups := kProj.Shape[0] / headDim

	sa := &SelfAttention{
		qProj: qProj, kProj: kProj, vProj: vProj, oProj: oProj,
		qNorm: qNorm, kNorm: kNorm,
		rope:      rope,
		embedDim:  embedDim,
		headDim:   headDim,
		numHeads:  numHeads,
		numGroups: numGroups,
		scale:     float32(1.0 / math.Sqrt(float64(headDim))),
		epsilon:   eps,
		layerIdx:  layerIdx,
		cache:     cache,
	}
	return sa, nil
}

// Prepare lazily sizes the Q/K/V scratch buffers and issues prefetches for
// every weight this block owns.
func (sa *SelfAttention) Prepare() {
	if len(sa.query) < sa.numHeads*sa.headDim {
		sa.query = make([]float32, sa.numHeads*sa.headDim)
	}
	if len(sa.key) < sa.numGroups*sa.headDim {
		sa.key = make([]float32, sa.numGroups*sa.headDim)
	}
	if len(sa.value) < sa.numGroups*sa.headDim {
		sa.value = make([]float32, sa.numGroups*sa.headDim)
	}

	sa.qProj.PrefetchAsync()
	sa.kProj.PrefetchAsync()
	sa.vProj.PrefetchAsync()
	sa.qNorm.PrefetchAsync()
	sa.kNorm.PrefetchAsync()
	sa.oProj.PrefetchAsync()
}

// Run transforms input[H] at the given token index, writing output[H].
func (sa *SelfAttention) Run(input []float32, tokenIdx int, output []float32) error {
	query := sa.query[:sa.numHeads*sa.headDim]
	key := sa.key[:sa.numGroups*sa.headDim]
	value := sa.value[:sa.numGroups*sa.headDim]

	linear(input, sa.qProj.Data, 1, sa.embedDim, sa.numHeads*sa.headDim, query)
	linear(input, sa.kProj.Data, 1, sa.embedDim, sa.numGroups*sa.headDim, key)
	linear(input, sa.vProj.Data, 1, sa.embedDim, sa.numGroups*sa.headDim, value)

	rmsnorm(query, sa.qNorm.Data, sa.numHeads, sa.headDim, sa.epsilon, query)
	rmsnorm(key, sa.kNorm.Data, sa.numGroups, sa.headDim, sa.epsilon, key)

	if err := sa.rope.Rotate(query, sa.numHeads, sa.headDim, tokenIdx); err != nil {
		return err
	}
	if err := sa.rope.Rotate(key, sa.numGroups, sa.headDim, tokenIdx); err != nil {
		return err
	}

	if err := sa.cache.SetCurrentKey(sa.layerIdx, key); err != nil {
		return err
	}
	if err := sa.cache.SetCurrentValue(sa.layerIdx, value); err != nil {
		return err
	}

	keyGroups := make([][]float32, sa.numGroups)
	valueGroups := make([][]float32, sa.numGroups)
	for g := 0; g < sa.numGroups; g++ {
		kg, err := sa.cache.GroupBaseKey(sa.layerIdx, g)
		if err != nil {
			return err
		}
		vg, err := sa.cache.GroupBaseValue(sa.layerIdx, g)
		if err != nil {
			return err
		}
		keyGroups[g] = kg
		valueGroups[g] = vg
	}

	n := tokenIdx + 1
	if err := gqaForward(query, keyGroups, valueGroups, sa.numHeads, sa.numGroups, sa.headDim, n, sa.cache.MaxSequenceLength(), sa.scale); err != nil {
		return err
	}

	linear(query, sa.oProj.Data, 1, sa.numHeads*sa.headDim, sa.embedDim, output)
	return nil
}
