package qwen3

import "testing"

func buildIdentitySelfAttention(t *testing.T, h, headDim, numHeads, numGroups, maxLen int) *SelfAttention {
	t.Helper()
	identity := func(outDim, inDim int) *View {
		v := NewOwnedView(outDim, inDim)
		for r := 0; r < outDim && r < inDim; r++ {
			v.Data[r*inDim+r] = 1
		}
		return v
	}
	ones := func(n int) *View {
		v := NewOwnedView(n)
		for i := range v.Data {
			v.Data[i] = 1
		}
		return v
	}

	qProj := identity(numHeads*headDim, h)
	kProj := identity(numGroups*headDim, h)
	vProj := identity(numGroups*headDim, h)
	oProj := identity(h, numHeads*headDim)
	qNorm := ones(headDim)
	kNorm := ones(headDim)
	rope := NewRotaryTable(maxLen, headDim, 10000.0)
	cache := NewKVCache(maxLen, headDim, numGroups, 1)

	sa, err := NewSelfAttention(qProj, kProj, vProj, oProj, qNorm, kNorm, rope, 0, cache, 1e-6)
	if err != nil {
		t.Fatalf("NewSelfAttention: %v", err)
	}
	sa.Prepare()
	return sa
}

func TestSelfAttentionRunProducesFiniteOutput(t *testing.T) {
	const h, headDim, numHeads, numGroups, maxLen = 4, 2, 2, 2, 8
	sa := buildIdentitySelfAttention(t, h, headDim, numHeads, numGroups, maxLen)

	input := []float32{1, 2, 3, 4}
	output := make([]float32, h)
	if err := sa.Run(input, 0, output); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, v := range output {
		if v != v { // NaN check
			t.Errorf("output[%d] is NaN", i)
		}
	}
}

func TestSelfAttentionDerivesShapesFromProjections(t *testing.T) {
	const h, headDim, numHeads, numGroups, maxLen = 4, 2, 2, 2, 8
	sa := buildIdentitySelfAttention(t, h, headDim, numHeads, numGroups, maxLen)

	if sa.numHeads != numHeads {
		t.Errorf("numHeads = %d, want %d", sa.numHeads, numHeads)
	}
	if sa.numGroups != numGroups {
		t.Errorf("numGroups = %d, want %d", sa.numGroups, numGroups)
	}
	if sa.headDim != headDim {
		t.Errorf("headDim = %d, want %d", sa.headDim, headDim)
	}
}
