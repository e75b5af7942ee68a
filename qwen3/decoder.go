package qwen3

// Decoder is one transformer layer: norm -> attention -> residual -> norm
// -> gated MLP -> residual.
type Decoder struct {
	inputNorm    *View
	postAttnNorm *View
	gateProj     *View
	upProj       *View
	downProj     *View

	selfAttn *SelfAttention
	epsilon  float32

	hiddenSize       int
	intermediateSize int
}

// NewDecoder wires the five norm/MLP weight tensors of one layer and an
// already-built self-attention sub-object (which holds the layer's other six
// weights, its layer index and the KV cache) together.
func NewDecoder(inputNorm, postAttnNorm, gateProj, upProj, downProj *View, selfAttn *SelfAttention, eps float32) *Decoder {
	return &Decoder{
		inputNorm:        inputNorm,
		postAttnNorm:     postAttnNorm,
		gateProj:         gateProj,
		upProj:           upProj,
		downProj:         downProj,
		selfAttn:         selfAttn,
		epsilon:          eps,
		hiddenSize:       inputNorm.Shape[0],
		intermediateSize: gateProj.Shape[0],
	}
}

// Prepare issues async prefetches for every weight this decoder owns, in
// order of first use, and prepares the self-attention sub-object.
func (d *Decoder) Prepare() {
	d.inputNorm.PrefetchAsync()
	d.selfAttn.Prepare()
	d.postAttnNorm.PrefetchAsync()
	d.gateProj.PrefetchAsync()
	d.upProj.PrefetchAsync()
	d.downProj.PrefetchAsync()
}

// Run transforms input[H] at position tokenIdx into output[H].
func (d *Decoder) Run(input []float32, tokenIdx int, output []float32) error {
	h := d.hiddenSize
	i := d.intermediateSize

	a := make([]float32, h)
	b := make([]float32, h)
	rmsnorm(input, d.inputNorm.Data, 1, h, d.epsilon, a)

	if err := d.selfAttn.Run(a, tokenIdx, b); err != nil {
		return err
	}

	c := make([]float32, h)
	elemAdd(input, b, c)

	dd := make([]float32, h)
	rmsnorm(c, d.postAttnNorm.Data, 1, h, d.epsilon, dd)

	gate := make([]float32, i)
	linear(dd, d.gateProj.Data, 1, h, i, gate)
	silu(gate, gate)

	up := make([]float32, i)
	linear(dd, d.upProj.Data, 1, h, i, up)

	elemMul(gate, up, gate)

	mlpOut := make([]float32, h)
	linear(gate, d.downProj.Data, 1, i, h, mlpOut)

	elemAdd(c, mlpOut, output)
	return nil
}
