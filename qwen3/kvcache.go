package qwen3

// KVCache stores rotated keys and projected values for every token seen so
// far, one contiguous allocation per tensor type, shaped logically
// [L, G, P, h] and laid out in that index order so that for a fixed
// (layer, group) all tokens occupy a contiguous P*h tile — the access
// pattern the GQA kernel needs for sequentially increasing addresses.
type KVCache struct {
	maxSeqLen    int
	headDim      int
	numLayers    int
	numGroups    int
	currentIndex int

	key   []float32
	value []float32
}

// NewKVCache allocates and zero-initializes both cache tensors.
func NewKVCache(maxSeqLen, headDim, numGroups, numLayers int) *KVCache {
	total := numLayers * numGroups * maxSeqLen * headDim
	return &KVCache{
		maxSeqLen: maxSeqLen,
		headDim:   headDim,
		numLayers: numLayers,
		numGroups: numGroups,
		key:       make([]float32, total),
		value:     make([]float32, total),
	}
}

func (c *KVCache) offset(layer, group, token int) int {
	return ((layer*c.numGroups+group)*c.maxSeqLen + token) * c.headDim
}

func (c *KVCache) checkLayerGroup(layer, group int) error {
	if layer < 0 || layer >= c.numLayers {
		return newErrf(KindRange, "layer %d out of range [0,%d)", layer, c.numLayers)
	}
	if group < 0 || group >= c.numGroups {
		return newErrf(KindRange, "group %d out of range [0,%d)", group, c.numGroups)
	}
	return nil
}

// SetCurrentKey splits the concatenated [G*h] vector across groups and
// writes each group's slice at the current index.
func (c *KVCache) SetCurrentKey(layer int, concatenated []float32) error {
	if layer < 0 || layer >= c.numLayers {
		return newErrf(KindRange, "layer %d out of range [0,%d)", layer, c.numLayers)
	}
	for g := 0; g < c.numGroups; g++ {
		dst := c.key[c.offset(layer, g, c.currentIndex) : c.offset(layer, g, c.currentIndex)+c.headDim]
		src := concatenated[g*c.headDim : (g+1)*c.headDim]
		copy(dst, src)
	}
	return nil
}

// SetCurrentValue mirrors SetCurrentKey for the value cache.
func (c *KVCache) SetCurrentValue(layer int, concatenated []float32) error {
	if layer < 0 || layer >= c.numLayers {
		return newErrf(KindRange, "layer %d out of range [0,%d)", layer, c.numLayers)
	}
	for g := 0; g < c.numGroups; g++ {
		dst := c.value[c.offset(layer, g, c.currentIndex) : c.offset(layer, g, c.currentIndex)+c.headDim]
		src := concatenated[g*c.headDim : (g+1)*c.headDim]
		copy(dst, src)
	}
	return nil
}

// GroupBaseKey returns the full [P*h] slab for (layer, group), the first
// current_index+1 rows of which are valid.
func (c *KVCache) GroupBaseKey(layer, group int) ([]float32, error) {
	if err := c.checkLayerGroup(layer, group); err != nil {
		return nil, err
	}
	start := c.offset(layer, group, 0)
	return c.key[start : start+c.maxSeqLen*c.headDim], nil
}

// GroupBaseValue mirrors GroupBaseKey for the value cache.
func (c *KVCache) GroupBaseValue(layer, group int) ([]float32, error) {
	if err := c.checkLayerGroup(layer, group); err != nil {
		return nil, err
	}
	start := c.offset(layer, group, 0)
	return c.value[start : start+c.maxSeqLen*c.headDim], nil
}

// Advance increments current_index. Fails with CapacityError at P-1: the
// last valid write position must still be addressable, so a cache sized
// for P positions can be advanced at most P-1 times.
func (c *KVCache) Advance() error {
	if c.currentIndex >= c.maxSeqLen-1 {
		return newErrf(KindCapacity, "token limit reached: %d", c.maxSeqLen)
	}
	c.currentIndex++
	return nil
}

// Reset sets current_index to 0 without zeroing storage.
func (c *KVCache) Reset() { c.currentIndex = 0 }

func (c *KVCache) CurrentIndex() int     { return c.currentIndex }
func (c *KVCache) MaxSequenceLength() int { return c.maxSeqLen }
func (c *KVCache) RemainingTokens() int  { return c.maxSeqLen - c.currentIndex }
func (c *KVCache) HeadDim() int          { return c.headDim }
func (c *KVCache) NumLayers() int        { return c.numLayers }
func (c *KVCache) NumGroups() int        { return c.numGroups }

// TotalMemorySize returns the combined byte size of both cache tensors.
func (c *KVCache) TotalMemorySize() int {
	return 2 * c.numLayers * c.numGroups * c.maxSeqLen * c.headDim * 4
}
