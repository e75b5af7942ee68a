package qwen3

// gqaForward computes grouped-query attention for one token over a cached
// history. query is [A, h]; keyGroups/valueGroups are per-group [P, h]
// slabs (only the first n rows are valid). Output overwrites query in
// place — safe because each head reads its own query row exactly once
// before writing its own output row.
//
// Head-to-group mapping: query head a maps to kv group g = a / (A/G).
func gqaForward(query []float32, keyGroups, valueGroups [][]float32, numHeads, numGroups, headDim, n, maxLen int, scale float32) error {
	if numGroups == 0 || numHeads%numGroups != 0 {
		return newErrf(KindShape, "num_heads (%d) must be a multiple of num_groups (%d)", numHeads, numGroups)
	}
	if n > maxLen {
		return newErrf(KindShape, "sequence length %d exceeds cache capacity %d", n, maxLen)
	}
	groupSize := numHeads / numGroups

	scores := make([][]float32, numHeads)
	for h := 0; h < numHeads; h++ {
		scores[h] = make([]float32, n)
	}

	parallelRows(numHeads, func(h int) {
		g := h / groupSize
		key := keyGroups[g]
		q := query[h*headDim : (h+1)*headDim]
		s := scores[h]
		for pos := 0; pos < n; pos++ {
			k := key[pos*headDim : (pos+1)*headDim]
			s[pos] = dot(q, k) * scale
		}
		softmax(s)

		value := valueGroups[g]
		out := query[h*headDim : (h+1)*headDim]
		for d := 0; d < headDim; d++ {
			out[d] = 0
		}
		for pos := 0; pos < n; pos++ {
			w := s[pos]
			v := value[pos*headDim : (pos+1)*headDim]
			for d := 0; d < headDim; d++ {
				out[d] += w * v[d]
			}
		}
	})
	return nil
}
