package qwen3

import (
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"

	"qwen3-go/internal/telemetry"
)

// impl tags which kernel code path is active. The only kernel code that
// branches on it is the inner loop of dot (and so linear); it is a plain
// check of the tag, not a function-pointer registry. The other kernels have
// a single code path.
type impl int

const (
	implNaive impl = iota
	implSIMD
)

var activeImpl = detectImpl()

func detectImpl() impl {
	if cpuid.CPU.Supports(cpuid.AVX2) {
		return implSIMD
	}
	return implNaive
}

// SetImplForTest pins the dispatch tag, used by tests that need the naive
// path to be bit-reproducible across machines. Returns a restore function.
func SetImplForTest(i impl) func() {
	prev := activeImpl
	activeImpl = i
	return func() { activeImpl = prev }
}

const parallelRowThreshold = 32

func parallelRows(rows int, fn func(row int)) {
	if rows < parallelRowThreshold {
		for r := 0; r < rows; r++ {
			fn(r)
		}
		return
	}
	workers := runtime.NumCPU()
	if workers > rows {
		workers = rows
	}
	var wg sync.WaitGroup
	chunk := (rows + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= rows {
			break
		}
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for r := start; r < end; r++ {
				fn(r)
			}
		}(start, end)
	}
	wg.Wait()
}

// linear computes out[M,N] = in[M,K] * W[N,K]^T, i.e. out[m,n] = sum_k
// in[m,k] * W[n,k]. Weight is stored (out, in) as in the safetensors
// archive. Parallelized across the M dimension regardless of activeImpl:
// the NAIVE/SIMD distinction is in the inner dot-product loop, not the
// outer parallelization strategy. This is the SIMD kernel dispatch
// boundary, so it's the one kernel whose wall time is recorded.
func linear(in []float32, w []float32, m, k, n int, out []float32) {
	start := time.Now()
	parallelRows(m, func(row int) {
		inRow := in[row*k : row*k+k]
		outRow := out[row*n : row*n+n]
		for col := 0; col < n; col++ {
			wRow := w[col*k : col*k+k]
			outRow[col] = dot(inRow, wRow)
		}
	})
	telemetry.KernelDuration.WithLabelValues("linear").Observe(time.Since(start).Seconds())
}

func dot(a, b []float32) float32 {
	var sum float32
	i := 0
	if activeImpl == implSIMD {
		// Unrolled accumulation approximates the horizontal-sum reduction
		// order an AVX2 kernel would use; it is not bit-identical to the
		// straight left-to-right naive loop, matching the non-associativity
		// the GQA contract allows for.
		var acc [8]float32
		for ; i+8 <= len(a); i += 8 {
			for l := 0; l < 8; l++ {
				acc[l] += a[i+l] * b[i+l]
			}
		}
		for _, v := range acc {
			sum += v
		}
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// rmsnorm computes, per row of in[B,H]: d = 1/sqrt(mean(x^2)+eps);
// out[i] = gamma[i] * x[i] * d.
func rmsnorm(in []float32, gamma []float32, b, h int, eps float32, out []float32) {
	parallelRows(b, func(row int) {
		offset := row * h
		var ss float32
		for i := 0; i < h; i++ {
			v := in[offset+i]
			ss += v * v
		}
		d := float32(1.0 / math.Sqrt(float64(ss/float32(h)+eps)))
		for i := 0; i < h; i++ {
			out[offset+i] = gamma[i] * in[offset+i] * d
		}
	})
}

func elemAdd(a, b, out []float32) {
	for i := range a {
		out[i] = a[i] + b[i]
	}
}

func elemMul(a, b, out []float32) {
	for i := range a {
		out[i] = a[i] * b[i]
	}
}

func silu(x, out []float32) {
	for i, v := range x {
		out[i] = v / (1.0 + expApprox(-v))
	}
}

// softmax normalizes arr in place: subtract max, exponentiate, divide by
// sum. expApprox is only ever invoked here on non-positive arguments (after
// max subtraction), so the clamp on the positive side in expApprox is
// unreachable on this path but still enforced for defense in depth.
func softmax(arr []float32) {
	if len(arr) == 0 {
		return
	}
	max := arr[0]
	for _, v := range arr[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range arr {
		e := expApprox(v - max)
		arr[i] = e
		sum += e
	}
	inv := 1.0 / sum
	for i := range arr {
		arr[i] *= inv
	}
}

const (
	expClampMax = 88.3762626647949
	expLn2      = 0.69314718055994530941723212145818
	expInvLn2   = 1.44269504088896340736
)

// expApprox matches the reference AVX2 kernel's algorithm exactly: clamp to
// +-88.3762626647949, range-reduce to x = m*ln2 + r with |r| <= ln2/2, apply
// a 4th-order Taylor expansion to exp(r), then rescale by 2^m using the
// IEEE-754 bit trick (biased exponent shifted into place) rather than
// math.Exp2, so the numerics follow the same code path the reference takes.
func expApprox(x float32) float32 {
	if x > expClampMax {
		x = expClampMax
	} else if x < -expClampMax {
		x = -expClampMax
	}

	m := float32(math.Floor(float64(x*float32(expInvLn2) + 0.5)))
	r := x - m*float32(expLn2)

	r2 := r * r
	r3 := r2 * r
	r4 := r3 * r

	result := float32(1.0) + r
	result += r2 * 0.5
	result += r3 * (1.0 / 6.0)
	result += r4 * (1.0 / 24.0)

	exponent := int32(m) + 127
	if exponent < 0 {
		exponent = 0
	}
	if exponent > 255 {
		exponent = 255
	}
	pow2 := math.Float32frombits(uint32(exponent) << 23)
	return result * pow2
}

// rotateHalfSplit applies the half-split rotary rotation in place to one
// head vector of length len(sinRow)*2: x1 = head[i], x2 = head[i+half],
// output (x1*c-x2*s, x1*s+x2*c).
func rotateHalfSplit(head []float32, sinRow, cosRow []float32) {
	half := len(sinRow)
	for i := 0; i < half; i++ {
		x1 := head[i]
		x2 := head[i+half]
		s := sinRow[i]
		c := cosRow[i]
		head[i] = x1*c - x2*s
		head[i+half] = x1*s + x2*c
	}
}
