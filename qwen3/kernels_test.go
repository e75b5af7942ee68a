package qwen3

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestSoftmaxStability(t *testing.T) {
	x := []float32{1000, 1001, 1002}
	softmax(x)

	want := []float32{0.0900, 0.2447, 0.6652}
	for i := range x {
		if !approxEqual(x[i], want[i], 1e-3) {
			t.Errorf("softmax[%d] = %v, want %v", i, x[i], want[i])
		}
	}

	var sum float32
	for _, v := range x {
		sum += v
	}
	if !approxEqual(sum, 1.0, 1e-5) {
		t.Errorf("softmax does not sum to 1: %v", sum)
	}
}

func TestSiluRange(t *testing.T) {
	x := []float32{-10, 0, 10}
	out := make([]float32, len(x))
	silu(x, out)

	want := []float32{-4.54e-4, 0, 9.9995}
	for i := range out {
		if !approxEqual(out[i], want[i], 1e-3) {
			t.Errorf("silu[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestExpApproxMatchesMath(t *testing.T) {
	for _, x := range []float32{-5, -1, 0, 1, 5, 10} {
		got := expApprox(x)
		want := float32(math.Exp(float64(x)))
		if !approxEqual(got, want, want*0.01+1e-4) {
			t.Errorf("expApprox(%v) = %v, want ~%v", x, got, want)
		}
	}
}

func TestExpApproxClamps(t *testing.T) {
	if math.IsInf(float64(expApprox(1000)), 0) {
		t.Errorf("expApprox(1000) should clamp, got Inf")
	}
	if expApprox(-1000) < 0 {
		t.Errorf("expApprox(-1000) should not go negative")
	}
}

func TestLinearMatchesManualDotProduct(t *testing.T) {
	in := []float32{1, 2, 3}
	w := []float32{
		1, 0, 0,
		0, 1, 0,
		1, 1, 1,
	}
	out := make([]float32, 3)
	linear(in, w, 1, 3, 3, out)

	want := []float32{1, 2, 6}
	for i := range out {
		if out[i] != want[i] {
			t.Errorf("linear out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestRmsnormUnitScale(t *testing.T) {
	in := []float32{3, 4}
	gamma := []float32{1, 1}
	out := make([]float32, 2)
	rmsnorm(in, gamma, 1, 2, 1e-6, out)

	rms := float32(math.Sqrt((9.0 + 16.0) / 2.0))
	want := []float32{3 / rms, 4 / rms}
	for i := range out {
		if !approxEqual(out[i], want[i], 1e-4) {
			t.Errorf("rmsnorm[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestParallelRowsMatchesSequential(t *testing.T) {
	n := 100
	visited := make([]bool, n)
	parallelRows(n, func(row int) {
		visited[row] = true
	})
	for i, v := range visited {
		if !v {
			t.Errorf("row %d not visited", i)
		}
	}
}

func TestDotBothImpls(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b := []float32{9, 8, 7, 6, 5, 4, 3, 2, 1}

	restoreNaive := SetImplForTest(implNaive)
	gotNaive := dot(a, b)
	restoreNaive()

	restoreSIMD := SetImplForTest(implSIMD)
	gotSIMD := dot(a, b)
	restoreSIMD()

	if !approxEqual(gotNaive, gotSIMD, 1e-3) {
		t.Errorf("naive dot %v, simd dot %v", gotNaive, gotSIMD)
	}
}
