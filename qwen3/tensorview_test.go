package qwen3

import (
	"errors"
	"testing"
)

func TestNewOwnedViewSize(t *testing.T) {
	v := NewOwnedView(2, 3, 4)
	if v.Size() != 24 {
		t.Errorf("Size() = %d, want 24", v.Size())
	}
	if !v.Owned || v.Mmapped {
		t.Errorf("owned view should have Owned=true, Mmapped=false")
	}
}

func TestBorrowViewDoesNotCopy(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	v := BorrowView(data, []int{2, 2}, true)
	if !v.Mmapped || v.Owned {
		t.Errorf("borrowed mmapped view should have Owned=false, Mmapped=true")
	}
	data[0] = 99
	if v.Data[0] != 99 {
		t.Errorf("BorrowView should alias the backing slice")
	}
}

func TestReshapeRejectsMismatchedElementCount(t *testing.T) {
	v := NewOwnedView(2, 3)
	if _, err := v.Reshape(4, 2); !errors.Is(err, ErrShape) {
		t.Errorf("expected ShapeError on element-count mismatch, got %v", err)
	}
}

func TestReshapePreservesData(t *testing.T) {
	v := NewOwnedView(2, 3)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	reshaped, err := v.Reshape(3, 2)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	for i := range v.Data {
		if reshaped.Data[i] != v.Data[i] {
			t.Errorf("reshape element %d = %v, want %v", i, reshaped.Data[i], v.Data[i])
		}
	}
}
