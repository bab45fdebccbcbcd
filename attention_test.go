package main

import (
	"math"
	"testing"
)

// TestAttentionSelfShape checks the self-attention output shape.
func TestAttentionSelfShape(t *testing.T) {
	attn := NewAttention(8, 2)
	x := NewTensorRand(4, 8)

	out := attn.Forward(x, x, nil)

	shape := out.Shape()
	if shape[0] != 4 || shape[1] != 8 {
		t.Errorf("expected shape [4 8], got %v", shape)
	}
}

// TestAttentionCrossShape checks that cross-attention keeps the query
// side's length regardless of the memory length.
func TestAttentionCrossShape(t *testing.T) {
	attn := NewAttention(8, 2)
	x := NewTensorRand(4, 8)
	mem := NewTensorRand(6, 8)

	out := attn.Forward(x, mem, nil)

	shape := out.Shape()
	if shape[0] != 4 || shape[1] != 8 {
		t.Errorf("expected shape [4 8], got %v", shape)
	}
}

// TestAttentionPaddingMask verifies masked key/value positions receive
// zero attention weight and the rest still forms a distribution.
func TestAttentionPaddingMask(t *testing.T) {
	attn := NewAttention(8, 2)
	x := NewTensorRand(3, 8)
	mem := NewTensorRand(5, 8)
	mask := []float64{1, 1, 1, 0, 0}

	_, cache := attn.ForwardWithCache(x, mem, mask)

	for h, weights := range cache.headWeights {
		for i := 0; i < 3; i++ {
			rowSum := 0.0
			for j := 0; j < 5; j++ {
				w := weights.At(i, j)
				rowSum += w
				if mask[j] == 0 && w > 1e-9 {
					t.Errorf("head %d: masked position [%d,%d] has weight %g", h, i, j, w)
				}
			}
			if math.Abs(rowSum-1.0) > 1e-9 {
				t.Errorf("head %d: row %d weights sum to %g", h, i, rowSum)
			}
		}
	}
}

// TestAttentionBackward verifies the attention gradients (input, memory,
// and a projection weight) against finite differences.
func TestAttentionBackward(t *testing.T) {
	attn := NewAttention(4, 2)
	x := NewTensorRand(3, 4)
	mem := NewTensorRand(4, 4)
	mask := []float64{1, 1, 1, 0}
	w := NewTensorRand(3, 4)

	loss := func() float64 {
		y := attn.Forward(x, mem, mask)
		total := 0.0
		for i := range y.data {
			total += w.data[i] * y.data[i]
		}
		return total
	}

	_, cache := attn.ForwardWithCache(x, mem, mask)
	gradX, gradMem := attn.Backward(w, cache)

	for i := range x.data {
		numeric := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-numeric) > 1e-4 {
			t.Errorf("gradX[%d]: analytic %g, numeric %g", i, gradX.data[i], numeric)
		}
	}
	for i := range mem.data {
		numeric := numericalGrad(mem, i, loss)
		if math.Abs(gradMem.data[i]-numeric) > 1e-4 {
			t.Errorf("gradMem[%d]: analytic %g, numeric %g", i, gradMem.data[i], numeric)
		}
	}

	// Backward accumulated into wq.grad during the call above
	for i := range attn.wq.data {
		numeric := numericalGrad(attn.wq, i, loss)
		if math.Abs(attn.wq.grad[i]-numeric) > 1e-4 {
			t.Errorf("gradWq[%d]: analytic %g, numeric %g", i, attn.wq.grad[i], numeric)
		}
	}
}

// TestAttentionCloneFrom checks that cloned weights match at copy time and
// diverge independently afterwards.
func TestAttentionCloneFrom(t *testing.T) {
	src := NewAttention(8, 2)
	dst := NewAttention(8, 2)
	dst.cloneFrom(src)

	for i := range src.wq.data {
		if dst.wq.data[i] != src.wq.data[i] {
			t.Fatalf("wq[%d] not copied", i)
		}
	}

	dst.wq.data[0] += 1.0
	if src.wq.data[0] == dst.wq.data[0] {
		t.Error("mutating the clone changed the source")
	}
}
