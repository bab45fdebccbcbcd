package main

import (
	"errors"
	"testing"
)

func fourLayerConfig() EncoderConfig {
	config := tinyEncoderConfig()
	config.NumLayers = 4
	return config
}

// TestSplitPartition: every valid pivot partitions the layers exactly,
// nothing dropped and nothing duplicated.
func TestSplitPartition(t *testing.T) {
	for pivot := 1; pivot < 4; pivot++ {
		enc, err := NewEncoder(fourLayerConfig())
		if err != nil {
			t.Fatal(err)
		}

		base, cross, err := Split(enc, pivot)
		if err != nil {
			t.Fatalf("pivot %d: %v", pivot, err)
		}

		if base.NumLayers() != pivot {
			t.Errorf("pivot %d: base has %d layers", pivot, base.NumLayers())
		}
		if cross.NumLayers() != 4-pivot {
			t.Errorf("pivot %d: cross has %d layers", pivot, cross.NumLayers())
		}
	}
}

// TestSplitPivotBounds: a pivot that leaves either stack empty is a
// configuration error.
func TestSplitPivotBounds(t *testing.T) {
	for _, pivot := range []int{-1, 0, 4, 5} {
		enc, err := NewEncoder(fourLayerConfig())
		if err != nil {
			t.Fatal(err)
		}

		if _, _, err := Split(enc, pivot); !errors.Is(err, ErrConfiguration) {
			t.Errorf("pivot %d: expected ErrConfiguration, got %v", pivot, err)
		}
	}
}

// TestCrossLayerCloneInit: at split time each cross-attention starts as a
// copy of its layer's self-attention weights.
func TestCrossLayerCloneInit(t *testing.T) {
	enc, err := NewEncoder(fourLayerConfig())
	if err != nil {
		t.Fatal(err)
	}

	_, cross, err := Split(enc, 2)
	if err != nil {
		t.Fatal(err)
	}

	for li, layer := range cross.layers {
		pairs := [][2]*Tensor{
			{layer.crossAttn.wq, layer.selfAttn.wq},
			{layer.crossAttn.wk, layer.selfAttn.wk},
			{layer.crossAttn.wv, layer.selfAttn.wv},
			{layer.crossAttn.wo, layer.selfAttn.wo},
		}
		for pi, pair := range pairs {
			got, want := pair[0], pair[1]
			if got == want {
				t.Fatalf("layer %d pair %d: cross and self share a tensor", li, pi)
			}
			for i := range want.data {
				if got.data[i] != want.data[i] {
					t.Fatalf("layer %d pair %d: weights differ at %d", li, pi, i)
				}
			}
		}
	}
}

// TestBaseStackForward checks the base stack output shape and that masks
// are validated.
func TestBaseStackForward(t *testing.T) {
	enc, err := NewEncoder(fourLayerConfig())
	if err != nil {
		t.Fatal(err)
	}
	base, _, err := Split(enc, 2)
	if err != nil {
		t.Fatal(err)
	}

	out, err := base.Forward([]int{1, 2, 3}, []float64{1, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	shape := out.Shape()
	if shape[0] != 3 || shape[1] != 8 {
		t.Errorf("expected shape [3 8], got %v", shape)
	}

	if _, err := base.Forward([]int{1, 2}, []float64{1}); !errors.Is(err, ErrShape) {
		t.Errorf("mask mismatch should yield ErrShape, got %v", err)
	}
}

// TestCrossStackForward: the output keeps the query side's length, and
// shape mismatches fail.
func TestCrossStackForward(t *testing.T) {
	enc, err := NewEncoder(fourLayerConfig())
	if err != nil {
		t.Fatal(err)
	}
	_, cross, err := Split(enc, 2)
	if err != nil {
		t.Fatal(err)
	}

	x := NewTensorRand(3, 8)
	mem := NewTensorRand(5, 8)
	memMask := []float64{1, 1, 1, 1, 0}

	out, err := cross.Forward(x, mem, memMask)
	if err != nil {
		t.Fatal(err)
	}
	shape := out.Shape()
	if shape[0] != 3 || shape[1] != 8 {
		t.Errorf("expected shape [3 8], got %v", shape)
	}

	badMem := NewTensorRand(5, 4)
	if _, err := cross.Forward(x, badMem, nil); !errors.Is(err, ErrShape) {
		t.Errorf("hidden dim mismatch should yield ErrShape, got %v", err)
	}

	if _, err := cross.Forward(x, mem, []float64{1, 1}); !errors.Is(err, ErrShape) {
		t.Errorf("memory mask mismatch should yield ErrShape, got %v", err)
	}
}

// TestCrossLayerBackward verifies the cross layer's two output gradients
// against finite differences.
func TestCrossLayerBackward(t *testing.T) {
	layer := NewEncoderLayer(8, 2, 16, 1e-12)
	cl := newCrossLayerFrom(layer, 8, 2, 1e-12)

	x := NewTensorRand(3, 8)
	mem := NewTensorRand(4, 8)
	memMask := []float64{1, 1, 1, 0}
	w := NewTensorRand(3, 8)

	loss := func() float64 {
		y := cl.ForwardCross(x, mem, memMask)
		total := 0.0
		for i := range y.data {
			total += w.data[i] * y.data[i]
		}
		return total
	}

	_, cache := cl.ForwardWithCache(x, mem, memMask)
	gradX, gradMem := cl.Backward(w, cache)

	for i := range x.data {
		numeric := numericalGrad(x, i, loss)
		if diff := gradX.data[i] - numeric; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("gradX[%d]: analytic %g, numeric %g", i, gradX.data[i], numeric)
		}
	}
	for i := range mem.data {
		numeric := numericalGrad(mem, i, loss)
		if diff := gradMem.data[i] - numeric; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("gradMem[%d]: analytic %g, numeric %g", i, gradMem.data[i], numeric)
		}
	}
}
