package main

import (
	"errors"
	"math"
	"testing"
)

// TestGRUShape: the reducer maps (seqLen, inputDim) to (1, hiddenDim).
func TestGRUShape(t *testing.T) {
	gru, err := NewGRU(8, 16, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	x := NewTensorRand(5, 8)
	out, err := gru.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	shape := out.Shape()
	if shape[0] != 1 || shape[1] != 16 {
		t.Errorf("expected shape [1 16], got %v", shape)
	}
}

// TestGRUKnownStep hand-computes a single step of a 1-dimensional GRU and
// compares against the implementation's gate equations.
func TestGRUKnownStep(t *testing.T) {
	gru, err := NewGRU(1, 1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	layer := gru.layers[0]
	layer.wir.data[0] = 0.5
	layer.wiz.data[0] = 0.5
	layer.win.data[0] = 0.5
	for _, p := range []*Tensor{
		layer.bir, layer.biz, layer.bin,
		layer.whr, layer.whz, layer.whn,
		layer.bhr, layer.bhz, layer.bhn,
	} {
		p.data[0] = 0
	}

	x := NewTensor(1, 1)
	x.Set(1, 0, 0)

	out, err := gru.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	// With h_0 = 0 and zero hidden-side weights:
	//   r = z = sigmoid(0.5), n = tanh(0.5), h = (1 - z) * n
	sigmoid := func(v float64) float64 { return 1.0 / (1.0 + math.Exp(-v)) }
	want := (1 - sigmoid(0.5)) * math.Tanh(0.5)

	if got := out.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %g, got %g", want, got)
	}
}

// TestGRUConstructionErrors covers the configuration failure modes.
func TestGRUConstructionErrors(t *testing.T) {
	if _, err := NewGRU(0, 4, 1, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero input dim should yield ErrConfiguration, got %v", err)
	}
	if _, err := NewGRU(4, 4, 0, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero layers should yield ErrConfiguration, got %v", err)
	}
	if _, err := NewGRU(4, 4, 1, 1.0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("dropout 1.0 should yield ErrConfiguration, got %v", err)
	}
}

// TestGRUInputErrors covers the runtime shape failures.
func TestGRUInputErrors(t *testing.T) {
	gru, err := NewGRU(8, 16, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := gru.Forward(NewTensorRand(5, 4)); !errors.Is(err, ErrShape) {
		t.Errorf("wrong input dim should yield ErrShape, got %v", err)
	}
	if _, err := gru.Forward(NewTensorRand(3)); !errors.Is(err, ErrShape) {
		t.Errorf("1D input should yield ErrShape, got %v", err)
	}
}

// TestGRUStackedShape runs a two-layer GRU with dropout in training mode.
func TestGRUStackedShape(t *testing.T) {
	gru, err := NewGRU(8, 16, 2, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	x := NewTensorRand(6, 8)
	out, cache, err := gru.ForwardWithCache(x)
	if err != nil {
		t.Fatal(err)
	}

	shape := out.Shape()
	if shape[0] != 1 || shape[1] != 16 {
		t.Errorf("expected shape [1 16], got %v", shape)
	}
	if len(cache.layers) != 2 {
		t.Errorf("expected 2 layer caches, got %d", len(cache.layers))
	}
	if cache.layers[0].dropped == nil {
		t.Error("inter-layer dropout mask missing in training mode")
	}
	if cache.layers[1].dropped != nil {
		t.Error("dropout must not apply after the last layer")
	}
}

// TestGRUBackward verifies backpropagation-through-time against finite
// differences, for both the input sequence and an input-side weight.
func TestGRUBackward(t *testing.T) {
	gru, err := NewGRU(3, 4, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	x := NewTensorRand(5, 3)
	w := NewTensorRand(1, 4)

	loss := func() float64 {
		y, err := gru.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		total := 0.0
		for i := range y.data {
			total += w.data[i] * y.data[i]
		}
		return total
	}

	_, cache, err := gru.ForwardWithCache(x)
	if err != nil {
		t.Fatal(err)
	}
	gradX := gru.Backward(w, cache)

	for i := range x.data {
		numeric := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-numeric) > 1e-4 {
			t.Errorf("gradX[%d]: analytic %g, numeric %g", i, gradX.data[i], numeric)
		}
	}

	layer := gru.layers[0]
	for _, weights := range []*Tensor{layer.wir, layer.whn, layer.bin} {
		for i := range weights.data {
			numeric := numericalGrad(weights, i, loss)
			if math.Abs(weights.grad[i]-numeric) > 1e-4 {
				t.Errorf("weight grad[%d]: analytic %g, numeric %g", i, weights.grad[i], numeric)
			}
		}
	}
}
