package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A gated recurrent unit (GRU) reduces each sequence of contextual hidden
// states to a single fixed-size vector. The cross stack hands us a
// (seqLen, hiddenDim) matrix per sequence; downstream, the classifier head
// wants one vector per sequence. The GRU walks the sequence left to right
// and its final hidden state is the summary.
//
// Gate equations per timestep (sigmoid = σ):
//
//   r_t = σ(x_t·W_ir + b_ir + h_{t-1}·W_hr + b_hr)     reset gate
//   z_t = σ(x_t·W_iz + b_iz + h_{t-1}·W_hz + b_hz)     update gate
//   n_t = tanh(x_t·W_in + b_in + r_t ⊙ (h_{t-1}·W_hn + b_hn))
//   h_t = (1 - z_t) ⊙ n_t + z_t ⊙ h_{t-1}
//
// The reset gate decides how much of the previous state feeds the
// candidate; the update gate interpolates between carrying the old state
// forward and accepting the candidate. Layers stack: each layer consumes
// the full output sequence of the layer below, with dropout between layers
// during training (never after the last).
//
// The backward pass is textbook backpropagation-through-time: walk the
// timesteps in reverse, at each step splitting the incoming hidden-state
// gradient across the gates, and accumulate weight gradients as you go.
//
// ===========================================================================

// gruLayer holds one layer's weights, one tensor per gate and side.
type gruLayer struct {
	// Input-side weights (inputDim, hiddenDim) and biases (hiddenDim)
	wir, wiz, win *Tensor
	bir, biz, bin *Tensor

	// Hidden-side weights (hiddenDim, hiddenDim) and biases (hiddenDim)
	whr, whz, whn *Tensor
	bhr, bhz, bhn *Tensor
}

func newGRULayer(inputDim, hiddenDim int) *gruLayer {
	// Uniform(-k, k) with k = 1/sqrt(hiddenDim), the standard recurrent init
	k := 1.0 / math.Sqrt(float64(hiddenDim))
	initUniform := func(t *Tensor) *Tensor {
		for i := range t.data {
			t.data[i] = (rand.Float64()*2 - 1) * k
		}
		return t
	}

	return &gruLayer{
		wir: initUniform(NewTensor(inputDim, hiddenDim)),
		wiz: initUniform(NewTensor(inputDim, hiddenDim)),
		win: initUniform(NewTensor(inputDim, hiddenDim)),
		bir: initUniform(NewTensor(hiddenDim)),
		biz: initUniform(NewTensor(hiddenDim)),
		bin: initUniform(NewTensor(hiddenDim)),
		whr: initUniform(NewTensor(hiddenDim, hiddenDim)),
		whz: initUniform(NewTensor(hiddenDim, hiddenDim)),
		whn: initUniform(NewTensor(hiddenDim, hiddenDim)),
		bhr: initUniform(NewTensor(hiddenDim)),
		bhz: initUniform(NewTensor(hiddenDim)),
		bhn: initUniform(NewTensor(hiddenDim)),
	}
}

func (l *gruLayer) parameters() []*Tensor {
	return []*Tensor{
		l.wir, l.wiz, l.win, l.bir, l.biz, l.bin,
		l.whr, l.whz, l.whn, l.bhr, l.bhz, l.bhn,
	}
}

// GRU is a multi-layer gated recurrent unit used as a sequence reducer.
type GRU struct {
	inputDim  int
	hiddenDim int
	numLayers int
	dropout   float64

	layers []*gruLayer
	rng    *rand.Rand
}

// NewGRU creates a GRU reducer. dropout applies between stacked layers
// during training and is ignored when numLayers == 1.
func NewGRU(inputDim, hiddenDim, numLayers int, dropout float64) (*GRU, error) {
	if inputDim <= 0 || hiddenDim <= 0 {
		return nil, fmt.Errorf("%w: GRU dims must be positive, got input %d hidden %d", ErrConfiguration, inputDim, hiddenDim)
	}
	if numLayers <= 0 {
		return nil, fmt.Errorf("%w: GRU needs at least one layer, got %d", ErrConfiguration, numLayers)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("%w: GRU dropout must be in [0, 1), got %g", ErrConfiguration, dropout)
	}

	layers := make([]*gruLayer, numLayers)
	for i := range layers {
		in := inputDim
		if i > 0 {
			in = hiddenDim
		}
		layers[i] = newGRULayer(in, hiddenDim)
	}

	return &GRU{
		inputDim:  inputDim,
		hiddenDim: hiddenDim,
		numLayers: numLayers,
		dropout:   dropout,
		layers:    layers,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// HiddenDim returns the size of the reduced vector.
func (g *GRU) HiddenDim() int {
	return g.hiddenDim
}

// gruStepCache stores one timestep's activations for BPTT.
type gruStepCache struct {
	x     []float64 // input at this step
	hPrev []float64
	r     []float64
	z     []float64
	n     []float64
	v     []float64 // hidden-side candidate pre-activation, h_prev·W_hn + b_hn
}

// gruLayerCache stores one layer's pass over a sequence.
type gruLayerCache struct {
	steps   []*gruStepCache
	dropped *Tensor // dropout mask applied to this layer's outputs, nil if none
}

// GRUCache stores everything Backward needs.
type GRUCache struct {
	input  *Tensor
	layers []*gruLayerCache
}

// matVecInto computes y += x·W for W of shape (len(x), len(y)).
func matVecInto(y, x []float64, w *Tensor) {
	cols := len(y)
	for i, xv := range x {
		if xv == 0 {
			continue
		}
		row := w.data[i*cols : (i+1)*cols]
		for j, wv := range row {
			y[j] += xv * wv
		}
	}
}

// vecMatTInto computes y += g·W^T for W of shape (len(y), len(g)).
func vecMatTInto(y, g []float64, w *Tensor) {
	cols := len(g)
	for i := range y {
		row := w.data[i*cols : (i+1)*cols]
		s := 0.0
		for j, wv := range row {
			s += g[j] * wv
		}
		y[i] += s
	}
}

// outerInto accumulates x ⊗ g into grad, a flat (len(x), len(g)) buffer.
func outerInto(grad []float64, x, g []float64) {
	cols := len(g)
	for i, xv := range x {
		if xv == 0 {
			continue
		}
		row := grad[i*cols : (i+1)*cols]
		for j, gv := range g {
			row[j] += xv * gv
		}
	}
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

// step advances one timestep for one layer: h_prev -> h_t.
func (l *gruLayer) step(x, hPrev []float64, hiddenDim int, keepCache bool) ([]float64, *gruStepCache) {
	r := make([]float64, hiddenDim)
	z := make([]float64, hiddenDim)
	u := make([]float64, hiddenDim) // input-side candidate pre-activation
	v := make([]float64, hiddenDim)

	copy(r, l.bir.data)
	copy(z, l.biz.data)
	copy(u, l.bin.data)
	copy(v, l.bhn.data)

	matVecInto(r, x, l.wir)
	matVecInto(z, x, l.wiz)
	matVecInto(u, x, l.win)

	matVecInto(v, hPrev, l.whn)
	addInto(r, l.bhr.data)
	addInto(z, l.bhz.data)
	matVecInto(r, hPrev, l.whr)
	matVecInto(z, hPrev, l.whz)

	n := make([]float64, hiddenDim)
	h := make([]float64, hiddenDim)
	for j := 0; j < hiddenDim; j++ {
		r[j] = 1.0 / (1.0 + math.Exp(-r[j]))
		z[j] = 1.0 / (1.0 + math.Exp(-z[j]))
		n[j] = math.Tanh(u[j] + r[j]*v[j])
		h[j] = (1-z[j])*n[j] + z[j]*hPrev[j]
	}

	if !keepCache {
		return h, nil
	}

	return h, &gruStepCache{
		x:     append([]float64(nil), x...),
		hPrev: append([]float64(nil), hPrev...),
		r:     r,
		z:     z,
		n:     n,
		v:     v,
	}
}

// Forward reduces a (seqLen, inputDim) sequence to a (1, hiddenDim) vector:
// the top layer's hidden state after the final timestep.
func (g *GRU) Forward(x *Tensor) (*Tensor, error) {
	out, _, err := g.forward(x, false, false)
	return out, err
}

// ForwardWithCache is Forward in training mode, keeping activations for
// Backward and applying inter-layer dropout.
func (g *GRU) ForwardWithCache(x *Tensor) (*Tensor, *GRUCache, error) {
	out, cache, err := g.forward(x, true, true)
	return out, cache, err
}

func (g *GRU) forward(x *Tensor, train, keepCache bool) (*Tensor, *GRUCache, error) {
	if len(x.shape) != 2 {
		return nil, nil, fmt.Errorf("%w: GRU input must be 2D, got %v", ErrShape, x.shape)
	}
	if x.shape[1] != g.inputDim {
		return nil, nil, fmt.Errorf("%w: GRU input dim %d != configured %d", ErrShape, x.shape[1], g.inputDim)
	}
	seqLen := x.shape[0]
	if seqLen == 0 {
		return nil, nil, fmt.Errorf("%w: GRU cannot reduce an empty sequence", ErrShape)
	}

	var cache *GRUCache
	if keepCache {
		cache = &GRUCache{input: x, layers: make([]*gruLayerCache, g.numLayers)}
	}

	seq := x
	var lastHidden []float64

	for li, layer := range g.layers {
		inDim := seq.shape[1]
		outputs := NewTensor(seqLen, g.hiddenDim)
		var layerCache *gruLayerCache
		if keepCache {
			layerCache = &gruLayerCache{steps: make([]*gruStepCache, seqLen)}
		}

		h := make([]float64, g.hiddenDim)
		for t := 0; t < seqLen; t++ {
			xt := seq.data[t*inDim : (t+1)*inDim]
			var stepCache *gruStepCache
			h, stepCache = layer.step(xt, h, g.hiddenDim, keepCache)
			copy(outputs.data[t*g.hiddenDim:(t+1)*g.hiddenDim], h)
			if keepCache {
				layerCache.steps[t] = stepCache
			}
		}
		lastHidden = h

		// Inter-layer dropout: every layer boundary except after the last
		next := outputs
		if li < g.numLayers-1 && g.dropout > 0 {
			var mask *Tensor
			next, mask = Dropout(outputs, g.dropout, train, g.rng)
			if keepCache {
				layerCache.dropped = mask
			}
		}

		if keepCache {
			cache.layers[li] = layerCache
		}
		seq = next
	}

	reduced := NewTensor(1, g.hiddenDim)
	copy(reduced.data, lastHidden)

	if keepCache {
		return reduced, cache, nil
	}
	return reduced, nil, nil
}

// Backward runs backpropagation-through-time. gradReduced is the gradient
// of the loss with respect to the (1, hiddenDim) reduced vector. Returns
// the gradient with respect to the GRU input sequence.
func (g *GRU) Backward(gradReduced *Tensor, cache *GRUCache) *Tensor {
	seqLen := cache.input.shape[0]

	// Per-timestep output gradients for the layer currently being
	// processed. For the top layer only the final step carries gradient.
	gradSeq := NewTensor(seqLen, g.hiddenDim)
	copy(gradSeq.data[(seqLen-1)*g.hiddenDim:], gradReduced.data)

	for li := g.numLayers - 1; li >= 0; li-- {
		layer := g.layers[li]
		layerCache := cache.layers[li]
		inDim := g.hiddenDim
		if li == 0 {
			inDim = g.inputDim
		}

		gradInSeq := NewTensor(seqLen, inDim)
		gradH := make([]float64, g.hiddenDim) // recurrent gradient flowing backwards

		for t := seqLen - 1; t >= 0; t-- {
			sc := layerCache.steps[t]

			// Total gradient at h_t: from outputs plus recurrence
			gh := make([]float64, g.hiddenDim)
			copy(gh, gradSeq.data[t*g.hiddenDim:(t+1)*g.hiddenDim])
			addInto(gh, gradH)

			// h_t = (1-z)·n + z·h_prev
			dar := make([]float64, g.hiddenDim)
			daz := make([]float64, g.hiddenDim)
			du := make([]float64, g.hiddenDim)
			dv := make([]float64, g.hiddenDim)
			gradHPrev := make([]float64, g.hiddenDim)

			for j := 0; j < g.hiddenDim; j++ {
				dn := gh[j] * (1 - sc.z[j])
				dz := gh[j] * (sc.hPrev[j] - sc.n[j])
				gradHPrev[j] = gh[j] * sc.z[j]

				dan := dn * (1 - sc.n[j]*sc.n[j])
				du[j] = dan
				dv[j] = dan * sc.r[j]
				dr := dan * sc.v[j]

				dar[j] = dr * sc.r[j] * (1 - sc.r[j])
				daz[j] = dz * sc.z[j] * (1 - sc.z[j])
			}

			// Weight and bias gradients
			outerInto(layer.wir.grad, sc.x, dar)
			outerInto(layer.wiz.grad, sc.x, daz)
			outerInto(layer.win.grad, sc.x, du)
			outerInto(layer.whr.grad, sc.hPrev, dar)
			outerInto(layer.whz.grad, sc.hPrev, daz)
			outerInto(layer.whn.grad, sc.hPrev, dv)
			addInto(layer.bir.grad, dar)
			addInto(layer.biz.grad, daz)
			addInto(layer.bin.grad, du)
			addInto(layer.bhr.grad, dar)
			addInto(layer.bhz.grad, daz)
			addInto(layer.bhn.grad, dv)

			// Input gradient at this step
			gxt := gradInSeq.data[t*inDim : (t+1)*inDim]
			vecMatTInto(gxt, dar, layer.wir)
			vecMatTInto(gxt, daz, layer.wiz)
			vecMatTInto(gxt, du, layer.win)

			// Recurrent gradient into h_{t-1}
			vecMatTInto(gradHPrev, dar, layer.whr)
			vecMatTInto(gradHPrev, daz, layer.whz)
			vecMatTInto(gradHPrev, dv, layer.whn)
			gradH = gradHPrev
		}

		if li > 0 {
			// gradInSeq is the gradient of the layer below's (possibly
			// dropped-out) output sequence.
			below := cache.layers[li-1]
			gradSeq = DropoutBackward(gradInSeq, below.dropped)
		} else {
			gradSeq = gradInSeq
		}
	}

	return gradSeq
}

// Parameters returns the GRU's trainable tensors.
func (g *GRU) Parameters() []*Tensor {
	var params []*Tensor
	for _, layer := range g.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}
