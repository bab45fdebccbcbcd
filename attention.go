package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Multi-head attention over an explicit key/value source. The same type
// serves both attention patterns in this model:
//
//   - Self-attention: queries, keys and values all come from the layer
//     input (memory == input). Used by every encoder layer.
//   - Cross-attention: queries come from one sequence, keys/values from the
//     OTHER sequence's hidden states. Used by the cross stack to let the
//     premise read the hypothesis and vice versa.
//
// The only difference between the two is which tensor is handed in as
// memory and which mask applies. The mask is a key/value-side padding mask
// (1 = real token, 0 = padding): masked positions get a large negative
// score before softmax so they receive ~zero attention weight. There is no
// causal masking anywhere in this model - both directions of both
// sequences are always visible, as in any bidirectional encoder.
//
// Mechanism per head:
//   1. Q = x @ Wq, K = mem @ Wk, V = mem @ Wv
//   2. scores = Q·K^T / √d_k, padding positions → -1e9
//   3. context = softmax(scores) · V
//   4. concat heads, project with Wo
//
// ===========================================================================

// Attention implements multi-head attention with an external key/value
// source and a key/value padding mask.
type Attention struct {
	embedDim int
	numHeads int
	headDim  int

	// Linear projections
	wq, wk, wv, wo *Tensor
}

// NewAttention creates an attention layer with fresh random weights.
// Panics if embedDim is not divisible by numHeads; encoder configuration
// validation rejects that combination before construction.
func NewAttention(embedDim, numHeads int) *Attention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("attention: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads))
	}

	// Xavier/Glorot initialization scaled for transformers
	scale := math.Sqrt(2.0 / float64(embedDim))

	wq := NewTensorRand(embedDim, embedDim)
	wk := NewTensorRand(embedDim, embedDim)
	wv := NewTensorRand(embedDim, embedDim)
	wo := NewTensorRand(embedDim, embedDim)

	for i := range wq.data {
		wq.data[i] *= scale
		wk.data[i] *= scale
		wv.data[i] *= scale
		wo.data[i] *= scale
	}

	return &Attention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		wq:       wq,
		wk:       wk,
		wv:       wv,
		wo:       wo,
	}
}

// cloneFrom copies another attention layer's weight values. The copies are
// independent tensors: shared values at initialization, independently
// trainable afterwards.
func (a *Attention) cloneFrom(src *Attention) {
	copy(a.wq.data, src.wq.data)
	copy(a.wk.data, src.wk.data)
	copy(a.wv.data, src.wv.data)
	copy(a.wo.data, src.wo.data)
}

// AttentionCache stores activations needed for the backward pass.
type AttentionCache struct {
	input  *Tensor // Query-side input
	memory *Tensor // Key/value-side input (== input for self-attention)

	// Projections (full, before head split)
	q, k, v *Tensor

	// Per-head attention weights (after masked softmax)
	headWeights []*Tensor

	// Concatenated head outputs, before the output projection
	context *Tensor
}

// Forward computes attention output without caching activations.
// x: (qLen, embedDim) query-side input.
// mem: (kvLen, embedDim) key/value-side input; pass x for self-attention.
// kvMask: length kvLen, 1 for valid positions, 0 for padding; nil = no mask.
// Returns: (qLen, embedDim).
func (a *Attention) Forward(x, mem *Tensor, kvMask []float64) *Tensor {
	out, _ := a.forward(x, mem, kvMask, false)
	return out
}

// ForwardWithCache computes attention output and stores the activations
// needed for Backward.
func (a *Attention) ForwardWithCache(x, mem *Tensor, kvMask []float64) (*Tensor, *AttentionCache) {
	return a.forward(x, mem, kvMask, true)
}

func (a *Attention) forward(x, mem *Tensor, kvMask []float64, keepCache bool) (*Tensor, *AttentionCache) {
	if len(x.shape) != 2 || len(mem.shape) != 2 {
		panic("attention: inputs must be 2D (seqLen, embedDim)")
	}
	if kvMask != nil && len(kvMask) != mem.shape[0] {
		panic(fmt.Sprintf("attention: mask length %d != memory length %d", len(kvMask), mem.shape[0]))
	}

	qLen := x.shape[0]
	kvLen := mem.shape[0]

	var cache *AttentionCache
	if keepCache {
		cache = &AttentionCache{
			input:       x,
			memory:      mem,
			headWeights: make([]*Tensor, a.numHeads),
		}
	}

	// Project to Q (from the query side) and K, V (from the memory side)
	q := MatMul(x, a.wq)
	k := MatMul(mem, a.wk)
	v := MatMul(mem, a.wv)

	if keepCache {
		cache.q, cache.k, cache.v = q, k, v
	}

	scale := 1.0 / math.Sqrt(float64(a.headDim))

	// Concatenated head outputs
	context := NewTensor(qLen, a.embedDim)

	for h := 0; h < a.numHeads; h++ {
		qHead, kHead, vHead := a.headSlice(q, h), a.headSlice(k, h), a.headSlice(v, h)

		// Attention scores: Q @ K^T / sqrt(d_k)
		scores := MatMul(qHead, Transpose(kHead))
		scores = Scale(scores, scale)

		// Mask out padding key/value positions
		if kvMask != nil {
			for i := 0; i < qLen; i++ {
				for j := 0; j < kvLen; j++ {
					if kvMask[j] == 0 {
						scores.Set(-1e9, i, j)
					}
				}
			}
		}

		weights := Softmax(scores)
		if keepCache {
			cache.headWeights[h] = weights
		}

		// Context: weights @ V, written into the concatenated output
		headOut := MatMul(weights, vHead)
		for i := 0; i < qLen; i++ {
			copy(context.data[i*a.embedDim+h*a.headDim:i*a.embedDim+(h+1)*a.headDim],
				headOut.data[i*a.headDim:(i+1)*a.headDim])
		}
	}

	if keepCache {
		cache.context = context
	}

	// Output projection
	out := MatMul(context, a.wo)
	return out, cache
}

// headSlice extracts head h from a (seqLen, embedDim) projection as a
// (seqLen, headDim) tensor.
func (a *Attention) headSlice(t *Tensor, h int) *Tensor {
	seqLen := t.shape[0]
	out := NewTensor(seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.data[i*a.headDim:(i+1)*a.headDim],
			t.data[i*a.embedDim+h*a.headDim:i*a.embedDim+(h+1)*a.headDim])
	}
	return out
}

// accumulateHead writes a (seqLen, headDim) gradient back into head h of a
// (seqLen, embedDim) tensor.
func (a *Attention) accumulateHead(dst, src *Tensor, h int) {
	seqLen := src.shape[0]
	for i := 0; i < seqLen; i++ {
		for d := 0; d < a.headDim; d++ {
			dst.data[i*a.embedDim+h*a.headDim+d] += src.data[i*a.headDim+d]
		}
	}
}

// Backward propagates gradients through the attention layer.
// Returns gradients with respect to the query-side input and the key/value
// memory. For self-attention the caller must add both into the same
// upstream gradient, since input and memory are the same tensor.
func (a *Attention) Backward(gradOut *Tensor, cache *AttentionCache) (gradX, gradMem *Tensor) {
	qLen := cache.input.shape[0]
	kvLen := cache.memory.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	// Backward through output projection: out = context @ wo
	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(qLen, a.embedDim)
	gradK := NewTensor(kvLen, a.embedDim)
	gradV := NewTensor(kvLen, a.embedDim)

	for h := 0; h < a.numHeads; h++ {
		qHead := a.headSlice(cache.q, h)
		kHead := a.headSlice(cache.k, h)
		vHead := a.headSlice(cache.v, h)
		weights := cache.headWeights[h]

		// Gradient of this head's slice of the concatenated context
		gradHeadOut := a.headSlice(gradContext, h)

		// Backward: headOut = weights @ vHead
		gradWeights, gradVHead := MatMulBackward(weights, vHead, gradHeadOut)

		// Backward through softmax. Masked positions carry ~zero attention
		// weight, so their gradient contribution vanishes with them.
		gradScores := SoftmaxBackward(weights, gradWeights)
		gradScores = Scale(gradScores, scale)

		// Backward: scores = qHead @ kHead^T
		kT := Transpose(kHead)
		gradQHead, gradKT := MatMulBackward(qHead, kT, gradScores)
		gradKHead := Transpose(gradKT)

		a.accumulateHead(gradQ, gradQHead, h)
		a.accumulateHead(gradK, gradKHead, h)
		a.accumulateHead(gradV, gradVHead, h)
	}

	// Backward through the projections
	gradX, gradWq := MatMulBackward(cache.input, a.wq, gradQ)
	a.wq.AccumulateGrad(gradWq)

	gradMemK, gradWk := MatMulBackward(cache.memory, a.wk, gradK)
	a.wk.AccumulateGrad(gradWk)

	gradMemV, gradWv := MatMulBackward(cache.memory, a.wv, gradV)
	a.wv.AccumulateGrad(gradWv)

	gradMem = Add(gradMemK, gradMemV)

	return gradX, gradMem
}

// parameters returns the layer's trainable tensors.
func (a *Attention) parameters() []*Tensor {
	return []*Tensor{a.wq, a.wk, a.wv, a.wo}
}
