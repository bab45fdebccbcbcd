package main

import (
	"fmt"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The splitter cuts a pretrained-shape encoder in half at a pivot layer:
//
//   layers[0:pivot]          -> BaseStack   (embeddings + plain layers)
//   layers[pivot:numLayers]  -> CrossStack  (layers upgraded for cross-attn)
//
// Each sequence of a pair runs through the base stack alone, then through
// the cross stack while attending to the OTHER sequence's base-stack
// output. The intuition: lower layers learn token-level features that don't
// need the other sentence; upper layers do the comparison work, and that is
// where cross-attention earns its keep.
//
// The upgrade is explicit: Split builds a new CrossLayer around each suffix
// layer rather than mutating the layer in place. The suffix layer donates
// its self-attention, feed-forward and norms; the CrossLayer adds a fresh
// cross-attention sublayer whose weights start as a copy of that layer's
// self-attention weights, so at the moment of the split the cross-attention
// computes something sensible instead of noise. After the split the copies
// train independently.
//
// Split consumes the encoder. The base stack and cross stack share its
// weight tensors, so using the original encoder afterwards would train the
// same parameters through two fronts.
//
// ===========================================================================

// CrossAttender is the capability a cross-stack layer must provide: advance
// a sequence's hidden states while attending to a memory sequence.
type CrossAttender interface {
	// ForwardCross runs the layer. x is this sequence's hidden states, mem
	// the other sequence's hidden states, memMask the other sequence's
	// padding mask.
	ForwardCross(x, mem *Tensor, memMask []float64) *Tensor
}

// ===========================================================================
// CROSS LAYER
// ===========================================================================

// CrossLayer is an encoder layer upgraded with a cross-attention sublayer:
//
//   x = x + SelfAttention(LN(x))
//   x = x + CrossAttention(LN(x), memory)
//   x = x + FeedForward(LN(x))
//
// Self-attention here runs unmasked over the sequence's own positions;
// cross-attention applies the memory sequence's padding mask.
type CrossLayer struct {
	ln1      *LayerNorm
	selfAttn *Attention

	lnCross   *LayerNorm
	crossAttn *Attention

	ln2 *LayerNorm
	ff  *FeedForward
}

// CrossLayerCache stores activations for the backward pass.
type CrossLayerCache struct {
	input      *Tensor
	normed1    *Tensor
	selfCache  *AttentionCache
	afterSelf  *Tensor
	normedC    *Tensor
	crossCache *AttentionCache
	afterCross *Tensor
	normed2    *Tensor
	ffCache    *FeedForwardCache
}

// newCrossLayerFrom upgrades an encoder layer in the manner described
// above: donated sublayers plus a cloned cross-attention.
func newCrossLayerFrom(l *EncoderLayer, dim, numHeads int, eps float64) *CrossLayer {
	crossAttn := NewAttention(dim, numHeads)
	crossAttn.cloneFrom(l.attn)

	return &CrossLayer{
		ln1:       l.ln1,
		selfAttn:  l.attn,
		lnCross:   NewLayerNorm(dim, eps),
		crossAttn: crossAttn,
		ln2:       l.ln2,
		ff:        l.ff,
	}
}

// ForwardCross runs the layer without caching.
func (l *CrossLayer) ForwardCross(x, mem *Tensor, memMask []float64) *Tensor {
	normed1 := l.ln1.Forward(x)
	x = Add(x, l.selfAttn.Forward(normed1, normed1, nil))

	normedC := l.lnCross.Forward(x)
	x = Add(x, l.crossAttn.Forward(normedC, mem, memMask))

	normed2 := l.ln2.Forward(x)
	x = Add(x, l.ff.Forward(normed2))

	return x
}

// ForwardWithCache runs the layer keeping activations for Backward.
func (l *CrossLayer) ForwardWithCache(x, mem *Tensor, memMask []float64) (*Tensor, *CrossLayerCache) {
	cache := &CrossLayerCache{input: x}

	cache.normed1 = l.ln1.Forward(x)
	selfOut, selfCache := l.selfAttn.ForwardWithCache(cache.normed1, cache.normed1, nil)
	cache.selfCache = selfCache
	x = Add(x, selfOut)
	cache.afterSelf = x

	cache.normedC = l.lnCross.Forward(x)
	crossOut, crossCache := l.crossAttn.ForwardWithCache(cache.normedC, mem, memMask)
	cache.crossCache = crossCache
	x = Add(x, crossOut)
	cache.afterCross = x

	cache.normed2 = l.ln2.Forward(x)
	ffOut, ffCache := l.ff.ForwardWithCache(cache.normed2)
	cache.ffCache = ffCache
	x = Add(x, ffOut)

	return x, cache
}

// Backward propagates gradients through the layer. It returns the gradient
// with respect to the layer input and the gradient with respect to the
// memory sequence, which the caller routes back to the other sequence's
// base-stack output.
func (l *CrossLayer) Backward(gradOut *Tensor, cache *CrossLayerCache) (gradX, gradMem *Tensor) {
	// Residual 3: out = afterCross + ff(ln2(afterCross))
	gradFF := l.ff.Backward(gradOut, cache.ffCache)
	gradNormed2 := l.ln2.Backward(cache.afterCross, gradFF)
	gradAfterCross := Add(gradOut, gradNormed2)

	// Residual 2: afterCross = afterSelf + crossAttn(lnCross(afterSelf), mem)
	gradCrossX, gradMem := l.crossAttn.Backward(gradAfterCross, cache.crossCache)
	gradNormedC := l.lnCross.Backward(cache.afterSelf, gradCrossX)
	gradAfterSelf := Add(gradAfterCross, gradNormedC)

	// Residual 1: afterSelf = input + selfAttn(ln1(input))
	gradSelfX, gradSelfMem := l.selfAttn.Backward(gradAfterSelf, cache.selfCache)
	gradNormed1 := Add(gradSelfX, gradSelfMem)
	gradInput := l.ln1.Backward(cache.input, gradNormed1)

	return Add(gradAfterSelf, gradInput), gradMem
}

func (l *CrossLayer) parameters() []*Tensor {
	var params []*Tensor
	params = append(params, l.ln1.parameters()...)
	params = append(params, l.selfAttn.parameters()...)
	params = append(params, l.lnCross.parameters()...)
	params = append(params, l.crossAttn.parameters()...)
	params = append(params, l.ln2.parameters()...)
	params = append(params, l.ff.parameters()...)
	return params
}

// ===========================================================================
// BASE STACK
// ===========================================================================

// BaseStack is the encoder's embedding layer plus the prefix of its layers.
// Each sequence of a pair passes through it independently.
type BaseStack struct {
	enc    *Encoder
	layers []*EncoderLayer
}

// BaseStackCache stores activations for the backward pass over one sequence.
type BaseStackCache struct {
	ids         []int
	summedEmbed *Tensor
	layerCaches []*EncoderLayerCache
}

// NumLayers returns the number of transformer layers in the base stack.
func (s *BaseStack) NumLayers() int {
	return len(s.layers)
}

// Forward encodes one token sequence: embeddings, then each prefix layer
// with the sequence's own padding mask.
func (s *BaseStack) Forward(ids []int, mask []float64) (*Tensor, error) {
	if mask != nil && len(mask) != len(ids) {
		return nil, fmt.Errorf("%w: mask length %d != sequence length %d", ErrShape, len(mask), len(ids))
	}

	x, err := s.enc.Embed(ids)
	if err != nil {
		return nil, err
	}

	for _, layer := range s.layers {
		x = layer.Forward(x, mask)
	}

	return x, nil
}

// ForwardWithCache encodes one sequence keeping activations for Backward.
func (s *BaseStack) ForwardWithCache(ids []int, mask []float64) (*Tensor, *BaseStackCache, error) {
	if mask != nil && len(mask) != len(ids) {
		return nil, nil, fmt.Errorf("%w: mask length %d != sequence length %d", ErrShape, len(mask), len(ids))
	}

	x, summed, err := s.enc.embedWithCache(ids)
	if err != nil {
		return nil, nil, err
	}

	cache := &BaseStackCache{
		ids:         ids,
		summedEmbed: summed,
		layerCaches: make([]*EncoderLayerCache, len(s.layers)),
	}

	for i, layer := range s.layers {
		x, cache.layerCaches[i] = layer.ForwardWithCache(x, mask)
	}

	return x, cache, nil
}

// Backward propagates gradients down through the prefix layers and into
// the embedding tables.
func (s *BaseStack) Backward(gradOut *Tensor, cache *BaseStackCache) {
	grad := gradOut
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad = s.layers[i].Backward(grad, cache.layerCaches[i])
	}
	s.enc.embedBackward(cache.ids, cache.summedEmbed, grad)
}

// Parameters returns the base stack's trainable tensors, embeddings first.
func (s *BaseStack) Parameters() []*Tensor {
	params := []*Tensor{s.enc.tokenEmbed, s.enc.posEmbed}
	params = append(params, s.enc.lnEmbed.parameters()...)
	for _, layer := range s.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}

// ===========================================================================
// CROSS STACK
// ===========================================================================

// CrossStack is the suffix of the encoder's layers, each upgraded with
// cross-attention. Both sequences of a pair pass through it, each using
// the other's base-stack output as memory.
type CrossStack struct {
	layers []*CrossLayer
}

// CrossStackCache stores per-layer activations for one sequence's pass.
type CrossStackCache struct {
	layerCaches []*CrossLayerCache
}

// NumLayers returns the number of cross-attention layers in the stack.
func (s *CrossStack) NumLayers() int {
	return len(s.layers)
}

// Forward advances one sequence's hidden states through every cross layer,
// attending to a fixed memory sequence throughout.
func (s *CrossStack) Forward(x, mem *Tensor, memMask []float64) (*Tensor, error) {
	if len(x.shape) != 2 || len(mem.shape) != 2 || x.shape[1] != mem.shape[1] {
		return nil, fmt.Errorf("%w: hidden dim mismatch between input %v and memory %v", ErrShape, x.shape, mem.shape)
	}
	if memMask != nil && len(memMask) != mem.shape[0] {
		return nil, fmt.Errorf("%w: memory mask length %d != memory length %d", ErrShape, len(memMask), mem.shape[0])
	}

	for _, layer := range s.layers {
		x = layer.ForwardCross(x, mem, memMask)
	}
	return x, nil
}

// ForwardWithCache is Forward keeping activations for Backward.
func (s *CrossStack) ForwardWithCache(x, mem *Tensor, memMask []float64) (*Tensor, *CrossStackCache, error) {
	if len(x.shape) != 2 || len(mem.shape) != 2 || x.shape[1] != mem.shape[1] {
		return nil, nil, fmt.Errorf("%w: hidden dim mismatch between input %v and memory %v", ErrShape, x.shape, mem.shape)
	}
	if memMask != nil && len(memMask) != mem.shape[0] {
		return nil, nil, fmt.Errorf("%w: memory mask length %d != memory length %d", ErrShape, len(memMask), mem.shape[0])
	}

	cache := &CrossStackCache{layerCaches: make([]*CrossLayerCache, len(s.layers))}
	for i, layer := range s.layers {
		x, cache.layerCaches[i] = layer.ForwardWithCache(x, mem, memMask)
	}
	return x, cache, nil
}

// Backward propagates gradients through every cross layer. It returns the
// gradient with respect to the stack input and the accumulated gradient
// with respect to the memory sequence, which every layer attends to.
func (s *CrossStack) Backward(gradOut *Tensor, cache *CrossStackCache) (gradX, gradMem *Tensor) {
	grad := gradOut
	for i := len(s.layers) - 1; i >= 0; i-- {
		var layerGradMem *Tensor
		grad, layerGradMem = s.layers[i].Backward(grad, cache.layerCaches[i])
		if gradMem == nil {
			gradMem = layerGradMem
		} else {
			gradMem = Add(gradMem, layerGradMem)
		}
	}
	return grad, gradMem
}

// Parameters returns the cross stack's trainable tensors.
func (s *CrossStack) Parameters() []*Tensor {
	var params []*Tensor
	for _, layer := range s.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}

// ===========================================================================
// SPLIT
// ===========================================================================

// Split partitions an encoder at the pivot layer: layers before the pivot
// form the base stack (with the embeddings), layers from the pivot on are
// upgraded into cross layers. The pivot must leave at least one layer on
// each side. The two stacks own the encoder's weights afterwards; the
// encoder itself should not be used again.
func Split(enc *Encoder, pivot int) (*BaseStack, *CrossStack, error) {
	numLayers := enc.config.NumLayers
	if pivot <= 0 || pivot >= numLayers {
		return nil, nil, fmt.Errorf("%w: pivot %d must satisfy 0 < pivot < %d", ErrConfiguration, pivot, numLayers)
	}

	base := &BaseStack{
		enc:    enc,
		layers: enc.layers[:pivot],
	}

	crossLayers := make([]*CrossLayer, 0, numLayers-pivot)
	for _, l := range enc.layers[pivot:] {
		crossLayers = append(crossLayers, newCrossLayerFrom(l, enc.config.HiddenDim, enc.config.NumHeads, enc.config.LayerNormEps))
	}

	return base, &CrossStack{layers: crossLayers}, nil
}
