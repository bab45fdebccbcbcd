package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A bidirectional transformer encoder in the BERT family. Unlike a GPT-style
// decoder there is no causal mask: every token attends to every other token
// in its sequence, in both directions. Padding positions are the only thing
// masked out.
//
// Layer recipe (pre-norm, the variant that trains stably without warmup
// tricks):
//
//   x = x + SelfAttention(LayerNorm(x))
//   x = x + FeedForward(LayerNorm(x))
//
// The embedding layer sums learned token embeddings and learned absolute
// position embeddings, then applies a LayerNorm, which is how BERT does it.
//
// The encoder exists here mostly to be cut in half: the pair classifier
// splits it at a pivot layer into a base stack (these layers, unchanged)
// and a cross stack (these layers, with cross-attention spliced in). See
// splitter.go for the surgery.
//
// ===========================================================================

// ===========================================================================
// LAYER NORMALIZATION
// ===========================================================================

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned scale (gamma) and shift (beta).
type LayerNorm struct {
	gamma *Tensor
	beta  *Tensor
	eps   float64
}

// NewLayerNorm creates a layer norm over vectors of the given dimension.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{gamma: gamma, beta: beta, eps: eps}
}

// Forward normalizes each row of x: (seqLen, dim) -> (seqLen, dim).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 || x.shape[1] != len(ln.gamma.data) {
		panic(fmt.Sprintf("layernorm: input shape %v incompatible with dim %d", x.shape, len(ln.gamma.data)))
	}

	seqLen, dim := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, dim)

	for i := 0; i < seqLen; i++ {
		row := x.data[i*dim : (i+1)*dim]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(dim)

		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(dim)

		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		for j, v := range row {
			out.data[i*dim+j] = (v-mean)*invStd*ln.gamma.data[j] + ln.beta.data[j]
		}
	}

	return out
}

// Backward propagates gradients through the norm, accumulating into gamma
// and beta. x is the input the forward pass saw.
func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(x, ln.gamma, gradY, ln.eps)
	ln.gamma.AccumulateGrad(gradGamma)
	ln.beta.AccumulateGrad(gradBeta)
	return gradX
}

func (ln *LayerNorm) parameters() []*Tensor {
	return []*Tensor{ln.gamma, ln.beta}
}

// ===========================================================================
// FEED-FORWARD NETWORK
// ===========================================================================

// FeedForward is the per-position MLP inside each encoder layer:
// expand to ffHidden, GELU, project back down.
type FeedForward struct {
	w1 *Tensor // (dim, ffHidden)
	b1 *Tensor // (ffHidden)
	w2 *Tensor // (ffHidden, dim)
	b2 *Tensor // (dim)
}

// FeedForwardCache stores the activations Backward needs.
type FeedForwardCache struct {
	input  *Tensor
	hidden *Tensor // pre-GELU
}

// NewFeedForward creates a feed-forward block with random weights.
func NewFeedForward(dim, ffHidden int) *FeedForward {
	scale1 := math.Sqrt(2.0 / float64(dim))
	scale2 := math.Sqrt(2.0 / float64(ffHidden))

	w1 := NewTensorRand(dim, ffHidden)
	w2 := NewTensorRand(ffHidden, dim)
	for i := range w1.data {
		w1.data[i] *= scale1
	}
	for i := range w2.data {
		w2.data[i] *= scale2
	}

	return &FeedForward{
		w1: w1,
		b1: NewTensor(ffHidden),
		w2: w2,
		b2: NewTensor(dim),
	}
}

// Forward applies the MLP to each row of x.
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	out, _ := ff.forward(x, false)
	return out
}

// ForwardWithCache applies the MLP and keeps activations for Backward.
func (ff *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *FeedForwardCache) {
	return ff.forward(x, true)
}

func (ff *FeedForward) forward(x *Tensor, keepCache bool) (*Tensor, *FeedForwardCache) {
	hidden := MatMul(x, ff.w1)
	addBiasRows(hidden, ff.b1)

	activated := GELU(hidden)

	out := MatMul(activated, ff.w2)
	addBiasRows(out, ff.b2)

	if keepCache {
		return out, &FeedForwardCache{input: x, hidden: hidden}
	}
	return out, nil
}

// Backward propagates gradients through the MLP and accumulates weight
// gradients. Returns the gradient with respect to the input.
func (ff *FeedForward) Backward(gradOut *Tensor, cache *FeedForwardCache) *Tensor {
	// out = GELU(hidden) @ w2 + b2
	activated := GELU(cache.hidden)
	gradActivated, gradW2 := MatMulBackward(activated, ff.w2, gradOut)
	ff.w2.AccumulateGrad(gradW2)
	ff.b2.AccumulateGrad(sumRows(gradOut))

	// GELU
	gradHidden := GELUBackward(cache.hidden, gradActivated)

	// hidden = input @ w1 + b1
	gradX, gradW1 := MatMulBackward(cache.input, ff.w1, gradHidden)
	ff.w1.AccumulateGrad(gradW1)
	ff.b1.AccumulateGrad(sumRows(gradHidden))

	return gradX
}

func (ff *FeedForward) parameters() []*Tensor {
	return []*Tensor{ff.w1, ff.b1, ff.w2, ff.b2}
}

// addBiasRows adds a bias vector to every row of a 2D tensor in place.
func addBiasRows(x, bias *Tensor) {
	rows, cols := x.shape[0], x.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x.data[i*cols+j] += bias.data[j]
		}
	}
}

// sumRows sums a (rows, cols) tensor over rows, yielding a (cols) vector.
// This is the gradient of broadcasting a bias across rows.
func sumRows(x *Tensor) *Tensor {
	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[j] += x.data[i*cols+j]
		}
	}
	return out
}

// ===========================================================================
// ENCODER LAYER
// ===========================================================================

// EncoderLayer is one pre-norm transformer encoder layer: bidirectional
// self-attention followed by a feed-forward network, each wrapped in a
// residual connection.
type EncoderLayer struct {
	ln1  *LayerNorm
	attn *Attention
	ln2  *LayerNorm
	ff   *FeedForward
}

// EncoderLayerCache stores per-layer activations for the backward pass.
type EncoderLayerCache struct {
	input     *Tensor
	normed1   *Tensor
	attnCache *AttentionCache
	afterAttn *Tensor
	normed2   *Tensor
	ffCache   *FeedForwardCache
}

// NewEncoderLayer creates an encoder layer with random weights.
func NewEncoderLayer(dim, numHeads, ffHidden int, eps float64) *EncoderLayer {
	return &EncoderLayer{
		ln1:  NewLayerNorm(dim, eps),
		attn: NewAttention(dim, numHeads),
		ln2:  NewLayerNorm(dim, eps),
		ff:   NewFeedForward(dim, ffHidden),
	}
}

// Forward runs the layer. mask is the sequence's own padding mask, applied
// on the key/value side of self-attention.
func (l *EncoderLayer) Forward(x *Tensor, mask []float64) *Tensor {
	normed1 := l.ln1.Forward(x)
	x = Add(x, l.attn.Forward(normed1, normed1, mask))

	normed2 := l.ln2.Forward(x)
	x = Add(x, l.ff.Forward(normed2))

	return x
}

// ForwardWithCache runs the layer keeping activations for Backward.
func (l *EncoderLayer) ForwardWithCache(x *Tensor, mask []float64) (*Tensor, *EncoderLayerCache) {
	cache := &EncoderLayerCache{input: x}

	cache.normed1 = l.ln1.Forward(x)
	attnOut, attnCache := l.attn.ForwardWithCache(cache.normed1, cache.normed1, mask)
	cache.attnCache = attnCache
	x = Add(x, attnOut)
	cache.afterAttn = x

	cache.normed2 = l.ln2.Forward(x)
	ffOut, ffCache := l.ff.ForwardWithCache(cache.normed2)
	cache.ffCache = ffCache
	x = Add(x, ffOut)

	return x, cache
}

// Backward propagates gradients through the layer.
func (l *EncoderLayer) Backward(gradOut *Tensor, cache *EncoderLayerCache) *Tensor {
	// Residual 2: out = afterAttn + ff(ln2(afterAttn))
	gradFF := l.ff.Backward(gradOut, cache.ffCache)
	gradNormed2 := l.ln2.Backward(cache.afterAttn, gradFF)
	gradAfterAttn := Add(gradOut, gradNormed2)

	// Residual 1: afterAttn = input + attn(ln1(input))
	// Self-attention: query and memory are the same tensor, so both
	// gradients flow into it.
	gradAttnX, gradAttnMem := l.attn.Backward(gradAfterAttn, cache.attnCache)
	gradNormed1 := Add(gradAttnX, gradAttnMem)
	gradInput := l.ln1.Backward(cache.input, gradNormed1)

	return Add(gradAfterAttn, gradInput)
}

func (l *EncoderLayer) parameters() []*Tensor {
	var params []*Tensor
	params = append(params, l.ln1.parameters()...)
	params = append(params, l.attn.parameters()...)
	params = append(params, l.ln2.parameters()...)
	params = append(params, l.ff.parameters()...)
	return params
}

// ===========================================================================
// ENCODER CONFIGURATION
// ===========================================================================

// EncoderConfig describes the shape of a transformer encoder. It is fixed
// at construction; nothing mutates it afterwards.
type EncoderConfig struct {
	VocabSize    int     `json:"vocab_size"`
	MaxSeqLen    int     `json:"max_seq_len"`
	HiddenDim    int     `json:"hidden_dim"`
	NumLayers    int     `json:"num_layers"`
	NumHeads     int     `json:"num_heads"`
	FFHidden     int     `json:"ff_hidden"`
	LayerNormEps float64 `json:"layer_norm_eps"`
	PadTokenID   int     `json:"pad_token_id"`
}

// Validate checks the config for internally consistent values.
func (c EncoderConfig) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab size must be positive, got %d", ErrConfiguration, c.VocabSize)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max sequence length must be positive, got %d", ErrConfiguration, c.MaxSeqLen)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("%w: hidden dim must be positive, got %d", ErrConfiguration, c.HiddenDim)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("%w: number of layers must be positive, got %d", ErrConfiguration, c.NumLayers)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("%w: number of heads must be positive, got %d", ErrConfiguration, c.NumHeads)
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: hidden dim %d not divisible by %d heads", ErrConfiguration, c.HiddenDim, c.NumHeads)
	}
	if c.FFHidden <= 0 {
		return fmt.Errorf("%w: feed-forward hidden dim must be positive, got %d", ErrConfiguration, c.FFHidden)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("%w: layer norm epsilon must be positive, got %g", ErrConfiguration, c.LayerNormEps)
	}
	if c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("%w: pad token id %d outside vocabulary of size %d", ErrConfiguration, c.PadTokenID, c.VocabSize)
	}
	return nil
}

// encoderRegistry maps model names to configurations. The shapes follow
// the published BERT checkpoints of the same name.
var encoderRegistry = map[string]EncoderConfig{
	"bert-base": {
		VocabSize:    30522,
		MaxSeqLen:    512,
		HiddenDim:    768,
		NumLayers:    12,
		NumHeads:     12,
		FFHidden:     3072,
		LayerNormEps: 1e-12,
		PadTokenID:   0,
	},
	"bert-small": {
		VocabSize:    30522,
		MaxSeqLen:    512,
		HiddenDim:    512,
		NumLayers:    4,
		NumHeads:     8,
		FFHidden:     2048,
		LayerNormEps: 1e-12,
		PadTokenID:   0,
	},
	"bert-tiny": {
		VocabSize:    30522,
		MaxSeqLen:    512,
		HiddenDim:    128,
		NumLayers:    2,
		NumHeads:     2,
		FFHidden:     512,
		LayerNormEps: 1e-12,
		PadTokenID:   0,
	},
}

// ResolveEncoderConfig looks up a named encoder configuration.
func ResolveEncoderConfig(name string) (EncoderConfig, error) {
	config, ok := encoderRegistry[name]
	if !ok {
		return EncoderConfig{}, fmt.Errorf("%w: unknown encoder %q", ErrConfiguration, name)
	}
	return config, nil
}

// ===========================================================================
// ENCODER
// ===========================================================================

// Encoder is a bidirectional transformer encoder: token + position
// embeddings, an embedding LayerNorm, and a stack of pre-norm layers.
type Encoder struct {
	config EncoderConfig

	tokenEmbed *Tensor // (vocabSize, hiddenDim)
	posEmbed   *Tensor // (maxSeqLen, hiddenDim)
	lnEmbed    *LayerNorm

	layers []*EncoderLayer
}

// NewEncoder creates an encoder with random weights.
func NewEncoder(config EncoderConfig) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	tokenEmbed := NewTensorRand(config.VocabSize, config.HiddenDim)
	posEmbed := NewTensorRand(config.MaxSeqLen, config.HiddenDim)

	layers := make([]*EncoderLayer, config.NumLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(config.HiddenDim, config.NumHeads, config.FFHidden, config.LayerNormEps)
	}

	return &Encoder{
		config:     config,
		tokenEmbed: tokenEmbed,
		posEmbed:   posEmbed,
		lnEmbed:    NewLayerNorm(config.HiddenDim, config.LayerNormEps),
		layers:     layers,
	}, nil
}

// Config returns the encoder's configuration.
func (e *Encoder) Config() EncoderConfig {
	return e.config
}

// Embed looks up token embeddings, adds position embeddings, and applies
// the embedding LayerNorm. ids must fit within the configured vocabulary
// and maximum sequence length.
func (e *Encoder) Embed(ids []int) (*Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: cannot embed an empty sequence", ErrShape)
	}
	if len(ids) > e.config.MaxSeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds maximum %d", ErrShape, len(ids), e.config.MaxSeqLen)
	}

	dim := e.config.HiddenDim
	summed := NewTensor(len(ids), dim)
	for i, id := range ids {
		if id < 0 || id >= e.config.VocabSize {
			return nil, fmt.Errorf("%w: token id %d outside vocabulary of size %d", ErrShape, id, e.config.VocabSize)
		}
		for j := 0; j < dim; j++ {
			summed.data[i*dim+j] = e.tokenEmbed.data[id*dim+j] + e.posEmbed.data[i*dim+j]
		}
	}

	return e.lnEmbed.Forward(summed), nil
}

// embedWithCache is Embed keeping the pre-norm sum for backward.
func (e *Encoder) embedWithCache(ids []int) (*Tensor, *Tensor, error) {
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: cannot embed an empty sequence", ErrShape)
	}
	if len(ids) > e.config.MaxSeqLen {
		return nil, nil, fmt.Errorf("%w: sequence length %d exceeds maximum %d", ErrShape, len(ids), e.config.MaxSeqLen)
	}

	dim := e.config.HiddenDim
	summed := NewTensor(len(ids), dim)
	for i, id := range ids {
		if id < 0 || id >= e.config.VocabSize {
			return nil, nil, fmt.Errorf("%w: token id %d outside vocabulary of size %d", ErrShape, id, e.config.VocabSize)
		}
		for j := 0; j < dim; j++ {
			summed.data[i*dim+j] = e.tokenEmbed.data[id*dim+j] + e.posEmbed.data[i*dim+j]
		}
	}

	return e.lnEmbed.Forward(summed), summed, nil
}

// embedBackward scatter-adds the embedding gradient into the token and
// position embedding tables. summed is the pre-norm sum from embedWithCache.
func (e *Encoder) embedBackward(ids []int, summed, gradOut *Tensor) {
	gradSummed := e.lnEmbed.Backward(summed, gradOut)

	dim := e.config.HiddenDim
	gradToken := NewTensor(e.config.VocabSize, dim)
	gradPos := NewTensor(e.config.MaxSeqLen, dim)
	for i, id := range ids {
		for j := 0; j < dim; j++ {
			g := gradSummed.data[i*dim+j]
			gradToken.data[id*dim+j] += g
			gradPos.data[i*dim+j] += g
		}
	}

	e.tokenEmbed.AccumulateGrad(gradToken)
	e.posEmbed.AccumulateGrad(gradPos)
}

// Forward runs the full encoder over a token sequence.
func (e *Encoder) Forward(ids []int, mask []float64) (*Tensor, error) {
	if mask != nil && len(mask) != len(ids) {
		return nil, fmt.Errorf("%w: mask length %d != sequence length %d", ErrShape, len(mask), len(ids))
	}

	x, err := e.Embed(ids)
	if err != nil {
		return nil, err
	}

	for _, layer := range e.layers {
		x = layer.Forward(x, mask)
	}

	return x, nil
}

// Parameters returns all trainable tensors in a stable order.
func (e *Encoder) Parameters() []*Tensor {
	params := []*Tensor{e.tokenEmbed, e.posEmbed}
	params = append(params, e.lnEmbed.parameters()...)
	for _, layer := range e.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}
