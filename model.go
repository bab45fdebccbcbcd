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
// PairClassifier ties the pieces together into a sentence-pair classifier:
//
//                premise ids            hypothesis ids
//                     |                       |
//                 BaseStack               BaseStack        (shared weights)
//                     |                       |
//                     |  \_____________,_____/ |
//                     |   cross-attend | both  |
//                 CrossStack           |   CrossStack      (shared weights)
//                     |                       |
//                    GRU                     GRU            (shared weights)
//                     |                       |
//                 (1, H) vector          (1, H) vector
//                     \___________+___________/
//                                 |
//                        concat -> (1, 2H)
//                                 |
//                           linear head
//                                 |
//                         (numClasses) logits
//
// Both sequences run through the SAME base stack, cross stack and GRU; the
// only asymmetry is which sequence serves as memory for which. The
// concatenation order is fixed: premise vector first, hypothesis second.
// Swapping the inputs AND swapping the concatenation order therefore yields
// identical logits, a property the tests lean on.
//
// Each example in a batch is processed independently. There is no padding
// interaction across examples: batch results are exactly the per-example
// results stacked row by row.
//
// ===========================================================================

// PairClassifierConfig describes a pair classifier. EncoderName must be a
// registry name (see encoder.go); Pivot is the layer index where the
// encoder is split.
type PairClassifierConfig struct {
	EncoderName string  `json:"encoder_name"`
	Pivot       int     `json:"pivot"`
	GRUHidden   int     `json:"gru_hidden"`
	GRULayers   int     `json:"gru_layers"`
	Dropout     float64 `json:"dropout"`
	NumClasses  int     `json:"num_classes"`
}

// Validate checks the classifier-level fields. Encoder and pivot
// validation happens during construction, where the encoder shape is known.
func (c PairClassifierConfig) Validate() error {
	if c.NumClasses < 1 {
		return fmt.Errorf("%w: class count must be positive, got %d", ErrConfiguration, c.NumClasses)
	}
	if c.GRUHidden <= 0 {
		return fmt.Errorf("%w: GRU hidden size must be positive, got %d", ErrConfiguration, c.GRUHidden)
	}
	if c.GRULayers <= 0 {
		return fmt.Errorf("%w: GRU layer count must be positive, got %d", ErrConfiguration, c.GRULayers)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrConfiguration, c.Dropout)
	}
	return nil
}

// PairClassifier is the full model: split encoder, GRU reducer, linear head.
type PairClassifier struct {
	config  PairClassifierConfig
	encoder EncoderConfig

	base  *BaseStack
	cross *CrossStack
	gru   *GRU

	headW *Tensor // (2*gruHidden, numClasses)
	headB *Tensor // (numClasses)

	rng *rand.Rand
}

// NewPairClassifier builds a classifier from a config: resolve the named
// encoder, construct it with fresh weights, split it at the pivot, and
// attach the reducer and head.
func NewPairClassifier(config PairClassifierConfig) (*PairClassifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	encConfig, err := ResolveEncoderConfig(config.EncoderName)
	if err != nil {
		return nil, err
	}

	enc, err := NewEncoder(encConfig)
	if err != nil {
		return nil, err
	}

	return newPairClassifierFrom(config, enc)
}

// NewPairClassifierWithEncoder builds a classifier around pretrained
// encoder weights loaded from an encoder checkpoint. The encoder
// architecture comes from the checkpoint header; EncoderName in the config
// is ignored. The split's cross-attention starts from the loaded
// self-attention weights, so the pretrained values seed both paths.
func NewPairClassifierWithEncoder(config PairClassifierConfig, encoderPath string) (*PairClassifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	enc, err := LoadEncoder(encoderPath)
	if err != nil {
		return nil, err
	}

	return newPairClassifierFrom(config, enc)
}

// newPairClassifierFrom finishes construction around an existing encoder.
// Checkpoint loading reuses this path with a deserialized encoder.
func newPairClassifierFrom(config PairClassifierConfig, enc *Encoder) (*PairClassifier, error) {
	base, cross, err := Split(enc, config.Pivot)
	if err != nil {
		return nil, err
	}

	gru, err := NewGRU(enc.config.HiddenDim, config.GRUHidden, config.GRULayers, config.Dropout)
	if err != nil {
		return nil, err
	}

	headW := NewTensorRand(2*config.GRUHidden, config.NumClasses)
	scale := math.Sqrt(2.0 / float64(2*config.GRUHidden))
	for i := range headW.data {
		headW.data[i] *= scale
	}

	return &PairClassifier{
		config:  config,
		encoder: enc.config,
		base:    base,
		cross:   cross,
		gru:     gru,
		headW:   headW,
		headB:   NewTensor(config.NumClasses),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Config returns the classifier configuration.
func (m *PairClassifier) Config() PairClassifierConfig {
	return m.config
}

// EncoderConfig returns the underlying encoder's configuration.
func (m *PairClassifier) EncoderConfig() EncoderConfig {
	return m.encoder
}

// validateBatch checks that the batch's parallel slices agree.
func (m *PairClassifier) validateBatch(batch *Batch) error {
	n := len(batch.PremiseInputIDs)
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrShape)
	}
	if len(batch.HypothesisInputIDs) != n ||
		len(batch.PremiseAttentionMask) != n ||
		len(batch.HypothesisAttentionMask) != n {
		return fmt.Errorf("%w: batch fields disagree on size: premises %d/%d, hypotheses %d/%d",
			ErrShape,
			len(batch.PremiseInputIDs), len(batch.PremiseAttentionMask),
			len(batch.HypothesisInputIDs), len(batch.HypothesisAttentionMask))
	}
	for i := 0; i < n; i++ {
		if len(batch.PremiseInputIDs[i]) != len(batch.PremiseAttentionMask[i]) {
			return fmt.Errorf("%w: example %d premise has %d ids but %d mask entries",
				ErrShape, i, len(batch.PremiseInputIDs[i]), len(batch.PremiseAttentionMask[i]))
		}
		if len(batch.HypothesisInputIDs[i]) != len(batch.HypothesisAttentionMask[i]) {
			return fmt.Errorf("%w: example %d hypothesis has %d ids but %d mask entries",
				ErrShape, i, len(batch.HypothesisInputIDs[i]), len(batch.HypothesisAttentionMask[i]))
		}
	}
	return nil
}

// forwardExample runs one premise/hypothesis pair to its (1, 2H) feature
// vector in inference mode.
func (m *PairClassifier) forwardExample(premIDs []int, premMask []float64, hypIDs []int, hypMask []float64) (*Tensor, error) {
	premBase, err := m.base.Forward(premIDs, premMask)
	if err != nil {
		return nil, err
	}
	hypBase, err := m.base.Forward(hypIDs, hypMask)
	if err != nil {
		return nil, err
	}

	// Each side attends to the other side's base-stack output
	premCross, err := m.cross.Forward(premBase, hypBase, hypMask)
	if err != nil {
		return nil, err
	}
	hypCross, err := m.cross.Forward(hypBase, premBase, premMask)
	if err != nil {
		return nil, err
	}

	premVec, err := m.gru.Forward(premCross)
	if err != nil {
		return nil, err
	}
	hypVec, err := m.gru.Forward(hypCross)
	if err != nil {
		return nil, err
	}

	// Premise vector first, always
	return ConcatCols(premVec, hypVec), nil
}

// Forward computes logits for a batch in inference mode (no dropout).
// Returns a (batchSize, numClasses) tensor.
func (m *PairClassifier) Forward(batch *Batch) (*Tensor, error) {
	if err := m.validateBatch(batch); err != nil {
		return nil, err
	}

	n := len(batch.PremiseInputIDs)
	logits := NewTensor(n, m.config.NumClasses)

	for i := 0; i < n; i++ {
		feat, err := m.forwardExample(
			batch.PremiseInputIDs[i], batch.PremiseAttentionMask[i],
			batch.HypothesisInputIDs[i], batch.HypothesisAttentionMask[i])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}

		row := MatMul(feat, m.headW)
		addBiasRows(row, m.headB)
		copy(logits.data[i*m.config.NumClasses:(i+1)*m.config.NumClasses], row.data)
	}

	return logits, nil
}

// Predict returns the argmax class per example.
func (m *PairClassifier) Predict(batch *Batch) ([]int, error) {
	logits, err := m.Forward(batch)
	if err != nil {
		return nil, err
	}

	preds := make([]int, logits.shape[0])
	for i := range preds {
		preds[i] = argmaxRow(logits, i)
	}
	return preds, nil
}

// Parameters returns every trainable tensor in a stable order: base stack,
// cross stack, GRU, head. Checkpoint serialization relies on this order.
func (m *PairClassifier) Parameters() []*Tensor {
	params := m.base.Parameters()
	params = append(params, m.cross.Parameters()...)
	params = append(params, m.gru.Parameters()...)
	params = append(params, m.headW, m.headB)
	return params
}

// ZeroGrad clears every parameter gradient.
func (m *PairClassifier) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// NumParameters returns the total trainable parameter count.
func (m *PairClassifier) NumParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}
