package main

import (
	"fmt"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Training-mode forward and backward for the pair classifier. The inference
// path in model.go throws activations away; this path keeps them, because
// backpropagation consumes the forward pass's intermediate values in
// reverse order.
//
// The wrinkle specific to this model is gradient routing across sequences.
// In the forward pass the premise's cross stack attends to the hypothesis's
// base output and vice versa. So in the backward pass each cross-stack
// Backward returns TWO gradients: one for its own input (which flows down
// its own base-stack pass) and one for the memory (which flows down the
// OTHER sequence's base-stack pass). Each base output accumulates gradient
// from two places: its own cross pass's input, and the other side's cross
// pass's memory.
//
// Shared weights need no special handling: every sublayer accumulates into
// the same grad buffers on every pass, so running the base stack twice per
// example simply adds both contributions, which is exactly the derivative
// of weight sharing.
//
// Dropout during training: inter-layer inside the GRU (see gru.go) and one
// independent mask over each cross-attended sequence before it enters the
// GRU.
//
// ===========================================================================

// pairExampleCache stores one example's activations.
type pairExampleCache struct {
	premBase  *BaseStackCache
	hypBase   *BaseStackCache
	premCross *CrossStackCache
	hypCross  *CrossStackCache
	premGRU   *GRUCache
	hypGRU    *GRUCache

	premDropMask *Tensor // dropout mask over the premise cross output, nil if disabled
	hypDropMask  *Tensor // dropout mask over the hypothesis cross output, nil if disabled

	feat *Tensor // (1, 2H) concatenated pooled vectors, input to the head
}

// PairClassifierCache stores a batch's activations for Backward.
type PairClassifierCache struct {
	examples []*pairExampleCache
}

// ForwardWithCache computes logits in training mode: dropout active,
// activations retained. Returns (batchSize, numClasses) logits and the
// cache Backward needs.
func (m *PairClassifier) ForwardWithCache(batch *Batch) (*Tensor, *PairClassifierCache, error) {
	if err := m.validateBatch(batch); err != nil {
		return nil, nil, err
	}

	n := len(batch.PremiseInputIDs)
	logits := NewTensor(n, m.config.NumClasses)
	cache := &PairClassifierCache{examples: make([]*pairExampleCache, n)}

	for i := 0; i < n; i++ {
		ec := &pairExampleCache{}
		premIDs, premMask := batch.PremiseInputIDs[i], batch.PremiseAttentionMask[i]
		hypIDs, hypMask := batch.HypothesisInputIDs[i], batch.HypothesisAttentionMask[i]

		premBaseOut, premBaseCache, err := m.base.ForwardWithCache(premIDs, premMask)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		hypBaseOut, hypBaseCache, err := m.base.ForwardWithCache(hypIDs, hypMask)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		ec.premBase, ec.hypBase = premBaseCache, hypBaseCache

		premCrossOut, premCrossCache, err := m.cross.ForwardWithCache(premBaseOut, hypBaseOut, hypMask)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		hypCrossOut, hypCrossCache, err := m.cross.ForwardWithCache(hypBaseOut, premBaseOut, premMask)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		ec.premCross, ec.hypCross = premCrossCache, hypCrossCache

		// Dropout on each cross output independently, before pooling
		premIn, premDropMask := Dropout(premCrossOut, m.config.Dropout, true, m.rng)
		hypIn, hypDropMask := Dropout(hypCrossOut, m.config.Dropout, true, m.rng)
		ec.premDropMask, ec.hypDropMask = premDropMask, hypDropMask

		premVec, premGRUCache, err := m.gru.ForwardWithCache(premIn)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		hypVec, hypGRUCache, err := m.gru.ForwardWithCache(hypIn)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", i, err)
		}
		ec.premGRU, ec.hypGRU = premGRUCache, hypGRUCache

		ec.feat = ConcatCols(premVec, hypVec)

		row := MatMul(ec.feat, m.headW)
		addBiasRows(row, m.headB)
		copy(logits.data[i*m.config.NumClasses:(i+1)*m.config.NumClasses], row.data)

		cache.examples[i] = ec
	}

	return logits, cache, nil
}

// Backward propagates the logit gradient through the whole model,
// accumulating into every parameter's grad buffer. gradLogits is
// (batchSize, numClasses), typically from CrossEntropyBackward.
func (m *PairClassifier) Backward(gradLogits *Tensor, cache *PairClassifierCache) {
	numClasses := m.config.NumClasses
	gruH := m.config.GRUHidden

	for i, ec := range cache.examples {
		gradRow := NewTensor(1, numClasses)
		copy(gradRow.data, gradLogits.data[i*numClasses:(i+1)*numClasses])

		// Head: row = feat @ headW + headB
		gradFeat, gradHeadW := MatMulBackward(ec.feat, m.headW, gradRow)
		m.headW.AccumulateGrad(gradHeadW)
		m.headB.AccumulateGrad(sumRows(gradRow))

		// Concat order is premise then hypothesis
		gradPremVec, gradHypVec := SplitCols(gradFeat, gruH)

		gradPremSeq := m.gru.Backward(gradPremVec, ec.premGRU)
		gradHypSeq := m.gru.Backward(gradHypVec, ec.hypGRU)

		// Undo the pre-reducer dropout before the cross stacks
		gradPremCross := DropoutBackward(gradPremSeq, ec.premDropMask)
		gradHypCross := DropoutBackward(gradHypSeq, ec.hypDropMask)

		// Cross-stack backward splits each gradient in two: own input and
		// the other sequence's memory.
		gradPremFromOwn, gradHypAsMemory := m.cross.Backward(gradPremCross, ec.premCross)
		gradHypFromOwn, gradPremAsMemory := m.cross.Backward(gradHypCross, ec.hypCross)

		gradPremBase := Add(gradPremFromOwn, gradPremAsMemory)
		gradHypBase := Add(gradHypFromOwn, gradHypAsMemory)

		m.base.Backward(gradPremBase, ec.premBase)
		m.base.Backward(gradHypBase, ec.hypBase)
	}
}
