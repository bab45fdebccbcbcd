package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Data plumbing for sentence-pair classification. Examples arrive
// pre-tokenized: tokenization is a separate pipeline concern (any BERT
// wordpiece tokenizer produces compatible ids), and keeping it out of the
// model keeps the training loop honest about what it consumes.
//
// File format: JSON Lines, one example per line:
//
//   {"premise_ids": [101, 2023, ...], "hypothesis_ids": [101, 2178, ...], "label": 2}
//
// Optional "premise_mask" / "hypothesis_mask" arrays mark padding (1 =
// real token, 0 = padding); when absent every position counts. Labels are
// class indices starting at zero.
//
// A Batch carries parallel slices, one entry per example. Sequences keep
// their own lengths: the model processes examples independently, so there
// is no cross-example padding to a common length.
//
// ===========================================================================

// Batch is a group of examples presented to the model together.
type Batch struct {
	PremiseInputIDs         [][]int
	PremiseAttentionMask    [][]float64
	HypothesisInputIDs      [][]int
	HypothesisAttentionMask [][]float64
	Labels                  []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.PremiseInputIDs)
}

// Example is one labeled premise/hypothesis pair.
type Example struct {
	PremiseIDs     []int
	PremiseMask    []float64
	HypothesisIDs  []int
	HypothesisMask []float64
	Label          int
}

// Dataset is an in-memory collection of examples.
type Dataset struct {
	examples []*Example
}

// NewDataset wraps a slice of examples.
func NewDataset(examples []*Example) *Dataset {
	return &Dataset{examples: examples}
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.examples)
}

// Batches partitions the dataset into batches of at most batchSize
// examples. When rng is non-nil the example order is shuffled first;
// pass nil for deterministic evaluation order.
func (d *Dataset) Batches(batchSize int, rng *rand.Rand) []*Batch {
	if batchSize <= 0 {
		batchSize = 1
	}

	order := make([]int, len(d.examples))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches []*Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}

		batch := &Batch{}
		for _, idx := range order[start:end] {
			ex := d.examples[idx]
			batch.PremiseInputIDs = append(batch.PremiseInputIDs, ex.PremiseIDs)
			batch.PremiseAttentionMask = append(batch.PremiseAttentionMask, ex.PremiseMask)
			batch.HypothesisInputIDs = append(batch.HypothesisInputIDs, ex.HypothesisIDs)
			batch.HypothesisAttentionMask = append(batch.HypothesisAttentionMask, ex.HypothesisMask)
			batch.Labels = append(batch.Labels, ex.Label)
		}
		batches = append(batches, batch)
	}

	return batches
}

// jsonlExample mirrors one line of the input file.
type jsonlExample struct {
	PremiseIDs     []int     `json:"premise_ids"`
	PremiseMask    []float64 `json:"premise_mask,omitempty"`
	HypothesisIDs  []int     `json:"hypothesis_ids"`
	HypothesisMask []float64 `json:"hypothesis_mask,omitempty"`
	Label          int       `json:"label"`
}

// onesMask returns an all-valid attention mask of the given length.
func onesMask(n int) []float64 {
	mask := make([]float64, n)
	for i := range mask {
		mask[i] = 1
	}
	return mask
}

// LoadDataset reads a JSONL file of pre-tokenized examples.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var examples []*Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw jsonlExample
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse example: %w", lineNum, err)
		}

		ex, err := buildExample(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: dataset %q contains no examples", ErrConfiguration, path)
	}

	return NewDataset(examples), nil
}

func buildExample(raw jsonlExample) (*Example, error) {
	if len(raw.PremiseIDs) == 0 {
		return nil, fmt.Errorf("%w: empty premise", ErrShape)
	}
	if len(raw.HypothesisIDs) == 0 {
		return nil, fmt.Errorf("%w: empty hypothesis", ErrShape)
	}
	if raw.Label < 0 {
		return nil, fmt.Errorf("%w: negative label %d", ErrConfiguration, raw.Label)
	}

	premMask := raw.PremiseMask
	if premMask == nil {
		premMask = onesMask(len(raw.PremiseIDs))
	} else if len(premMask) != len(raw.PremiseIDs) {
		return nil, fmt.Errorf("%w: premise mask length %d != ids length %d",
			ErrShape, len(premMask), len(raw.PremiseIDs))
	}

	hypMask := raw.HypothesisMask
	if hypMask == nil {
		hypMask = onesMask(len(raw.HypothesisIDs))
	} else if len(hypMask) != len(raw.HypothesisIDs) {
		return nil, fmt.Errorf("%w: hypothesis mask length %d != ids length %d",
			ErrShape, len(hypMask), len(raw.HypothesisIDs))
	}

	return &Example{
		PremiseIDs:     raw.PremiseIDs,
		PremiseMask:    premMask,
		HypothesisIDs:  raw.HypothesisIDs,
		HypothesisMask: hypMask,
		Label:          raw.Label,
	}, nil
}

// MaxLabel returns the highest label value in the dataset. Useful for
// sanity-checking against a model's class count.
func (d *Dataset) MaxLabel() int {
	maxLabel := 0
	for _, ex := range d.examples {
		if ex.Label > maxLabel {
			maxLabel = ex.Label
		}
	}
	return maxLabel
}
