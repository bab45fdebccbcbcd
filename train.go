package main

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The training harness: loss, metrics, optimizers, learning rate control,
// and the epoch loop. One training step is:
//
//   1. Forward with cached activations (dropout active)
//   2. Cross-entropy loss against the gold labels
//   3. Backward: propagate gradients into every parameter
//   4. Clip gradients by global norm
//   5. Optimizer step
//
// The learning rate follows a reduce-on-plateau schedule: hold the rate
// steady, and when validation loss stops improving for `patience` epochs,
// multiply the rate by `factor`. This suits fine-tuning-style runs where
// the right decay point depends on the data rather than a step count.
//
// The harness is deliberately explicit. There are no lifecycle hooks or
// callback registries: the loop calls the model, the optimizer and the
// scheduler directly, and anyone reading it sees the whole training
// procedure top to bottom. Dependencies come in through the Trainer
// constructor.
//
// ===========================================================================

// OptimizerKind selects the optimization algorithm.
type OptimizerKind int

const (
	// OptimizerAdam is the default; unrecognized names resolve to it.
	OptimizerAdam OptimizerKind = iota
	OptimizerSGD
)

func (k OptimizerKind) String() string {
	switch k {
	case OptimizerSGD:
		return "sgd"
	default:
		return "adam"
	}
}

// OptimizerKindFromName maps a name to an OptimizerKind. Unknown names
// fall back to Adam explicitly rather than failing: the selection is a
// tuning knob, not a correctness knob, and Adam is the safe default for
// transformer training.
func OptimizerKindFromName(name string) OptimizerKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sgd":
		return OptimizerSGD
	case "adam":
		return OptimizerAdam
	default:
		return OptimizerAdam
	}
}

// TrainingConfig holds hyperparameters for a training run.
type TrainingConfig struct {
	// Optimization
	LearningRate      float64
	WeightDecay       float64
	GradientClipValue float64

	// Training
	BatchSize int
	NumEpochs int

	// Reduce-on-plateau schedule
	PlateauFactor   float64 // multiply LR by this on plateau
	PlateauPatience int     // epochs without improvement before reducing
	MinLR           float64

	// Optimization algorithm
	Optimizer   OptimizerKind
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEpsilon float64

	// Logging
	LogInterval int // log every N steps
}

// DefaultTrainingConfig returns sensible defaults for fine-tuning runs.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      2e-5,
		WeightDecay:       0.01,
		GradientClipValue: 1.0,

		BatchSize: 16,
		NumEpochs: 3,

		PlateauFactor:   0.5,
		PlateauPatience: 1,
		MinLR:           1e-7,

		Optimizer:   OptimizerAdam,
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEpsilon: 1e-8,

		LogInterval: 50,
	}
}

// Validate rejects hyperparameters outside their meaningful ranges.
func (c TrainingConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate must be positive, got %g", ErrConfiguration, c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, c.BatchSize)
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("%w: epoch count must be positive, got %d", ErrConfiguration, c.NumEpochs)
	}
	if c.PlateauFactor <= 0 || c.PlateauFactor >= 1 {
		return fmt.Errorf("%w: plateau factor must be in (0, 1), got %g", ErrConfiguration, c.PlateauFactor)
	}
	if c.PlateauPatience < 0 {
		return fmt.Errorf("%w: plateau patience cannot be negative, got %d", ErrConfiguration, c.PlateauPatience)
	}
	if c.GradientClipValue < 0 {
		return fmt.Errorf("%w: gradient clip value cannot be negative, got %g", ErrConfiguration, c.GradientClipValue)
	}
	return nil
}

// ===========================================================================
// OPTIMIZERS
// ===========================================================================

// Optimizer applies parameter updates from accumulated gradients.
type Optimizer interface {
	// Step performs one update over all parameters at the given rate.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// NewOptimizer constructs the optimizer named by the config.
func NewOptimizer(kind OptimizerKind, params []*Tensor, config TrainingConfig) Optimizer {
	switch kind {
	case OptimizerSGD:
		return NewSGDOptimizer(config.WeightDecay)
	default:
		return NewAdamOptimizer(params, config.AdamBeta1, config.AdamBeta2,
			config.AdamEpsilon, config.WeightDecay)
	}
}

// SGDOptimizer implements plain stochastic gradient descent with weight
// decay.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			grad := p.grad[i] + opt.weightDecay*p.data[i]
			p.data[i] -= lr * grad
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam with bias correction.
//
// Update rule:
//   m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//   v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//   m_hat = m_t / (1 - beta1^t)
//   v_hat = v_t / (1 - beta2^t)
//   param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor // first moment
	v []*Tensor // second moment
	t int       // step count for bias correction
}

// NewAdamOptimizer creates an Adam optimizer with moment buffers matching
// the given parameters.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step performs one Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// ===========================================================================
// LEARNING RATE SCHEDULE
// ===========================================================================

// PlateauScheduler reduces the learning rate when a monitored metric
// (validation loss) stops improving. Mirrors the usual
// reduce-on-plateau behavior: after `patience` consecutive epochs without
// improvement, the rate is multiplied by `factor`, never dropping below
// minLR.
type PlateauScheduler struct {
	lr       float64
	factor   float64
	patience int
	minLR    float64

	best    float64
	badRuns int
}

// NewPlateauScheduler creates a scheduler starting at baseLR.
func NewPlateauScheduler(baseLR, factor float64, patience int, minLR float64) *PlateauScheduler {
	return &PlateauScheduler{
		lr:       baseLR,
		factor:   factor,
		patience: patience,
		minLR:    minLR,
		best:     math.Inf(1),
	}
}

// LR returns the current learning rate.
func (s *PlateauScheduler) LR() float64 {
	return s.lr
}

// Observe records one epoch's monitored value and adjusts the rate if a
// plateau is detected. Returns true when the rate was reduced.
func (s *PlateauScheduler) Observe(value float64) bool {
	if value < s.best {
		s.best = value
		s.badRuns = 0
		return false
	}

	s.badRuns++
	if s.badRuns <= s.patience {
		return false
	}

	s.badRuns = 0
	reduced := s.lr * s.factor
	if reduced < s.minLR {
		reduced = s.minLR
	}
	if reduced == s.lr {
		return false
	}
	s.lr = reduced
	return true
}

// ===========================================================================
// LOSS AND METRICS
// ===========================================================================

// CrossEntropyLoss computes mean cross-entropy over a batch.
// logits: (batchSize, numClasses); labels: one class index per example.
func CrossEntropyLoss(logits *Tensor, labels []int) float64 {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss expects 2D logits")
	}

	batchSize := logits.shape[0]
	numClasses := logits.shape[1]

	if len(labels) != batchSize {
		panic(fmt.Sprintf("label count %d != batch size %d", len(labels), batchSize))
	}

	totalLoss := 0.0

	for b := 0; b < batchSize; b++ {
		// log-sum-exp with max subtraction for stability
		maxLogit := logits.At(b, 0)
		for c := 1; c < numClasses; c++ {
			if l := logits.At(b, c); l > maxLogit {
				maxLogit = l
			}
		}

		sumExp := 0.0
		for c := 0; c < numClasses; c++ {
			sumExp += math.Exp(logits.At(b, c) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - logits.At(b, labels[b])
	}

	return totalLoss / float64(batchSize)
}

// Accuracy computes the fraction of examples whose argmax logit matches
// the label.
func Accuracy(logits *Tensor, labels []int) float64 {
	if len(logits.shape) != 2 {
		panic("Accuracy expects 2D logits")
	}
	if len(labels) != logits.shape[0] {
		panic(fmt.Sprintf("label count %d != batch size %d", len(labels), logits.shape[0]))
	}

	correct := 0
	for b := 0; b < logits.shape[0]; b++ {
		if argmaxRow(logits, b) == labels[b] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// clipGradients clips gradients by global norm. maxNorm <= 0 disables
// clipping.
func clipGradients(params []*Tensor, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}

	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
}

// ===========================================================================
// TRAINER
// ===========================================================================

// EpochMetrics summarizes one evaluation pass.
type EpochMetrics struct {
	Loss     float64
	Accuracy float64
}

// Trainer runs the training loop. Everything it touches arrives through
// the constructor; there is no hidden lifecycle.
type Trainer struct {
	model     *PairClassifier
	config    TrainingConfig
	optimizer Optimizer
	scheduler *PlateauScheduler
	rng       *rand.Rand
}

// NewTrainer assembles a trainer for the model.
func NewTrainer(model *PairClassifier, config TrainingConfig) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	params := model.Parameters()
	return &Trainer{
		model:     model,
		config:    config,
		optimizer: NewOptimizer(config.Optimizer, params, config),
		scheduler: NewPlateauScheduler(config.LearningRate, config.PlateauFactor,
			config.PlateauPatience, config.MinLR),
		rng: rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// TrainStep performs one optimization step over a batch and returns the
// training loss.
func (t *Trainer) TrainStep(batch *Batch) (float64, error) {
	params := t.model.Parameters()
	t.optimizer.ZeroGrad(params)

	logits, cache, err := t.model.ForwardWithCache(batch)
	if err != nil {
		return 0, err
	}

	loss := CrossEntropyLoss(logits, batch.Labels)

	gradLogits := CrossEntropyBackward(logits, batch.Labels)
	t.model.Backward(gradLogits, cache)

	clipGradients(params, t.config.GradientClipValue)
	t.optimizer.Step(params, t.scheduler.LR())

	return loss, nil
}

// Train runs the full loop: shuffle, batch, step, evaluate, adjust the
// learning rate on validation plateaus. valSet may be nil, in which case
// the schedule monitors training loss instead.
func (t *Trainer) Train(trainSet, valSet *Dataset) error {
	fmt.Println("=== Training Started ===")
	fmt.Printf("Examples: %d train", trainSet.Len())
	if valSet != nil {
		fmt.Printf(", %d validation", valSet.Len())
	}
	fmt.Println()
	fmt.Printf("Batch size: %d | Optimizer: %s | LR: %g\n",
		t.config.BatchSize, t.config.Optimizer, t.config.LearningRate)
	fmt.Println()

	step := 0
	for epoch := 0; epoch < t.config.NumEpochs; epoch++ {
		fmt.Printf("Epoch %d/%d\n", epoch+1, t.config.NumEpochs)

		epochLoss := 0.0
		numBatches := 0

		for _, batch := range trainSet.Batches(t.config.BatchSize, t.rng) {
			loss, err := t.TrainStep(batch)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch+1, step, err)
			}

			epochLoss += loss
			numBatches++
			step++

			if t.config.LogInterval > 0 && step%t.config.LogInterval == 0 {
				fmt.Printf("Step %d | Loss: %.4f | LR: %.2e\n", step, loss, t.scheduler.LR())
			}
		}

		avgTrainLoss := epochLoss / float64(numBatches)

		monitored := avgTrainLoss
		if valSet != nil {
			metrics, err := t.EvaluateDataset(valSet)
			if err != nil {
				return fmt.Errorf("epoch %d validation: %w", epoch+1, err)
			}
			monitored = metrics.Loss
			fmt.Printf("Epoch %d | Train Loss: %.4f | Val Loss: %.4f | Val Acc: %.4f\n",
				epoch+1, avgTrainLoss, metrics.Loss, metrics.Accuracy)
		} else {
			fmt.Printf("Epoch %d | Train Loss: %.4f\n", epoch+1, avgTrainLoss)
		}

		if t.scheduler.Observe(monitored) {
			fmt.Printf("Plateau detected, reducing LR to %.2e\n", t.scheduler.LR())
		}
	}

	fmt.Println("=== Training Complete ===")
	return nil
}

// EvaluateDataset computes loss and accuracy over a dataset in inference
// mode.
func (t *Trainer) EvaluateDataset(set *Dataset) (EpochMetrics, error) {
	return EvaluateModel(t.model, set, t.config.BatchSize)
}

// EvaluateModel computes mean loss and accuracy of a model over a dataset.
func EvaluateModel(model *PairClassifier, set *Dataset, batchSize int) (EpochMetrics, error) {
	totalLoss := 0.0
	correct := 0
	seen := 0
	numBatches := 0

	for _, batch := range set.Batches(batchSize, nil) {
		logits, err := model.Forward(batch)
		if err != nil {
			return EpochMetrics{}, err
		}

		totalLoss += CrossEntropyLoss(logits, batch.Labels)
		numBatches++

		for b := 0; b < logits.shape[0]; b++ {
			if argmaxRow(logits, b) == batch.Labels[b] {
				correct++
			}
			seen++
		}
	}

	if numBatches == 0 {
		return EpochMetrics{}, fmt.Errorf("%w: empty dataset", ErrShape)
	}

	return EpochMetrics{
		Loss:     totalLoss / float64(numBatches),
		Accuracy: float64(correct) / float64(seen),
	}, nil
}
