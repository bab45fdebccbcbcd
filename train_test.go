package main

import (
	"errors"
	"math"
	"testing"
)

// TestAccuracy checks exact agreement and exact disagreement.
func TestAccuracy(t *testing.T) {
	logits := NewTensor(2, 3)
	logits.Set(2, 0, 0)
	logits.Set(1, 0, 1)
	logits.Set(0, 0, 2)
	logits.Set(0, 1, 0)
	logits.Set(1, 1, 1)
	logits.Set(2, 1, 2)

	if acc := Accuracy(logits, []int{0, 2}); acc != 1.0 {
		t.Errorf("expected accuracy 1.0, got %f", acc)
	}
	if acc := Accuracy(logits, []int{1, 0}); acc != 0.0 {
		t.Errorf("expected accuracy 0.0, got %f", acc)
	}
	if acc := Accuracy(logits, []int{0, 0}); acc != 0.5 {
		t.Errorf("expected accuracy 0.5, got %f", acc)
	}
}

// TestCrossEntropyUniform: uniform logits give loss ln(numClasses).
func TestCrossEntropyUniform(t *testing.T) {
	logits := NewTensor(2, 3)

	loss := CrossEntropyLoss(logits, []int{0, 2})
	want := math.Log(3)
	if math.Abs(loss-want) > 1e-12 {
		t.Errorf("expected %g, got %g", want, loss)
	}
}

// TestCrossEntropyConfidentCorrect: a very confident correct prediction
// has near-zero loss.
func TestCrossEntropyConfidentCorrect(t *testing.T) {
	logits := NewTensor(1, 3)
	logits.Set(100, 0, 1)

	loss := CrossEntropyLoss(logits, []int{1})
	if loss > 1e-9 {
		t.Errorf("expected near-zero loss, got %g", loss)
	}
}

// TestOptimizerKindFromName: named optimizers resolve, everything else
// falls back to Adam.
func TestOptimizerKindFromName(t *testing.T) {
	cases := []struct {
		name string
		want OptimizerKind
	}{
		{"adam", OptimizerAdam},
		{"sgd", OptimizerSGD},
		{"SGD", OptimizerSGD},
		{" Adam ", OptimizerAdam},
		{"rmsprop", OptimizerAdam},
		{"", OptimizerAdam},
	}

	for _, tc := range cases {
		if got := OptimizerKindFromName(tc.name); got != tc.want {
			t.Errorf("%q: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

// TestSGDStep: param -= lr * grad.
func TestSGDStep(t *testing.T) {
	p := NewTensor(1)
	p.data[0] = 1.0
	p.grad[0] = 0.5

	opt := NewSGDOptimizer(0)
	opt.Step([]*Tensor{p}, 0.1)

	if math.Abs(p.data[0]-0.95) > 1e-12 {
		t.Errorf("expected 0.95, got %g", p.data[0])
	}
}

// TestAdamFirstStep: with bias correction, the first Adam step moves the
// parameter by roughly the learning rate against the gradient sign.
func TestAdamFirstStep(t *testing.T) {
	p := NewTensor(1)
	p.data[0] = 1.0
	p.grad[0] = 2.5

	opt := NewAdamOptimizer([]*Tensor{p}, 0.9, 0.999, 1e-8, 0)
	opt.Step([]*Tensor{p}, 0.01)

	// m_hat = grad, v_hat = grad^2, so the step is lr * grad/|grad| = lr
	if math.Abs(p.data[0]-(1.0-0.01)) > 1e-6 {
		t.Errorf("expected step of about 0.01, got param %g", p.data[0])
	}
}

// TestPlateauScheduler walks through improvement, plateau, reduction and
// the minimum-rate floor.
func TestPlateauScheduler(t *testing.T) {
	s := NewPlateauScheduler(1.0, 0.5, 1, 0.2)

	if s.Observe(1.0) {
		t.Error("first observation is an improvement, no reduction expected")
	}
	if s.Observe(1.0) {
		t.Error("within patience, no reduction expected")
	}
	if !s.Observe(1.0) {
		t.Error("patience exceeded, expected a reduction")
	}
	if s.LR() != 0.5 {
		t.Errorf("expected LR 0.5, got %g", s.LR())
	}

	// An improvement resets the counter
	if s.Observe(0.5) {
		t.Error("improvement should not reduce the rate")
	}

	// Plateau again twice: 0.25, then clamp at the 0.2 floor
	s.Observe(0.5)
	s.Observe(0.5)
	if s.LR() != 0.25 {
		t.Errorf("expected LR 0.25, got %g", s.LR())
	}
	s.Observe(0.5)
	s.Observe(0.5)
	if s.LR() != 0.2 {
		t.Errorf("expected LR clamped at 0.2, got %g", s.LR())
	}

	// At the floor, no further reductions are reported
	s.Observe(0.5)
	if s.Observe(0.5) {
		t.Error("at the floor, no reduction should be reported")
	}
}

// TestClipGradients: gradients above the max norm scale down to it,
// gradients below pass unchanged.
func TestClipGradients(t *testing.T) {
	p := NewTensor(2)
	p.grad[0] = 6
	p.grad[1] = 8 // norm 10

	clipGradients([]*Tensor{p}, 1.0)

	norm := math.Sqrt(p.grad[0]*p.grad[0] + p.grad[1]*p.grad[1])
	if math.Abs(norm-1.0) > 1e-12 {
		t.Errorf("expected norm 1.0 after clipping, got %g", norm)
	}

	q := NewTensor(1)
	q.grad[0] = 0.5
	clipGradients([]*Tensor{q}, 1.0)
	if q.grad[0] != 0.5 {
		t.Errorf("small gradient should be untouched, got %g", q.grad[0])
	}
}

// TestTrainingConfigValidate covers hyperparameter rejection.
func TestTrainingConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TrainingConfig)
	}{
		{"zero lr", func(c *TrainingConfig) { c.LearningRate = 0 }},
		{"zero batch", func(c *TrainingConfig) { c.BatchSize = 0 }},
		{"zero epochs", func(c *TrainingConfig) { c.NumEpochs = 0 }},
		{"plateau factor one", func(c *TrainingConfig) { c.PlateauFactor = 1.0 }},
		{"negative patience", func(c *TrainingConfig) { c.PlateauPatience = -1 }},
		{"negative clip", func(c *TrainingConfig) { c.GradientClipValue = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultTrainingConfig()
			tc.mutate(&config)
			if err := config.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}

	if err := DefaultTrainingConfig().Validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}
