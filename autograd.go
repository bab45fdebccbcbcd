package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward counterparts of the tensor operations.
// Each operation used on the forward path has a matching gradient rule here;
// the model-level backward passes chain them together.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// EXAMPLE: Matrix Multiplication
//
// Forward: C = A @ B
// Backward:
//   - ∂L/∂A = ∂L/∂C @ B^T
//   - ∂L/∂B = A^T @ ∂L/∂C
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	bT := Transpose(b)
	gradA = MatMul(gradC, bT)

	aT := Transpose(a)
	gradB = MatMul(aT, gradC)

	return gradA, gradB
}

// ScaleBackward computes the gradient for scalar multiplication.
// Y = scalar * X  =>  gradX = scalar * gradY.
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// GELUBackward computes the gradient for GELU activation.
//
// GELU(x) = 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]

		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SigmoidBackward computes the gradient for the logistic function given its
// forward output y: dσ/dx = y * (1 - y).
func SigmoidBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * y.data[i] * (1.0 - y.data[i])
	}
	return gradX
}

// TanhBackward computes the gradient for tanh given its forward output y:
// dtanh/dx = 1 - y².
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * (1.0 - y.data[i]*y.data[i])
	}
	return gradX
}

// DropoutBackward routes the gradient through the cached keep mask.
// A nil mask means dropout was a no-op (eval mode or rate 0).
func DropoutBackward(gradY, mask *Tensor) *Tensor {
	if mask == nil {
		return gradY
	}
	return Mul(gradY, mask)
}

// SoftmaxBackward computes the gradient for a row-wise softmax.
//
// For each row: gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	batch := y.shape[0]
	features := y.shape[1]

	gradX := NewTensor(y.shape...)

	for b := 0; b < batch; b++ {
		// Dot product: Σ_j gradY[j] * Y[j]
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.At(b, f) * y.At(b, f)
		}

		for f := 0; f < features; f++ {
			gradX.Set(y.At(b, f)*(gradY.At(b, f)-dot), b, f)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for layer normalization.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// Gradients:
//   - ∂L/∂gamma = Σ ∂L/∂y * (x - mean) / std
//   - ∂L/∂beta = Σ ∂L/∂y
//   - ∂L/∂x via the chain rule through mean and variance
func LayerNormBackward(x, gamma *Tensor, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch := x.shape[0]
	features := x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(features)
	gradBeta = NewTensor(features)

	n := float64(features)

	for b := 0; b < batch; b++ {
		// Recompute statistics (needed for backward pass)
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(b, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(b, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std

			gradGamma.data[f] += gradY.At(b, f) * xNorm
			gradBeta.data[f] += gradY.At(b, f)
		}

		// Gradient for x (the standard normalization backward formula)
		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			sumGradY += gradY.At(b, f) * gamma.data[f]
			sumGradYXNorm += gradY.At(b, f) * gamma.data[f] * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradXNorm := gradY.At(b, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), b, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// CrossEntropyBackward computes the gradient of the averaged cross-entropy
// loss with respect to the logits.
//
// Given:
//   - logits: (batch, numClass)
//   - labels: (batch) - target class indices
//
// gradLogits = (softmax(logits) - one_hot(labels)) / batch
func CrossEntropyBackward(logits *Tensor, labels []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	batchSize := logits.shape[0]
	numClass := logits.shape[1]

	probs := Softmax(logits)

	gradLogits := NewTensor(batchSize, numClass)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < numClass; c++ {
			if c == labels[b] {
				gradLogits.Set((probs.At(b, c)-1.0)/float64(batchSize), b, c)
			} else {
				gradLogits.Set(probs.At(b, c)/float64(batchSize), b, c)
			}
		}
	}

	return gradLogits
}

// AccumulateGrad adds a gradient to the tensor's gradient buffer.
// Used when a tensor contributes to the loss along multiple paths (the
// base stack runs twice per pair, the cross stack runs in both directions).
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
