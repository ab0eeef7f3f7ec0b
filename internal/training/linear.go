package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/theblitlabs/parity-federated/internal/models"
)

const (
	linearWeightLayer = "linear/weight"
	linearBiasLayer   = "linear/bias"
)

// LinearTrainer fits a linear regression with mini-batch SGD.
type LinearTrainer struct {
	inputSize int
	weight    []float64
	bias      float64
	rng       *rand.Rand
}

func NewLinearTrainer(inputSize int) *LinearTrainer {
	t := &LinearTrainer{
		inputSize: inputSize,
		weight:    make([]float64, inputSize),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
	scale := math.Sqrt(2.0 / float64(inputSize+1))
	for i := range t.weight {
		t.weight[i] = t.rng.NormFloat64() * scale
	}
	return t
}

func (t *LinearTrainer) SetWeights(weights models.Weights) error {
	if len(weights) == 0 {
		return nil
	}
	w, ok := weights[linearWeightLayer]
	if !ok || len(w) != t.inputSize {
		return fmt.Errorf("global weights do not fit a %d-feature linear model", t.inputSize)
	}
	copy(t.weight, w)
	if b, ok := weights[linearBiasLayer]; ok && len(b) == 1 {
		t.bias = b[0]
	}
	return nil
}

func (t *LinearTrainer) Train(ctx context.Context, features [][]float64, labels []float64, opts Options) (*Result, error) {
	if len(features) == 0 || len(features) != len(labels) {
		return nil, fmt.Errorf("training data has %d feature rows for %d labels", len(features), len(labels))
	}
	if len(features[0]) != t.inputSize {
		return nil, fmt.Errorf("feature size mismatch: expected %d, got %d", t.inputSize, len(features[0]))
	}

	n := len(features)
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}

	lastLoss := 0.0
	grad := make([]float64, t.inputSize)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		indices := t.rng.Perm(n)
		epochLoss := 0.0

		for start := 0; start < n; start += batchSize {
			end := start + batchSize
			if end > n {
				end = n
			}

			for i := range grad {
				grad[i] = 0
			}
			biasGrad := 0.0
			batchLoss := 0.0

			for _, idx := range indices[start:end] {
				pred := floats.Dot(t.weight, features[idx]) + t.bias
				diff := pred - labels[idx]
				batchLoss += 0.5 * diff * diff
				biasGrad += diff
				floats.AddScaled(grad, diff, features[idx])
			}

			size := float64(end - start)
			floats.AddScaled(t.weight, -opts.LearningRate/size, grad)
			t.bias -= opts.LearningRate * biasGrad / size
			epochLoss += batchLoss / size
		}

		lastLoss = epochLoss / math.Ceil(float64(n)/float64(batchSize))
	}

	return &Result{
		Weights: models.Weights{
			linearWeightLayer: append([]float64(nil), t.weight...),
			linearBiasLayer:   {t.bias},
		},
		Shapes: map[string][2]int{
			linearWeightLayer: {1, t.inputSize},
			linearBiasLayer:   {1, 1},
		},
		Loss:     lastLoss,
		Accuracy: t.rSquared(features, labels),
		Samples:  n,
	}, nil
}

// rSquared reports the coefficient of determination, floored at zero.
func (t *LinearTrainer) rSquared(features [][]float64, labels []float64) float64 {
	mean := floats.Sum(labels) / float64(len(labels))

	totalSS := 0.0
	residualSS := 0.0
	for i, row := range features {
		pred := floats.Dot(t.weight, row) + t.bias
		residualSS += (labels[i] - pred) * (labels[i] - pred)
		totalSS += (labels[i] - mean) * (labels[i] - mean)
	}
	if totalSS == 0 {
		return 0
	}
	return math.Max(0, 1-residualSS/totalSS)
}
