package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/theblitlabs/parity-federated/internal/models"
)

const (
	hiddenWeightLayer = "hidden/weight"
	hiddenBiasLayer   = "hidden/bias"
	outputWeightLayer = "output/weight"
	outputBiasLayer   = "output/bias"
)

// MLPTrainer is a one-hidden-layer sigmoid network for binary
// classification, trained with backpropagation.
type MLPTrainer struct {
	inputSize  int
	hiddenSize int

	hiddenWeight []float64 // hiddenSize x inputSize, row-major
	hiddenBias   []float64
	outputWeight []float64 // 1 x hiddenSize
	outputBias   float64

	rng *rand.Rand
}

func NewMLPTrainer(inputSize, hiddenSize int) *MLPTrainer {
	t := &MLPTrainer{
		inputSize:    inputSize,
		hiddenSize:   hiddenSize,
		hiddenWeight: make([]float64, hiddenSize*inputSize),
		hiddenBias:   make([]float64, hiddenSize),
		outputWeight: make([]float64, hiddenSize),
		rng:          rand.New(rand.NewSource(rand.Int63())),
	}

	hiddenScale := math.Sqrt(2.0 / float64(inputSize))
	for i := range t.hiddenWeight {
		t.hiddenWeight[i] = t.rng.NormFloat64() * hiddenScale
	}
	outputScale := math.Sqrt(2.0 / float64(hiddenSize))
	for i := range t.outputWeight {
		t.outputWeight[i] = t.rng.NormFloat64() * outputScale
	}
	return t
}

func (t *MLPTrainer) SetWeights(weights models.Weights) error {
	if len(weights) == 0 {
		return nil
	}
	hw, ok := weights[hiddenWeightLayer]
	if !ok || len(hw) != len(t.hiddenWeight) {
		return fmt.Errorf("global weights do not fit a %dx%d network", t.inputSize, t.hiddenSize)
	}
	copy(t.hiddenWeight, hw)
	if hb, ok := weights[hiddenBiasLayer]; ok && len(hb) == t.hiddenSize {
		copy(t.hiddenBias, hb)
	}
	if ow, ok := weights[outputWeightLayer]; ok && len(ow) == t.hiddenSize {
		copy(t.outputWeight, ow)
	}
	if ob, ok := weights[outputBiasLayer]; ok && len(ob) == 1 {
		t.outputBias = ob[0]
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// forward returns the hidden activations and the output probability.
func (t *MLPTrainer) forward(input []float64) ([]float64, float64) {
	hidden := make([]float64, t.hiddenSize)
	for h := 0; h < t.hiddenSize; h++ {
		sum := t.hiddenBias[h]
		row := t.hiddenWeight[h*t.inputSize : (h+1)*t.inputSize]
		for i, v := range input {
			sum += row[i] * v
		}
		hidden[h] = sigmoid(sum)
	}

	out := t.outputBias
	for h, v := range hidden {
		out += t.outputWeight[h] * v
	}
	return hidden, sigmoid(out)
}

func (t *MLPTrainer) Train(ctx context.Context, features [][]float64, labels []float64, opts Options) (*Result, error) {
	if len(features) == 0 || len(features) != len(labels) {
		return nil, fmt.Errorf("training data has %d feature rows for %d labels", len(features), len(labels))
	}
	if len(features[0]) != t.inputSize {
		return nil, fmt.Errorf("feature size mismatch: expected %d, got %d", t.inputSize, len(features[0]))
	}

	n := len(features)
	lastLoss := 0.0

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		epochLoss := 0.0
		for _, idx := range t.rng.Perm(n) {
			input := features[idx]
			label := labels[idx]

			hidden, pred := t.forward(input)

			// Binary cross-entropy with a sigmoid output reduces to
			// delta = pred - label at the output.
			epochLoss += -label*math.Log(pred+1e-12) - (1-label)*math.Log(1-pred+1e-12)
			outDelta := pred - label

			for h := 0; h < t.hiddenSize; h++ {
				hiddenDelta := outDelta * t.outputWeight[h] * hidden[h] * (1 - hidden[h])
				t.outputWeight[h] -= opts.LearningRate * outDelta * hidden[h]

				row := t.hiddenWeight[h*t.inputSize : (h+1)*t.inputSize]
				for i, v := range input {
					row[i] -= opts.LearningRate * hiddenDelta * v
				}
				t.hiddenBias[h] -= opts.LearningRate * hiddenDelta
			}
			t.outputBias -= opts.LearningRate * outDelta
		}
		lastLoss = epochLoss / float64(n)
	}

	correct := 0
	for i, row := range features {
		_, pred := t.forward(row)
		if (pred >= 0.5) == (labels[i] >= 0.5) {
			correct++
		}
	}

	return &Result{
		Weights: models.Weights{
			hiddenWeightLayer: append([]float64(nil), t.hiddenWeight...),
			hiddenBiasLayer:   append([]float64(nil), t.hiddenBias...),
			outputWeightLayer: append([]float64(nil), t.outputWeight...),
			outputBiasLayer:   {t.outputBias},
		},
		Shapes: map[string][2]int{
			hiddenWeightLayer: {t.hiddenSize, t.inputSize},
			hiddenBiasLayer:   {1, t.hiddenSize},
			outputWeightLayer: {1, t.hiddenSize},
			outputBiasLayer:   {1, 1},
		},
		Loss:     lastLoss,
		Accuracy: float64(correct) / float64(n),
		Samples:  n,
	}, nil
}
