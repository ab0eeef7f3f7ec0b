package training

import (
	"context"
	"fmt"

	"github.com/theblitlabs/parity-federated/internal/models"
)

// Result is what a local training pass hands back to the client loop.
type Result struct {
	Weights  models.Weights
	Shapes   map[string][2]int
	Loss     float64
	Accuracy float64
	Samples  int
}

// Options control one local training pass.
type Options struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
}

// Trainer is a local model that can start from global weights, fit on
// the client's partition, and report its new weights.
type Trainer interface {
	// SetWeights overwrites the model with global weights. A nil or
	// empty map leaves the local initialization in place.
	SetWeights(weights models.Weights) error

	// Train fits the model and returns the updated weights.
	Train(ctx context.Context, features [][]float64, labels []float64, opts Options) (*Result, error)
}

// NewTrainer builds a trainer for the given model type.
func NewTrainer(modelType string, inputSize int) (Trainer, error) {
	switch modelType {
	case "linear_regression":
		return NewLinearTrainer(inputSize), nil
	case "neural_network":
		return NewMLPTrainer(inputSize, 2*inputSize), nil
	default:
		return nil, fmt.Errorf("unsupported model type: %s", modelType)
	}
}
