package aggregation

import (
	"errors"
	"fmt"

	"github.com/theblitlabs/parity-federated/internal/models"
)

var (
	ErrNoUpdates      = errors.New("no updates to aggregate")
	ErrNoValidUpdates = errors.New("no valid updates after filtering")
)

// Aggregator combines a set of client updates into a new global model.
// Implementations must not mutate the input updates.
type Aggregator interface {
	// Aggregate produces the round's aggregation result from the given
	// updates. It returns an error when the update set cannot be combined.
	Aggregate(updates []*models.ModelUpdate) (*models.AggregationResult, error)

	// ValidateUpdates filters the update set down to the structurally and
	// statistically acceptable subset.
	ValidateUpdates(updates []*models.ModelUpdate) []*models.ModelUpdate
}

// FedAvgAggregator implements federated averaging: a per-layer mean across
// clients, weighted by each client's sample count unless Weighted is false.
// Layers are unioned across clients; a client that did not report a layer
// simply does not contribute to that layer's average.
type FedAvgAggregator struct {
	Weighted bool
}

func NewFedAvgAggregator() *FedAvgAggregator {
	return &FedAvgAggregator{Weighted: true}
}

func (a *FedAvgAggregator) Aggregate(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	updates = a.ValidateUpdates(updates)
	if len(updates) == 0 {
		return nil, ErrNoValidUpdates
	}

	sums := make(models.Weights)
	layerWeight := make(map[string]float64)

	for _, update := range updates {
		w := 1.0
		if a.Weighted {
			w = float64(update.NumSamples)
		}
		for layer, vals := range update.Weights {
			if _, ok := sums[layer]; !ok {
				sums[layer] = make([]float64, len(vals))
			}
			dst := sums[layer]
			for i, v := range vals {
				if i < len(dst) {
					dst[i] += v * w
				}
			}
			layerWeight[layer] += w
		}
	}

	for layer, vals := range sums {
		total := layerWeight[layer]
		if total == 0 {
			return nil, fmt.Errorf("layer %q has zero total weight", layer)
		}
		for i := range vals {
			vals[i] /= total
		}
	}

	return &models.AggregationResult{
		GlobalWeights: sums,
		Metadata: map[string]interface{}{
			"strategy":     "fedavg",
			"weighted":     a.Weighted,
			"client_count": len(updates),
		},
	}, nil
}

// ValidateUpdates drops updates with missing weights or NaN/Inf values.
func (a *FedAvgAggregator) ValidateUpdates(updates []*models.ModelUpdate) []*models.ModelUpdate {
	valid := make([]*models.ModelUpdate, 0, len(updates))
	for _, update := range updates {
		if len(update.Weights) == 0 || update.Weights.HasInvalidValues() {
			continue
		}
		valid = append(valid, update)
	}
	return valid
}
