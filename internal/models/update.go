package models

import (
	"errors"
	"math"
	"sort"
	"time"
)

// Weights is a layer-name to flattened-tensor mapping. Two-dimensional
// layers carry their shape separately (see ModelUpdate.Shapes) so that
// shape-aware codecs can reconstruct matrices.
type Weights map[string][]float64

// ModelUpdate is a client's contribution for a single round.
type ModelUpdate struct {
	ClientID        string             `json:"client_id"`
	RoundNumber     int                `json:"round_number"`
	Weights         Weights            `json:"weights"`
	Shapes          map[string][2]int  `json:"shapes,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	NumSamples      int                `json:"num_samples"`
	ComputationTime time.Duration      `json:"computation_time"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Validate checks structural soundness of the update. It does not perform
// statistical (byzantine) screening; that belongs to the aggregators.
func (u *ModelUpdate) Validate() error {
	if u.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(u.Weights) == 0 {
		return errors.New("update carries no weights")
	}
	if u.NumSamples <= 0 {
		return errors.New("num_samples must be positive")
	}
	if u.Weights.HasInvalidValues() {
		return errors.New("weights contain NaN or Inf values")
	}
	return nil
}

// AggregationResult is the output of any aggregation strategy.
type AggregationResult struct {
	GlobalWeights   Weights                `json:"global_weights"`
	ClientWeights   map[string]Weights     `json:"client_weights,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ExcludedClients []string               `json:"excluded_clients,omitempty"`
}

// Clone returns a deep copy of the weights.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for layer, vals := range w {
		cp := make([]float64, len(vals))
		copy(cp, vals)
		out[layer] = cp
	}
	return out
}

// HasInvalidValues reports whether any coordinate is NaN or infinite.
func (w Weights) HasInvalidValues() bool {
	for _, vals := range w {
		for _, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// Flatten concatenates all layers into a single vector, following the
// deterministic order from SortedLayers.
func (w Weights) Flatten() []float64 {
	var out []float64
	for _, layer := range w.SortedLayers() {
		out = append(out, w[layer]...)
	}
	return out
}

// SortedLayers returns layer names in deterministic order.
func (w Weights) SortedLayers() []string {
	layers := make([]string, 0, len(w))
	for layer := range w {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	return layers
}

// L2Norm returns the global euclidean norm over all layers.
func (w Weights) L2Norm() float64 {
	var sum float64
	for _, vals := range w {
		for _, v := range vals {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// Distance returns the euclidean distance to another weight set over the
// union of layers; layers missing on one side contribute their full norm.
func (w Weights) Distance(other Weights) float64 {
	var sum float64
	seen := make(map[string]bool, len(w))
	for layer, vals := range w {
		seen[layer] = true
		ovals := other[layer]
		n := len(vals)
		if len(ovals) > n {
			n = len(ovals)
		}
		for i := 0; i < n; i++ {
			var a, b float64
			if i < len(vals) {
				a = vals[i]
			}
			if i < len(ovals) {
				b = ovals[i]
			}
			d := a - b
			sum += d * d
		}
	}
	for layer, ovals := range other {
		if seen[layer] {
			continue
		}
		for _, v := range ovals {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// CosineSimilarity compares two weight sets over their shared layers.
// Returns 1 when either side has zero magnitude.
func (w Weights) CosineSimilarity(other Weights) float64 {
	var dot, na, nb float64
	for layer, vals := range w {
		ovals, ok := other[layer]
		if !ok {
			continue
		}
		n := len(vals)
		if len(ovals) < n {
			n = len(ovals)
		}
		for i := 0; i < n; i++ {
			dot += vals[i] * ovals[i]
			na += vals[i] * vals[i]
			nb += ovals[i] * ovals[i]
		}
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

