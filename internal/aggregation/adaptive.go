package aggregation

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/theblitlabs/parity-federated/internal/models"
)

const (
	// varianceThreshold flips the adaptive strategy to byzantine-robust
	// aggregation when the variance of client update norms exceeds it.
	varianceThreshold = 10.0
	// similarityThreshold flips to personalized aggregation when the mean
	// pairwise cosine similarity across clients falls below it.
	similarityThreshold = 0.7
)

type AdaptiveDecision struct {
	Strategy    string    `json:"strategy"`
	ClientCount int       `json:"client_count"`
	Variance    float64   `json:"variance"`
	Similarity  float64   `json:"similarity"`
	Timestamp   time.Time `json:"timestamp"`
}

// AdaptiveAggregator inspects the update distribution each round and picks
// the sub-strategy that fits it: byzantine-robust under high norm variance,
// personalized under low client similarity, plain FedAvg otherwise.
type AdaptiveAggregator struct {
	fedavg       *FedAvgAggregator
	byzantine    *ByzantineRobustAggregator
	personalized *PersonalizedAggregator

	mu      sync.Mutex
	history []AdaptiveDecision
}

func NewAdaptiveAggregator(byzantineFraction float64) *AdaptiveAggregator {
	return &AdaptiveAggregator{
		fedavg:       NewFedAvgAggregator(),
		byzantine:    NewByzantineRobustAggregator(RobustMethodKrum, byzantineFraction),
		personalized: NewPersonalizedAggregator(PersonalizationFineTuning),
	}
}

func (a *AdaptiveAggregator) Aggregate(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	valid := a.ValidateUpdates(updates)
	if len(valid) == 0 {
		return nil, ErrNoValidUpdates
	}

	variance := normVariance(valid)
	similarity := meanCosineSimilarity(valid)

	var (
		strategy string
		chosen   Aggregator
	)
	switch {
	case variance > varianceThreshold:
		strategy, chosen = "byzantine_robust", a.byzantine
	case similarity < similarityThreshold:
		strategy, chosen = "personalized", a.personalized
	default:
		strategy, chosen = "fedavg", a.fedavg
	}

	log.Debug().
		Str("strategy", strategy).
		Float64("norm_variance", variance).
		Float64("mean_cosine_similarity", similarity).
		Int("client_count", len(valid)).
		Msg("Adaptive aggregation strategy selected")

	result, err := chosen.Aggregate(valid)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.history = append(a.history, AdaptiveDecision{
		Strategy:    strategy,
		ClientCount: len(valid),
		Variance:    variance,
		Similarity:  similarity,
		Timestamp:   time.Now(),
	})
	a.mu.Unlock()

	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	result.Metadata["adaptive_choice"] = strategy
	return result, nil
}

func (a *AdaptiveAggregator) ValidateUpdates(updates []*models.ModelUpdate) []*models.ModelUpdate {
	return a.fedavg.ValidateUpdates(updates)
}

// History returns a copy of the per-round strategy decisions.
func (a *AdaptiveAggregator) History() []AdaptiveDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AdaptiveDecision(nil), a.history...)
}

func normVariance(updates []*models.ModelUpdate) float64 {
	if len(updates) < 2 {
		return 0
	}
	norms := make([]float64, len(updates))
	var mean float64
	for i, u := range updates {
		norms[i] = u.Weights.L2Norm()
		mean += norms[i]
	}
	mean /= float64(len(norms))
	var variance float64
	for _, n := range norms {
		variance += (n - mean) * (n - mean)
	}
	return variance / float64(len(norms))
}

func meanCosineSimilarity(updates []*models.ModelUpdate) float64 {
	n := len(updates)
	if n < 2 {
		return 1
	}
	var sum float64
	var pairs int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += updates[i].Weights.CosineSimilarity(updates[j].Weights)
			pairs++
		}
	}
	return sum / float64(pairs)
}
