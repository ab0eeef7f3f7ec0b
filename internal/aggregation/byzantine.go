package aggregation

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/theblitlabs/parity-federated/internal/models"
)

type RobustMethod string

const (
	RobustMethodKrum        RobustMethod = "krum"
	RobustMethodMedian      RobustMethod = "median"
	RobustMethodTrimmedMean RobustMethod = "trimmed_mean"
	RobustMethodBulyan      RobustMethod = "bulyan"
)

// ByzantineRobustAggregator tolerates a bounded fraction of adversarial
// clients by combining updates with outlier-resistant rules.
type ByzantineRobustAggregator struct {
	Method            RobustMethod
	ByzantineFraction float64
}

func NewByzantineRobustAggregator(method RobustMethod, byzantineFraction float64) *ByzantineRobustAggregator {
	return &ByzantineRobustAggregator{
		Method:            method,
		ByzantineFraction: byzantineFraction,
	}
}

func (a *ByzantineRobustAggregator) Aggregate(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	valid := a.ValidateUpdates(updates)
	if len(valid) == 0 {
		return nil, ErrNoValidUpdates
	}

	excluded := excludedIDs(updates, valid)

	var (
		global models.Weights
		err    error
	)
	switch a.Method {
	case RobustMethodKrum:
		global, err = a.krum(valid)
	case RobustMethodMedian:
		global = coordinateMedian(valid)
	case RobustMethodTrimmedMean:
		global = trimmedMean(valid, a.ByzantineFraction)
	case RobustMethodBulyan:
		global, err = a.bulyan(valid)
	default:
		return nil, fmt.Errorf("unknown robust aggregation method %q", a.Method)
	}
	if err != nil {
		return nil, err
	}

	return &models.AggregationResult{
		GlobalWeights:   global,
		ExcludedClients: excluded,
		Metadata: map[string]interface{}{
			"strategy":           "byzantine_robust",
			"method":             string(a.Method),
			"byzantine_fraction": a.ByzantineFraction,
			"client_count":       len(valid),
		},
	}, nil
}

// ValidateUpdates first drops structurally invalid updates, then removes
// statistical outliers by median-absolute-deviation thresholding on each
// client's average pairwise distance. MAD screening only runs when more
// than three valid updates remain, otherwise it would dominate the set.
func (a *ByzantineRobustAggregator) ValidateUpdates(updates []*models.ModelUpdate) []*models.ModelUpdate {
	valid := make([]*models.ModelUpdate, 0, len(updates))
	for _, update := range updates {
		if len(update.Weights) == 0 || update.Weights.HasInvalidValues() {
			continue
		}
		valid = append(valid, update)
	}
	if len(valid) <= 3 {
		return valid
	}

	avgDist := averagePairwiseDistances(valid)
	med := median(append([]float64(nil), avgDist...))

	deviations := make([]float64, len(avgDist))
	for i, d := range avgDist {
		deviations[i] = math.Abs(d - med)
	}
	mad := median(append([]float64(nil), deviations...))
	threshold := med + 3*mad

	filtered := make([]*models.ModelUpdate, 0, len(valid))
	for i, update := range valid {
		if mad > 0 && avgDist[i] > threshold {
			log.Debug().
				Str("client_id", update.ClientID).
				Float64("avg_distance", avgDist[i]).
				Float64("threshold", threshold).
				Msg("Dropping statistical outlier update")
			continue
		}
		filtered = append(filtered, update)
	}
	if len(filtered) == 0 {
		return valid
	}
	return filtered
}

// krum selects the single client whose summed distance to its m nearest
// neighbours is smallest, where m = n - f - 2. That client's weights become
// the new global model. Falls back to coordinate-wise median when m <= 0.
func (a *ByzantineRobustAggregator) krum(updates []*models.ModelUpdate) (models.Weights, error) {
	idx, err := a.krumIndex(updates)
	if err != nil {
		return coordinateMedian(updates), nil
	}
	return updates[idx].Weights.Clone(), nil
}

func (a *ByzantineRobustAggregator) krumIndex(updates []*models.ModelUpdate) (int, error) {
	n := len(updates)
	f := int(a.ByzantineFraction * float64(n))
	m := n - f - 2
	if m <= 0 {
		return 0, fmt.Errorf("krum needs n - f - 2 > 0, got n=%d f=%d", n, f)
	}

	dist := pairwiseDistances(updates)
	bestIdx, bestScore := 0, math.Inf(1)
	for i := 0; i < n; i++ {
		neighbours := make([]float64, 0, n-1)
		for j := 0; j < n; j++ {
			if i != j {
				neighbours = append(neighbours, dist[i][j])
			}
		}
		sort.Float64s(neighbours)
		var score float64
		for k := 0; k < m && k < len(neighbours); k++ {
			score += neighbours[k]
		}
		if score < bestScore {
			bestScore, bestIdx = score, i
		}
	}
	return bestIdx, nil
}

// bulyan shrinks the candidate set to theta = n - 2f survivors by repeated
// krum selection, then applies a trimmed mean over the survivors.
func (a *ByzantineRobustAggregator) bulyan(updates []*models.ModelUpdate) (models.Weights, error) {
	n := len(updates)
	f := int(a.ByzantineFraction * float64(n))
	theta := n - 2*f
	if theta <= 0 {
		return coordinateMedian(updates), nil
	}

	remaining := append([]*models.ModelUpdate(nil), updates...)
	survivors := make([]*models.ModelUpdate, 0, theta)
	for len(survivors) < theta && len(remaining) > 0 {
		idx, err := a.krumIndex(remaining)
		if err != nil {
			// too few candidates left for krum; take the rest as-is
			survivors = append(survivors, remaining...)
			break
		}
		survivors = append(survivors, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	if len(survivors) > theta {
		survivors = survivors[:theta]
	}
	return trimmedMean(survivors, a.ByzantineFraction), nil
}

// coordinateMedian computes the per-coordinate median across clients for
// every layer reported by at least one client.
func coordinateMedian(updates []*models.ModelUpdate) models.Weights {
	out := make(models.Weights)
	for _, layer := range unionLayers(updates) {
		length := 0
		for _, u := range updates {
			if vals, ok := u.Weights[layer]; ok && len(vals) > length {
				length = len(vals)
			}
		}
		medians := make([]float64, length)
		column := make([]float64, 0, len(updates))
		for i := 0; i < length; i++ {
			column = column[:0]
			for _, u := range updates {
				if vals, ok := u.Weights[layer]; ok && i < len(vals) {
					column = append(column, vals[i])
				}
			}
			medians[i] = median(append([]float64(nil), column...))
		}
		out[layer] = medians
	}
	return out
}

// trimmedMean averages each coordinate after discarding the trim fraction
// from both tails.
func trimmedMean(updates []*models.ModelUpdate, trimFraction float64) models.Weights {
	out := make(models.Weights)
	for _, layer := range unionLayers(updates) {
		length := 0
		for _, u := range updates {
			if vals, ok := u.Weights[layer]; ok && len(vals) > length {
				length = len(vals)
			}
		}
		result := make([]float64, length)
		column := make([]float64, 0, len(updates))
		for i := 0; i < length; i++ {
			column = column[:0]
			for _, u := range updates {
				if vals, ok := u.Weights[layer]; ok && i < len(vals) {
					column = append(column, vals[i])
				}
			}
			sort.Float64s(column)
			trim := int(trimFraction * float64(len(column)))
			kept := column
			if 2*trim < len(column) {
				kept = column[trim : len(column)-trim]
			}
			var sum float64
			for _, v := range kept {
				sum += v
			}
			if len(kept) > 0 {
				result[i] = sum / float64(len(kept))
			}
		}
		out[layer] = result
	}
	return out
}

// FilterOutliers drops updates whose average pairwise distance to the rest
// exceeds twice the 75th percentile of that statistic across the set. It is
// a coarse pre-screen applied before aggregation, independent of the robust
// method's own validation.
func FilterOutliers(updates []*models.ModelUpdate) ([]*models.ModelUpdate, []string) {
	if len(updates) < 3 {
		return updates, nil
	}
	avgDist := averagePairwiseDistances(updates)
	threshold := 2 * percentile(append([]float64(nil), avgDist...), 0.75)
	if threshold <= 0 {
		return updates, nil
	}

	kept := make([]*models.ModelUpdate, 0, len(updates))
	var excluded []string
	for i, update := range updates {
		if avgDist[i] > threshold {
			log.Debug().
				Str("client_id", update.ClientID).
				Float64("avg_distance", avgDist[i]).
				Float64("threshold", threshold).
				Msg("Pre-screen dropped outlier update")
			excluded = append(excluded, update.ClientID)
			continue
		}
		kept = append(kept, update)
	}
	return kept, excluded
}

func pairwiseDistances(updates []*models.ModelUpdate) [][]float64 {
	n := len(updates)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := updates[i].Weights.Distance(updates[j].Weights)
			dist[i][j], dist[j][i] = d, d
		}
	}
	return dist
}

func averagePairwiseDistances(updates []*models.ModelUpdate) []float64 {
	n := len(updates)
	dist := pairwiseDistances(updates)
	avg := make([]float64, n)
	if n < 2 {
		return avg
	}
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			if i != j {
				sum += dist[i][j]
			}
		}
		avg[i] = sum / float64(n-1)
	}
	return avg
}

// percentile mutates its argument by sorting it.
func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	idx := int(p * float64(len(vals)-1))
	return vals[idx]
}

// median mutates its argument by sorting it.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

func unionLayers(updates []*models.ModelUpdate) []string {
	seen := make(map[string]bool)
	var layers []string
	for _, u := range updates {
		for layer := range u.Weights {
			if !seen[layer] {
				seen[layer] = true
				layers = append(layers, layer)
			}
		}
	}
	sort.Strings(layers)
	return layers
}

func excludedIDs(all, kept []*models.ModelUpdate) []string {
	keptSet := make(map[string]bool, len(kept))
	for _, u := range kept {
		keptSet[u.ClientID] = true
	}
	var excluded []string
	for _, u := range all {
		if !keptSet[u.ClientID] {
			excluded = append(excluded, u.ClientID)
		}
	}
	return excluded
}
