package strategies

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
)

// maxExactShapleyClients bounds exact coalition enumeration; beyond it the
// tracker switches to Monte Carlo permutation sampling.
const maxExactShapleyClients = 10

// CoalitionValue evaluates a coalition of clients, e.g. validation accuracy
// of a model aggregated from the subset.
type CoalitionValue func(coalition []string) float64

// ContributionTracker computes Shapley-value contribution scores and
// derives proportional rewards from the history.
type ContributionTracker struct {
	SampleSize int

	mu      sync.Mutex
	history map[string][]float64
	rng     *rand.Rand
}

func NewContributionTracker(sampleSize int, seed int64) *ContributionTracker {
	if sampleSize < 1 {
		sampleSize = 100
	}
	return &ContributionTracker{
		SampleSize: sampleSize,
		history:    make(map[string][]float64),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// ShapleyValues returns each client's Shapley value under the coalition
// value function. Exact enumeration is used for small federations; Monte
// Carlo permutation sampling otherwise.
func (t *ContributionTracker) ShapleyValues(clients []string, value CoalitionValue) (map[string]float64, error) {
	if len(clients) == 0 {
		return nil, errors.New("no clients to score")
	}
	if value == nil {
		return nil, errors.New("coalition value function is required")
	}

	var values map[string]float64
	if len(clients) <= maxExactShapleyClients {
		values = t.exactShapley(clients, value)
	} else {
		values = t.monteCarloShapley(clients, value)
	}

	t.mu.Lock()
	for id, v := range values {
		t.history[id] = append(t.history[id], v)
	}
	t.mu.Unlock()
	return values, nil
}

// exactShapley enumerates all coalitions not containing the client and
// averages the marginal contribution with the usual coalition weighting.
func (t *ContributionTracker) exactShapley(clients []string, value CoalitionValue) map[string]float64 {
	n := len(clients)
	values := make(map[string]float64, n)

	factorials := make([]float64, n+1)
	factorials[0] = 1
	for i := 1; i <= n; i++ {
		factorials[i] = factorials[i-1] * float64(i)
	}

	for idx, client := range clients {
		var shapley float64
		others := make([]string, 0, n-1)
		for j, c := range clients {
			if j != idx {
				others = append(others, c)
			}
		}

		for mask := 0; mask < 1<<len(others); mask++ {
			coalition := make([]string, 0, len(others))
			for b := 0; b < len(others); b++ {
				if mask&(1<<b) != 0 {
					coalition = append(coalition, others[b])
				}
			}
			s := len(coalition)
			weight := factorials[s] * factorials[n-s-1] / factorials[n]
			marginal := value(append(append([]string(nil), coalition...), client)) - value(coalition)
			shapley += weight * marginal
		}
		values[client] = shapley
	}
	return values
}

// monteCarloShapley samples SampleSize random permutations and averages
// each client's marginal contribution over its prefix coalition.
func (t *ContributionTracker) monteCarloShapley(clients []string, value CoalitionValue) map[string]float64 {
	t.mu.Lock()
	rng := t.rng
	t.mu.Unlock()

	sums := make(map[string]float64, len(clients))
	for s := 0; s < t.SampleSize; s++ {
		perm := rng.Perm(len(clients))
		prefix := make([]string, 0, len(clients))
		prev := value(nil)
		for _, idx := range perm {
			client := clients[idx]
			prefix = append(prefix, client)
			current := value(prefix)
			sums[client] += current - prev
			prev = current
		}
	}

	values := make(map[string]float64, len(clients))
	for _, client := range clients {
		values[client] = sums[client] / float64(t.SampleSize)
	}
	return values
}

// Rewards distributes a total reward proportionally to each client's mean
// historical marginal contribution. Clients with non-positive means share
// nothing.
func (t *ContributionTracker) Rewards(total float64) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	means := make(map[string]float64, len(t.history))
	var sum float64
	for id, vals := range t.history {
		if len(vals) == 0 {
			continue
		}
		var m float64
		for _, v := range vals {
			m += v
		}
		m /= float64(len(vals))
		if m > 0 {
			means[id] = m
			sum += m
		}
	}

	rewards := make(map[string]float64, len(means))
	if sum == 0 {
		return rewards
	}
	for id, m := range means {
		rewards[id] = total * m / sum
	}
	return rewards
}

// TopContributors returns the ids with the highest mean contribution, best
// first.
func (t *ContributionTracker) TopContributors(limit int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	type entry struct {
		id   string
		mean float64
	}
	entries := make([]entry, 0, len(t.history))
	for id, vals := range t.history {
		if len(vals) == 0 {
			continue
		}
		var m float64
		for _, v := range vals {
			m += v
		}
		entries = append(entries, entry{id, m / float64(len(vals))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mean > entries[j].mean })

	if limit > len(entries) {
		limit = len(entries)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = entries[i].id
	}
	return out
}
