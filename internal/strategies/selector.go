package strategies

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/theblitlabs/parity-federated/internal/models"
)

type SelectionPolicy string

const (
	SelectionOort     SelectionPolicy = "oort"
	SelectionAdaptive SelectionPolicy = "adaptive"
	SelectionFairness SelectionPolicy = "fairness"
)

// clientStats tracks per-client selection history for the selector.
type clientStats struct {
	selections  int
	lastUtility float64
	lastLoss    float64
	computeTime float64
}

// ClientSelector samples round participants from the eligible pool under a
// configurable policy.
type ClientSelector struct {
	Policy SelectionPolicy

	mu    sync.Mutex
	stats map[string]*clientStats
	rng   *rand.Rand
}

func NewClientSelector(policy SelectionPolicy, seed int64) *ClientSelector {
	return &ClientSelector{
		Policy: policy,
		stats:  make(map[string]*clientStats),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Select returns up to count clients from the candidates.
func (s *ClientSelector) Select(candidates []*models.ClientMetadata, count, round int) ([]*models.ClientMetadata, error) {
	if count <= 0 {
		return nil, errors.New("selection count must be positive")
	}
	if len(candidates) <= count {
		s.recordSelections(candidates)
		return append([]*models.ClientMetadata(nil), candidates...), nil
	}

	var selected []*models.ClientMetadata
	switch s.Policy {
	case SelectionOort:
		selected = s.selectOort(candidates, count)
	case SelectionAdaptive:
		selected = s.selectAdaptive(candidates, count, round)
	case SelectionFairness:
		selected = s.selectFairness(candidates, count)
	default:
		return nil, errors.New("unknown selection policy")
	}

	s.recordSelections(selected)
	return selected, nil
}

// RecordOutcome feeds training results back into the selector's utility
// estimates.
func (s *ClientSelector) RecordOutcome(clientID string, loss, computeTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(clientID)
	st.lastLoss = loss
	st.computeTime = computeTime
}

// selectOort scores utility = 0.5*statistical + 0.3*system + 0.2*exploration
// and takes the top-count clients by score.
func (s *ClientSelector) selectOort(candidates []*models.ClientMetadata, count int) []*models.ClientMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		client *models.ClientMetadata
		score  float64
	}
	scoredClients := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		st := s.statsFor(c.ClientID)

		// statistical utility from observed loss: higher loss means more to learn
		statistical := math.Min(st.lastLoss, 10) / 10
		// system utility penalizes slow clients
		system := 1.0 / (1.0 + st.computeTime)
		// exploration bonus for rarely selected clients
		exploration := 1.0 / (1.0 + float64(st.selections))

		score := 0.5*statistical + 0.3*system + 0.2*exploration
		st.lastUtility = score
		scoredClients = append(scoredClients, scored{c, score})
	}

	sort.Slice(scoredClients, func(i, j int) bool {
		return scoredClients[i].score > scoredClients[j].score
	})

	out := make([]*models.ClientMetadata, count)
	for i := 0; i < count; i++ {
		out[i] = scoredClients[i].client
	}
	return out
}

// selectAdaptive blends an exploration pool of under-sampled clients with
// an exploitation pool of historically best performers. The exploration
// fraction decays as max(0.1, 1 - round/100).
func (s *ClientSelector) selectAdaptive(candidates []*models.ClientMetadata, count, round int) []*models.ClientMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	exploreFraction := math.Max(0.1, 1-float64(round)/100)
	exploreCount := int(exploreFraction * float64(count))
	if exploreCount > count {
		exploreCount = count
	}

	bySelections := append([]*models.ClientMetadata(nil), candidates...)
	sort.Slice(bySelections, func(i, j int) bool {
		return s.statsFor(bySelections[i].ClientID).selections < s.statsFor(bySelections[j].ClientID).selections
	})

	chosen := make(map[string]bool)
	out := make([]*models.ClientMetadata, 0, count)
	for _, c := range bySelections[:exploreCount] {
		out = append(out, c)
		chosen[c.ClientID] = true
	}

	byPerformance := append([]*models.ClientMetadata(nil), candidates...)
	sort.Slice(byPerformance, func(i, j int) bool {
		return byPerformance[i].ContributionScore > byPerformance[j].ContributionScore
	})
	for _, c := range byPerformance {
		if len(out) >= count {
			break
		}
		if !chosen[c.ClientID] {
			out = append(out, c)
			chosen[c.ClientID] = true
		}
	}
	return out
}

// selectFairness samples without replacement with probability proportional
// to the inverse of each client's participation count.
func (s *ClientSelector) selectFairness(candidates []*models.ClientMetadata, count int) []*models.ClientMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := append([]*models.ClientMetadata(nil), candidates...)
	out := make([]*models.ClientMetadata, 0, count)

	for len(out) < count && len(pool) > 0 {
		weights := make([]float64, len(pool))
		var total float64
		for i, c := range pool {
			weights[i] = 1.0 / (1.0 + float64(s.statsFor(c.ClientID).selections))
			total += weights[i]
		}

		r := s.rng.Float64() * total
		idx := len(pool) - 1
		var cum float64
		for i, w := range weights {
			cum += w
			if r <= cum {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func (s *ClientSelector) recordSelections(selected []*models.ClientMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range selected {
		s.statsFor(c.ClientID).selections++
	}
}

func (s *ClientSelector) statsFor(clientID string) *clientStats {
	st, ok := s.stats[clientID]
	if !ok {
		st = &clientStats{lastLoss: 10} // unseen clients start with max statistical utility
		s.stats[clientID] = st
	}
	return st
}
