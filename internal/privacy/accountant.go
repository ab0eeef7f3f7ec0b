package privacy

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RoundSpending is the accountant's record for one training round.
type RoundSpending struct {
	Round     int       `json:"round"`
	Epsilon   float64   `json:"epsilon"`
	Delta     float64   `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// PrivacyAccountant allocates per-round privacy budget and tracks
// cumulative spending. Invariant: spent epsilon is non-decreasing and the
// accountant reports exhaustion once spent >= total.
type PrivacyAccountant struct {
	TotalEpsilon float64
	TotalDelta   float64
	TotalRounds  int

	mu           sync.Mutex
	spentEpsilon float64
	spentDelta   float64
	history      []RoundSpending
}

func NewPrivacyAccountant(totalEpsilon, totalDelta float64, totalRounds int) *PrivacyAccountant {
	return &PrivacyAccountant{
		TotalEpsilon: totalEpsilon,
		TotalDelta:   totalDelta,
		TotalRounds:  totalRounds,
	}
}

// AllocateRoundEpsilon returns the epsilon granted for the given round:
// min(1.2 x uniform baseline, remaining budget spread over remaining
// rounds' worth of budget), i.e. up to 20% early overspend bounded by what
// remains. Returns 0 once the budget is exhausted.
func (a *PrivacyAccountant) AllocateRoundEpsilon(round int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := a.TotalEpsilon - a.spentEpsilon
	if remaining <= 0 {
		return 0
	}

	remainingRounds := a.TotalRounds - round
	if remainingRounds < 1 {
		remainingRounds = 1
	}

	baseline := a.TotalEpsilon / float64(a.TotalRounds)
	allocated := math.Min(1.2*baseline, remaining/float64(remainingRounds))
	if allocated > remaining {
		allocated = remaining
	}
	return allocated
}

// NoiseMultiplierFor returns the Gaussian-mechanism noise multiplier for
// the allocated epsilon and the accountant's delta.
func (a *PrivacyAccountant) NoiseMultiplierFor(epsilon float64) float64 {
	if epsilon <= 0 || a.TotalDelta <= 0 {
		return 0
	}
	return math.Sqrt(2*math.Log(1.25/a.TotalDelta)) / epsilon
}

// LogSpending records the spending for a round. Negative spending is
// ignored so the spent totals stay monotone.
func (a *PrivacyAccountant) LogSpending(round int, epsilon, delta float64) {
	if epsilon < 0 || delta < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.spentEpsilon += epsilon
	a.spentDelta += delta
	a.history = append(a.history, RoundSpending{
		Round:     round,
		Epsilon:   epsilon,
		Delta:     delta,
		Timestamp: time.Now(),
	})

	if a.spentEpsilon >= a.TotalEpsilon {
		log.Warn().
			Float64("spent_epsilon", a.spentEpsilon).
			Float64("total_epsilon", a.TotalEpsilon).
			Int("round", round).
			Msg("Privacy budget exhausted")
	}
}

// CheckBudget reports whether budget remains.
func (a *PrivacyAccountant) CheckBudget() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spentEpsilon < a.TotalEpsilon
}

// Spent returns cumulative (epsilon, delta).
func (a *PrivacyAccountant) Spent() (float64, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spentEpsilon, a.spentDelta
}

// ComposedEpsilon returns the advanced-composition view of the history:
// sqrt of the sum of squared per-round epsilons. Delta composes linearly.
func (a *PrivacyAccountant) ComposedEpsilon() (float64, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sumSquares, sumDelta float64
	for _, r := range a.history {
		sumSquares += r.Epsilon * r.Epsilon
		sumDelta += r.Delta
	}
	return math.Sqrt(sumSquares), sumDelta
}

// RenyiEpsilon converts the spending history into a simplified Renyi-DP
// epsilon at the given order. Illustrative only; a moments accountant would
// replace this for production guarantees.
func (a *PrivacyAccountant) RenyiEpsilon(order float64) float64 {
	if order <= 1 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var total float64
	for _, r := range a.history {
		total += order * r.Epsilon * r.Epsilon / 2
	}
	return total + math.Log(1/a.TotalDelta)/(order-1)
}

// History returns a copy of the per-round spending records.
func (a *PrivacyAccountant) History() []RoundSpending {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RoundSpending(nil), a.history...)
}
