package privacy

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/theblitlabs/parity-federated/internal/models"
)

type NoiseMechanism string

const (
	MechanismGaussian NoiseMechanism = "gaussian"
	MechanismLaplace  NoiseMechanism = "laplace"
)

// SpendingRecord is one entry of the privacy spending log.
type SpendingRecord struct {
	Epsilon   float64   `json:"epsilon"`
	Delta     float64   `json:"delta"`
	Mechanism string    `json:"mechanism"`
	Timestamp time.Time `json:"timestamp"`
}

// DifferentialPrivacy adds calibrated noise to aggregated weights and
// tracks cumulative spending. The spending rule here follows the simple
// sampling_rate/noise_scale approximation rather than a moments accountant;
// PrivacyAccountant holds the composition logic.
type DifferentialPrivacy struct {
	Epsilon      float64
	Delta        float64
	Sensitivity  float64
	SamplingRate float64
	MaxGradNorm  float64

	mu           sync.Mutex
	spentEpsilon float64
	spentDelta   float64
	history      []SpendingRecord
	rng          *rand.Rand
}

func NewDifferentialPrivacy(epsilon, delta float64) *DifferentialPrivacy {
	return &DifferentialPrivacy{
		Epsilon:      epsilon,
		Delta:        delta,
		Sensitivity:  1.0,
		SamplingRate: 1.0,
		MaxGradNorm:  1.0,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GaussianNoiseScale returns sigma for the Gaussian mechanism:
// sqrt(2*ln(1.25/delta)) * sensitivity / (epsilon * sampling_rate).
func (dp *DifferentialPrivacy) GaussianNoiseScale() float64 {
	if dp.Epsilon <= 0 || dp.Delta <= 0 {
		return 0
	}
	return math.Sqrt(2*math.Log(1.25/dp.Delta)) * dp.Sensitivity / (dp.Epsilon * dp.SamplingRate)
}

// LaplaceNoiseScale returns b for the Laplace mechanism: sensitivity/epsilon.
func (dp *DifferentialPrivacy) LaplaceNoiseScale() float64 {
	if dp.Epsilon <= 0 {
		return 0
	}
	return dp.Sensitivity / dp.Epsilon
}

// AddNoise perturbs every coordinate of the weights in place-safe fashion
// (a noisy copy is returned) and logs the spending.
func (dp *DifferentialPrivacy) AddNoise(weights models.Weights, mechanism NoiseMechanism) (models.Weights, error) {
	var scale float64
	switch mechanism {
	case MechanismGaussian:
		scale = dp.GaussianNoiseScale()
	case MechanismLaplace:
		scale = dp.LaplaceNoiseScale()
	default:
		return nil, errors.New("unknown noise mechanism")
	}
	if scale == 0 {
		return weights.Clone(), nil
	}

	noisy := make(models.Weights, len(weights))
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for layer, vals := range weights {
		out := make([]float64, len(vals))
		for i, v := range vals {
			switch mechanism {
			case MechanismGaussian:
				out[i] = v + dp.rng.NormFloat64()*scale
			case MechanismLaplace:
				out[i] = v + sampleLaplace(dp.rng, scale)
			}
		}
		noisy[layer] = out
	}

	dp.logSpendingLocked(mechanism, scale)
	return noisy, nil
}

// ClipGradients rescales the full weight dict by a single global ratio when
// its L2 norm exceeds MaxGradNorm.
func (dp *DifferentialPrivacy) ClipGradients(gradients models.Weights) models.Weights {
	norm := gradients.L2Norm()
	if norm <= dp.MaxGradNorm || norm == 0 {
		return gradients.Clone()
	}
	ratio := dp.MaxGradNorm / norm
	clipped := make(models.Weights, len(gradients))
	for layer, vals := range gradients {
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = v * ratio
		}
		clipped[layer] = out
	}
	return clipped
}

func (dp *DifferentialPrivacy) logSpendingLocked(mechanism NoiseMechanism, scale float64) {
	spent := dp.SamplingRate / scale
	dp.spentEpsilon += spent
	dp.spentDelta += dp.Delta
	dp.history = append(dp.history, SpendingRecord{
		Epsilon:   spent,
		Delta:     dp.Delta,
		Mechanism: string(mechanism),
		Timestamp: time.Now(),
	})

	log.Debug().
		Float64("spent_epsilon", dp.spentEpsilon).
		Float64("round_epsilon", spent).
		Str("mechanism", string(mechanism)).
		Msg("Recorded privacy spending")
}

// GetPrivacySpent returns cumulative (epsilon, delta) spending.
func (dp *DifferentialPrivacy) GetPrivacySpent() (float64, float64) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.spentEpsilon, dp.spentDelta
}

// History returns a copy of the spending log.
func (dp *DifferentialPrivacy) History() []SpendingRecord {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return append([]SpendingRecord(nil), dp.history...)
}

func sampleLaplace(rng *rand.Rand, scale float64) float64 {
	u := rng.Float64() - 0.5
	if u < 0 {
		return scale * math.Log(1+2*u)
	}
	return -scale * math.Log(1-2*u)
}
