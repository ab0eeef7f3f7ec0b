package privacy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/theblitlabs/parity-federated/internal/models"
)

// scaleFactor preserves six decimal places when lifting floats into the
// integer field used for secret sharing.
const scaleFactor = 1e6

var (
	ErrInsufficientShares = errors.New("not enough shares to reconstruct secret")
)

// Share is one additive share of a secret vector.
type Share struct {
	Index  int
	Values []*big.Int
}

// SecureMultipartyComputation implements additive secret sharing over a
// prime field: n-1 uniformly random shares plus one balancing share so the
// shares sum to the secret.
type SecureMultipartyComputation struct {
	NumParties int
	Threshold  int
	prime      *big.Int
}

func NewSecureMultipartyComputation(numParties, threshold int) (*SecureMultipartyComputation, error) {
	if numParties < 2 {
		return nil, errors.New("secret sharing needs at least two parties")
	}
	if threshold < 1 || threshold > numParties {
		return nil, fmt.Errorf("threshold must be in [1, %d]", numParties)
	}
	prime, err := rand.Prime(rand.Reader, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate field prime: %w", err)
	}
	return &SecureMultipartyComputation{
		NumParties: numParties,
		Threshold:  threshold,
		prime:      prime,
	}, nil
}

// ShareSecret splits a float vector into NumParties additive shares.
// Reconstruction requires every share for an additive scheme; Threshold is
// enforced as the minimum the caller must present.
func (smc *SecureMultipartyComputation) ShareSecret(secret []float64) ([]Share, error) {
	if len(secret) == 0 {
		return nil, errors.New("cannot share an empty secret")
	}

	scaled := make([]*big.Int, len(secret))
	for i, v := range secret {
		scaled[i] = liftToField(v, smc.prime)
	}

	shares := make([]Share, smc.NumParties)
	for p := 0; p < smc.NumParties; p++ {
		shares[p] = Share{Index: p + 1, Values: make([]*big.Int, len(secret))}
	}

	for i := range secret {
		running := new(big.Int)
		for p := 0; p < smc.NumParties-1; p++ {
			r, err := rand.Int(rand.Reader, smc.prime)
			if err != nil {
				return nil, fmt.Errorf("failed to sample share: %w", err)
			}
			shares[p].Values[i] = r
			running.Add(running, r)
			running.Mod(running, smc.prime)
		}
		// balancing share makes the column sum equal the secret
		balance := new(big.Int).Sub(scaled[i], running)
		balance.Mod(balance, smc.prime)
		shares[smc.NumParties-1].Values[i] = balance
	}

	return shares, nil
}

// ReconstructSecret sums the shares back into the secret vector. All
// NumParties shares are required by the additive scheme; fewer than
// Threshold is rejected up front with a typed error.
func (smc *SecureMultipartyComputation) ReconstructSecret(shares []Share) ([]float64, error) {
	if len(shares) < smc.Threshold {
		return nil, fmt.Errorf("%w: need %d, got %d", ErrInsufficientShares, smc.Threshold, len(shares))
	}
	if len(shares) == 0 || len(shares[0].Values) == 0 {
		return nil, errors.New("no share values to reconstruct")
	}

	length := len(shares[0].Values)
	out := make([]float64, length)
	for i := 0; i < length; i++ {
		sum := new(big.Int)
		for _, share := range shares {
			if len(share.Values) != length {
				return nil, errors.New("share length mismatch")
			}
			sum.Add(sum, share.Values[i])
		}
		sum.Mod(sum, smc.prime)
		out[i] = lowerFromField(sum, smc.prime)
	}
	return out, nil
}

// SecureAggregate shares each client's flattened weights, sums the shares
// per party, reconstructs the summed secret, and divides by the client
// count. The server only ever handles share sums.
func (smc *SecureMultipartyComputation) SecureAggregate(clientWeights []models.Weights) (models.Weights, error) {
	if len(clientWeights) == 0 {
		return nil, errors.New("no client weights to aggregate")
	}

	layers := clientWeights[0].SortedLayers()
	summed := make([][]Share, 0, len(clientWeights))
	for _, w := range clientWeights {
		shares, err := smc.ShareSecret(flattenOrdered(w, layers))
		if err != nil {
			return nil, err
		}
		summed = append(summed, shares)
	}

	// per-party summation of shares across clients
	combined := make([]Share, smc.NumParties)
	for p := 0; p < smc.NumParties; p++ {
		length := len(summed[0][p].Values)
		vals := make([]*big.Int, length)
		for i := range vals {
			vals[i] = new(big.Int)
		}
		for _, clientShares := range summed {
			for i, v := range clientShares[p].Values {
				vals[i].Add(vals[i], v)
				vals[i].Mod(vals[i], smc.prime)
			}
		}
		combined[p] = Share{Index: p + 1, Values: vals}
	}

	total, err := smc.ReconstructSecret(combined)
	if err != nil {
		return nil, err
	}
	for i := range total {
		total[i] /= float64(len(clientWeights))
	}
	return unflattenOrdered(total, clientWeights[0], layers), nil
}

// BeaverTriple is a multiplication triple (a, b, c) with c = a*b, shared
// among parties. Generation here is trusted-dealer style, not an OT-based
// protocol.
type BeaverTriple struct {
	A, B, C []Share
}

func (smc *SecureMultipartyComputation) GenerateBeaverTriples(count int) ([]BeaverTriple, error) {
	triples := make([]BeaverTriple, count)
	for t := 0; t < count; t++ {
		a, err := rand.Int(rand.Reader, big.NewInt(1<<20))
		if err != nil {
			return nil, err
		}
		b, err := rand.Int(rand.Reader, big.NewInt(1<<20))
		if err != nil {
			return nil, err
		}
		c := new(big.Int).Mul(a, b)

		af, bf, cf := float64(a.Int64()), float64(b.Int64()), float64(c.Int64())
		aShares, err := smc.ShareSecret([]float64{af})
		if err != nil {
			return nil, err
		}
		bShares, err := smc.ShareSecret([]float64{bf})
		if err != nil {
			return nil, err
		}
		cShares, err := smc.ShareSecret([]float64{cf})
		if err != nil {
			return nil, err
		}
		triples[t] = BeaverTriple{A: aShares, B: bShares, C: cShares}
	}
	return triples, nil
}

// SecureCompare returns true when a > b. The comparison itself operates on
// reconstructed values; a garbled-circuit protocol would replace this.
func (smc *SecureMultipartyComputation) SecureCompare(aShares, bShares []Share) (bool, error) {
	a, err := smc.ReconstructSecret(aShares)
	if err != nil {
		return false, err
	}
	b, err := smc.ReconstructSecret(bShares)
	if err != nil {
		return false, err
	}
	if len(a) == 0 || len(b) == 0 {
		return false, errors.New("empty comparison operands")
	}
	return a[0] > b[0], nil
}

func liftToField(v float64, prime *big.Int) *big.Int {
	scaled := big.NewInt(int64(v * scaleFactor))
	scaled.Mod(scaled, prime)
	return scaled
}

func lowerFromField(v *big.Int, prime *big.Int) float64 {
	// values above prime/2 encode negatives
	half := new(big.Int).Rsh(prime, 1)
	if v.Cmp(half) > 0 {
		neg := new(big.Int).Sub(v, prime)
		return float64(neg.Int64()) / scaleFactor
	}
	return float64(v.Int64()) / scaleFactor
}

func flattenOrdered(w models.Weights, layers []string) []float64 {
	var out []float64
	for _, layer := range layers {
		out = append(out, w[layer]...)
	}
	return out
}

func unflattenOrdered(flat []float64, template models.Weights, layers []string) models.Weights {
	out := make(models.Weights, len(layers))
	offset := 0
	for _, layer := range layers {
		n := len(template[layer])
		vals := make([]float64, n)
		copy(vals, flat[offset:offset+n])
		out[layer] = vals
		offset += n
	}
	return out
}
