package training

import (
	"hash/fnv"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// SyntheticPartition generates a deterministic per-client data partition
// for development and testing. Each client's seed comes from its ID, so
// partitions are disjointly distributed but reproducible across runs.
func SyntheticPartition(clientID string, samples, inputSize int) ([][]float64, []float64) {
	h := fnv.New64a()
	h.Write([]byte(clientID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	// A shared ground-truth direction with client-specific noise, so
	// aggregation across clients is actually useful.
	truth := make([]float64, inputSize)
	truthRng := rand.New(rand.NewSource(42))
	for i := range truth {
		truth[i] = truthRng.NormFloat64()
	}

	features := make([][]float64, samples)
	labels := make([]float64, samples)
	for i := range features {
		row := make([]float64, inputSize)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		features[i] = row

		score := floats.Dot(truth, row) + 0.1*rng.NormFloat64()
		if score > 0 {
			labels[i] = 1
		}
	}
	return features, labels
}
