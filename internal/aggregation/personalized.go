package aggregation

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/theblitlabs/parity-federated/internal/models"
)

type PersonalizationMethod string

const (
	PersonalizationFineTuning   PersonalizationMethod = "local_fine_tuning"
	PersonalizationClustering   PersonalizationMethod = "clustering"
	PersonalizationMetaLearning PersonalizationMethod = "meta_learning"
)

const metaLearningRate = 0.01

// PersonalizedAggregator produces one personalized model per client in
// addition to the shared global model.
type PersonalizedAggregator struct {
	Method PersonalizationMethod
	// Alpha controls interpolation between a client's own weights and the
	// global model under fine-tuning: alpha=1 keeps local weights only.
	Alpha float64
	// NumClusters bounds the number of client clusters under clustering.
	NumClusters int

	fedavg *FedAvgAggregator
	rng    *rand.Rand
}

func NewPersonalizedAggregator(method PersonalizationMethod) *PersonalizedAggregator {
	return &PersonalizedAggregator{
		Method:      method,
		Alpha:       0.5,
		NumClusters: 3,
		fedavg:      NewFedAvgAggregator(),
		rng:         rand.New(rand.NewSource(42)),
	}
}

func (a *PersonalizedAggregator) Aggregate(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	valid := a.ValidateUpdates(updates)
	if len(valid) == 0 {
		return nil, ErrNoValidUpdates
	}

	switch a.Method {
	case PersonalizationFineTuning:
		return a.fineTune(valid)
	case PersonalizationClustering:
		return a.cluster(valid)
	case PersonalizationMetaLearning:
		return a.metaLearn(valid)
	default:
		return nil, fmt.Errorf("unknown personalization method %q", a.Method)
	}
}

func (a *PersonalizedAggregator) ValidateUpdates(updates []*models.ModelUpdate) []*models.ModelUpdate {
	return a.fedavg.ValidateUpdates(updates)
}

// fineTune linearly interpolates each client's own weights with the FedAvg
// global result: personalized = alpha*local + (1-alpha)*global.
func (a *PersonalizedAggregator) fineTune(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	base, err := a.fedavg.Aggregate(updates)
	if err != nil {
		return nil, err
	}

	clientWeights := make(map[string]models.Weights, len(updates))
	for _, update := range updates {
		personal := make(models.Weights, len(update.Weights))
		for layer, vals := range update.Weights {
			global := base.GlobalWeights[layer]
			mixed := make([]float64, len(vals))
			for i, v := range vals {
				g := 0.0
				if i < len(global) {
					g = global[i]
				}
				mixed[i] = a.Alpha*v + (1-a.Alpha)*g
			}
			personal[layer] = mixed
		}
		clientWeights[update.ClientID] = personal
	}

	return &models.AggregationResult{
		GlobalWeights: base.GlobalWeights,
		ClientWeights: clientWeights,
		Metadata: map[string]interface{}{
			"strategy": "personalized",
			"method":   string(PersonalizationFineTuning),
			"alpha":    a.Alpha,
		},
	}, nil
}

// cluster groups clients by k-means over per-layer weight summary
// statistics, aggregates each cluster with FedAvg, and averages the cluster
// models into the shared global model.
func (a *PersonalizedAggregator) cluster(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	features := make([][]float64, len(updates))
	maxLen := 0
	for i, update := range updates {
		features[i] = summaryFeatures(update.Weights)
		if len(features[i]) > maxLen {
			maxLen = len(features[i])
		}
	}
	for i := range features {
		for len(features[i]) < maxLen {
			features[i] = append(features[i], 0)
		}
	}

	k := a.NumClusters
	if k > len(updates) {
		k = len(updates)
	}
	assignment := a.kmeans(features, k)

	clusterUpdates := make(map[int][]*models.ModelUpdate)
	for i, update := range updates {
		clusterUpdates[assignment[i]] = append(clusterUpdates[assignment[i]], update)
	}

	clientWeights := make(map[string]models.Weights, len(updates))
	var clusterModels []models.Weights
	for _, members := range clusterUpdates {
		res, err := a.fedavg.Aggregate(members)
		if err != nil {
			continue
		}
		clusterModels = append(clusterModels, res.GlobalWeights)
		for _, member := range members {
			clientWeights[member.ClientID] = res.GlobalWeights.Clone()
		}
	}
	if len(clusterModels) == 0 {
		return nil, ErrNoValidUpdates
	}

	global := averageWeightSets(clusterModels)
	return &models.AggregationResult{
		GlobalWeights: global,
		ClientWeights: clientWeights,
		Metadata: map[string]interface{}{
			"strategy":     "personalized",
			"method":       string(PersonalizationClustering),
			"num_clusters": len(clusterModels),
		},
	}, nil
}

// metaLearn performs a one-step MAML-style update per client, using the
// difference between client and global weights as the gradient proxy.
func (a *PersonalizedAggregator) metaLearn(updates []*models.ModelUpdate) (*models.AggregationResult, error) {
	base, err := a.fedavg.Aggregate(updates)
	if err != nil {
		return nil, err
	}

	clientWeights := make(map[string]models.Weights, len(updates))
	for _, update := range updates {
		personal := make(models.Weights)
		for layer, global := range base.GlobalWeights {
			local, ok := update.Weights[layer]
			adapted := make([]float64, len(global))
			copy(adapted, global)
			if ok {
				for i := range adapted {
					if i < len(local) {
						adapted[i] += metaLearningRate * (local[i] - global[i])
					}
				}
			}
			personal[layer] = adapted
		}
		clientWeights[update.ClientID] = personal
	}

	return &models.AggregationResult{
		GlobalWeights: base.GlobalWeights,
		ClientWeights: clientWeights,
		Metadata: map[string]interface{}{
			"strategy":      "personalized",
			"method":        string(PersonalizationMetaLearning),
			"learning_rate": metaLearningRate,
		},
	}, nil
}

// summaryFeatures reduces each layer to (mean, std, min, max) in sorted
// layer order so feature vectors are comparable across clients.
func summaryFeatures(w models.Weights) []float64 {
	var features []float64
	for _, layer := range w.SortedLayers() {
		vals := w[layer]
		if len(vals) == 0 {
			features = append(features, 0, 0, 0, 0)
			continue
		}
		mean := floats.Sum(vals) / float64(len(vals))
		var variance float64
		for _, v := range vals {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(vals))
		features = append(features, mean, math.Sqrt(variance), floats.Min(vals), floats.Max(vals))
	}
	return features
}

// kmeans is a plain Lloyd iteration over the feature vectors; clusters
// seeded from distinct points to keep assignments stable across runs.
func (a *PersonalizedAggregator) kmeans(features [][]float64, k int) []int {
	n := len(features)
	assignment := make([]int, n)
	if k <= 1 || n == 0 {
		return assignment
	}

	centroids := make([][]float64, k)
	perm := a.rng.Perm(n)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), features[perm[i]]...)
	}

	for iter := 0; iter < 20; iter++ {
		changed := false
		for i, f := range features {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				d := floats.Distance(f, centroid, 2)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		next := make([][]float64, k)
		for c := range next {
			next[c] = make([]float64, len(features[0]))
		}
		for i, f := range features {
			floats.Add(next[assignment[i]], f)
			counts[assignment[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), next[c])
			centroids[c] = next[c]
		}
	}
	return assignment
}

func averageWeightSets(sets []models.Weights) models.Weights {
	out := make(models.Weights)
	counts := make(map[string]float64)
	for _, set := range sets {
		for layer, vals := range set {
			if _, ok := out[layer]; !ok {
				out[layer] = make([]float64, len(vals))
			}
			dst := out[layer]
			for i, v := range vals {
				if i < len(dst) {
					dst[i] += v
				}
			}
			counts[layer]++
		}
	}
	for layer, vals := range out {
		for i := range vals {
			vals[i] /= counts[layer]
		}
	}
	return out
}
