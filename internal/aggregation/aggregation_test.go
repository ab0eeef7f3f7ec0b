package aggregation_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-federated/internal/aggregation"
	"github.com/theblitlabs/parity-federated/internal/models"
)

func makeUpdate(clientID string, round int, value float64, size, numSamples int) *models.ModelUpdate {
	vals := make([]float64, size)
	for i := range vals {
		vals[i] = value
	}
	return &models.ModelUpdate{
		ClientID:    clientID,
		RoundNumber: round,
		Weights:     models.Weights{"layer1": vals},
		NumSamples:  numSamples,
		Timestamp:   time.Now(),
	}
}

func TestFedAvgAggregator(t *testing.T) {
	t.Run("all_zero_updates_yield_zero_model", func(t *testing.T) {
		var updates []*models.ModelUpdate
		for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
			updates = append(updates, makeUpdate(id, 1, 0, 10, 100))
		}

		result, err := aggregation.NewFedAvgAggregator().Aggregate(updates)
		require.NoError(t, err)
		for _, v := range result.GlobalWeights["layer1"] {
			assert.Zero(t, v)
		}
	})

	t.Run("one_sixth_scenario", func(t *testing.T) {
		var updates []*models.ModelUpdate
		for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
			updates = append(updates, makeUpdate(id, 1, 0, 10, 100))
		}
		updates = append(updates, makeUpdate("c6", 1, 1, 10, 100))

		result, err := aggregation.NewFedAvgAggregator().Aggregate(updates)
		require.NoError(t, err)
		for _, v := range result.GlobalWeights["layer1"] {
			assert.InDelta(t, 1.0/6.0, v, 1e-12)
		}
	})

	t.Run("weighted_equals_simple_for_uniform_samples", func(t *testing.T) {
		build := func() []*models.ModelUpdate {
			return []*models.ModelUpdate{
				makeUpdate("c1", 1, 0.5, 8, 200),
				makeUpdate("c2", 1, 1.5, 8, 200),
				makeUpdate("c3", 1, 2.5, 8, 200),
			}
		}

		weighted := aggregation.NewFedAvgAggregator()
		simple := &aggregation.FedAvgAggregator{Weighted: false}

		wres, err := weighted.Aggregate(build())
		require.NoError(t, err)
		sres, err := simple.Aggregate(build())
		require.NoError(t, err)

		for i := range wres.GlobalWeights["layer1"] {
			assert.InDelta(t, sres.GlobalWeights["layer1"][i], wres.GlobalWeights["layer1"][i], 1e-12)
		}
	})

	t.Run("weighted_respects_sample_counts", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 0, 4, 300),
			makeUpdate("c2", 1, 1, 4, 100),
		}
		result, err := aggregation.NewFedAvgAggregator().Aggregate(updates)
		require.NoError(t, err)
		for _, v := range result.GlobalWeights["layer1"] {
			assert.InDelta(t, 0.25, v, 1e-12)
		}
	})

	t.Run("layer_union_skips_missing_layers", func(t *testing.T) {
		u1 := makeUpdate("c1", 1, 1, 4, 100)
		u2 := makeUpdate("c2", 1, 3, 4, 100)
		u2.Weights["layer2"] = []float64{2, 2}

		result, err := aggregation.NewFedAvgAggregator().Aggregate([]*models.ModelUpdate{u1, u2})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, result.GlobalWeights["layer1"][0], 1e-12)
		// only c2 reported layer2; its values pass through unchanged
		assert.InDelta(t, 2.0, result.GlobalWeights["layer2"][0], 1e-12)
	})

	t.Run("rejects_nan_updates", func(t *testing.T) {
		bad := makeUpdate("c1", 1, 1, 4, 100)
		bad.Weights["layer1"][2] = math.NaN()

		valid := aggregation.NewFedAvgAggregator().ValidateUpdates([]*models.ModelUpdate{bad})
		assert.Empty(t, valid)

		_, err := aggregation.NewFedAvgAggregator().Aggregate([]*models.ModelUpdate{bad})
		assert.ErrorIs(t, err, aggregation.ErrNoValidUpdates)
	})
}

func TestByzantineRobustAggregator(t *testing.T) {
	honestWithNoise := func(n int, noise float64) []*models.ModelUpdate {
		var updates []*models.ModelUpdate
		for i := 0; i < n; i++ {
			u := makeUpdate("honest", 1, 1.0, 10, 100)
			u.ClientID = u.ClientID + string(rune('a'+i))
			for j := range u.Weights["layer1"] {
				u.Weights["layer1"][j] += noise * float64(i%3)
			}
			updates = append(updates, u)
		}
		return updates
	}

	t.Run("krum_never_selects_large_outlier", func(t *testing.T) {
		updates := honestWithNoise(6, 0.01)
		updates = append(updates, makeUpdate("attacker", 1, 1000, 10, 100))

		agg := aggregation.NewByzantineRobustAggregator(aggregation.RobustMethodKrum, 0.2)
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)

		for _, v := range result.GlobalWeights["layer1"] {
			assert.Less(t, v, 2.0, "krum output must come from an honest client")
		}
	})

	t.Run("robust_methods_bound_adversarial_shift", func(t *testing.T) {
		honest := honestWithNoise(6, 0.01)
		poisoned := append(append([]*models.ModelUpdate(nil), honest...), makeUpdate("attacker", 1, 1000, 10, 100))

		naive, err := (&aggregation.FedAvgAggregator{Weighted: false}).Aggregate(poisoned)
		require.NoError(t, err)
		// naive mean is dragged far away from the honest cluster
		assert.Greater(t, naive.GlobalWeights["layer1"][0], 100.0)

		for _, method := range []aggregation.RobustMethod{
			aggregation.RobustMethodKrum,
			aggregation.RobustMethodMedian,
			aggregation.RobustMethodTrimmedMean,
			aggregation.RobustMethodBulyan,
		} {
			agg := aggregation.NewByzantineRobustAggregator(method, 0.2)
			result, err := agg.Aggregate(poisoned)
			require.NoError(t, err, string(method))
			assert.Less(t, result.GlobalWeights["layer1"][0], 2.0, string(method))
		}
	})

	t.Run("median_is_coordinate_wise", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 1, 3, 100),
			makeUpdate("c2", 1, 2, 3, 100),
			makeUpdate("c3", 1, 9, 3, 100),
		}
		agg := aggregation.NewByzantineRobustAggregator(aggregation.RobustMethodMedian, 0.2)
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)
		for _, v := range result.GlobalWeights["layer1"] {
			assert.InDelta(t, 2.0, v, 1e-12)
		}
	})

	t.Run("mad_validation_drops_outlier", func(t *testing.T) {
		updates := honestWithNoise(5, 0.01)
		updates = append(updates, makeUpdate("attacker", 1, 1000, 10, 100))

		agg := aggregation.NewByzantineRobustAggregator(aggregation.RobustMethodMedian, 0.2)
		valid := agg.ValidateUpdates(updates)
		for _, u := range valid {
			assert.NotEqual(t, "attacker", u.ClientID)
		}
	})

	t.Run("unknown_method_fails", func(t *testing.T) {
		agg := aggregation.NewByzantineRobustAggregator("nonsense", 0.2)
		_, err := agg.Aggregate(honestWithNoise(3, 0.01))
		assert.Error(t, err)
	})
}

func TestFilterOutliers(t *testing.T) {
	t.Run("drops_distant_update", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 1, 10, 100),
			makeUpdate("c2", 1, 1, 10, 100),
			makeUpdate("c3", 1, 1, 10, 100),
			makeUpdate("attacker", 1, 1000, 10, 100),
		}
		kept, excluded := aggregation.FilterOutliers(updates)
		require.Len(t, kept, 3)
		assert.Equal(t, []string{"attacker"}, excluded)
	})

	t.Run("identical_updates_all_kept", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 1, 10, 100),
			makeUpdate("c2", 1, 1, 10, 100),
			makeUpdate("c3", 1, 1, 10, 100),
		}
		kept, excluded := aggregation.FilterOutliers(updates)
		assert.Len(t, kept, 3)
		assert.Empty(t, excluded)
	})

	t.Run("too_few_updates_unfiltered", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 1, 10, 100),
			makeUpdate("c2", 1, 1000, 10, 100),
		}
		kept, excluded := aggregation.FilterOutliers(updates)
		assert.Len(t, kept, 2)
		assert.Empty(t, excluded)
	})
}

func TestPersonalizedAggregator(t *testing.T) {
	t.Run("fine_tuning_interpolates", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 0, 4, 100),
			makeUpdate("c2", 1, 2, 4, 100),
		}
		agg := aggregation.NewPersonalizedAggregator(aggregation.PersonalizationFineTuning)
		agg.Alpha = 0.5
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)

		// global = 1.0; c1 personalized = 0.5*0 + 0.5*1 = 0.5
		assert.InDelta(t, 0.5, result.ClientWeights["c1"]["layer1"][0], 1e-12)
		assert.InDelta(t, 1.5, result.ClientWeights["c2"]["layer1"][0], 1e-12)
		assert.InDelta(t, 1.0, result.GlobalWeights["layer1"][0], 1e-12)
	})

	t.Run("clustering_assigns_every_client", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 0, 4, 100),
			makeUpdate("c2", 1, 0.1, 4, 100),
			makeUpdate("c3", 1, 10, 4, 100),
			makeUpdate("c4", 1, 10.1, 4, 100),
		}
		agg := aggregation.NewPersonalizedAggregator(aggregation.PersonalizationClustering)
		agg.NumClusters = 2
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)
		assert.Len(t, result.ClientWeights, 4)
		assert.NotEmpty(t, result.GlobalWeights)
	})

	t.Run("meta_learning_moves_toward_client", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 0, 4, 100),
			makeUpdate("c2", 1, 2, 4, 100),
		}
		agg := aggregation.NewPersonalizedAggregator(aggregation.PersonalizationMetaLearning)
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)

		// global = 1.0; c2 adapted = 1.0 + 0.01*(2-1) = 1.01
		assert.InDelta(t, 1.01, result.ClientWeights["c2"]["layer1"][0], 1e-12)
		assert.InDelta(t, 0.99, result.ClientWeights["c1"]["layer1"][0], 1e-12)
	})
}

func TestAdaptiveAggregator(t *testing.T) {
	t.Run("high_variance_selects_byzantine", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 1, 10, 100),
			makeUpdate("c2", 1, 1, 10, 100),
			makeUpdate("c3", 1, 1, 10, 100),
			makeUpdate("c4", 1, 50, 10, 100),
		}
		agg := aggregation.NewAdaptiveAggregator(0.2)
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)
		assert.Equal(t, "byzantine_robust", result.Metadata["adaptive_choice"])

		history := agg.History()
		require.Len(t, history, 1)
		assert.Equal(t, "byzantine_robust", history[0].Strategy)
		assert.Equal(t, 4, history[0].ClientCount)
	})

	t.Run("similar_clients_select_fedavg", func(t *testing.T) {
		updates := []*models.ModelUpdate{
			makeUpdate("c1", 1, 1.0, 10, 100),
			makeUpdate("c2", 1, 1.01, 10, 100),
			makeUpdate("c3", 1, 0.99, 10, 100),
		}
		agg := aggregation.NewAdaptiveAggregator(0.2)
		result, err := agg.Aggregate(updates)
		require.NoError(t, err)
		assert.Equal(t, "fedavg", result.Metadata["adaptive_choice"])
	})

	t.Run("dissimilar_clients_select_personalized", func(t *testing.T) {
		u1 := makeUpdate("c1", 1, 1, 4, 100)
		u1.Weights["layer1"] = []float64{1, 0, 1, 0}
		u2 := makeUpdate("c2", 1, 1, 4, 100)
		u2.Weights["layer1"] = []float64{0, 1, 0, 1}
		u3 := makeUpdate("c3", 1, 1, 4, 100)
		u3.Weights["layer1"] = []float64{1, -1, 1, -1}

		agg := aggregation.NewAdaptiveAggregator(0.2)
		result, err := agg.Aggregate([]*models.ModelUpdate{u1, u2, u3})
		require.NoError(t, err)
		assert.Equal(t, "personalized", result.Metadata["adaptive_choice"])
	})
}
