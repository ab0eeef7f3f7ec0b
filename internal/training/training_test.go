package training_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-federated/internal/models"
	"github.com/theblitlabs/parity-federated/internal/training"
)

func TestLinearTrainer(t *testing.T) {
	t.Run("fits_a_linear_relation", func(t *testing.T) {
		trainer := training.NewLinearTrainer(1)

		features := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}}
		labels := []float64{2, 4, 6, 8, 10, 12}

		result, err := trainer.Train(context.Background(), features, labels, training.Options{
			Epochs:       300,
			BatchSize:    6,
			LearningRate: 0.02,
		})
		require.NoError(t, err)

		assert.Greater(t, result.Accuracy, 0.95)
		assert.InDelta(t, 2.0, result.Weights["linear/weight"][0], 0.2)
		assert.Equal(t, 6, result.Samples)
	})

	t.Run("starts_from_global_weights", func(t *testing.T) {
		trainer := training.NewLinearTrainer(2)
		global := models.Weights{
			"linear/weight": {1.5, -0.5},
			"linear/bias":   {0.25},
		}
		require.NoError(t, trainer.SetWeights(global))

		result, err := trainer.Train(context.Background(), [][]float64{{1, 1}}, []float64{1.25}, training.Options{
			Epochs:       1,
			BatchSize:    1,
			LearningRate: 0,
		})
		require.NoError(t, err)
		// Zero learning rate: the model must come back unchanged.
		assert.Equal(t, global["linear/weight"], result.Weights["linear/weight"])
		assert.Equal(t, 0.25, result.Weights["linear/bias"][0])
	})

	t.Run("rejects_mismatched_global_weights", func(t *testing.T) {
		trainer := training.NewLinearTrainer(3)
		err := trainer.SetWeights(models.Weights{"linear/weight": {1, 2}})
		assert.Error(t, err)
	})

	t.Run("rejects_mismatched_features", func(t *testing.T) {
		trainer := training.NewLinearTrainer(3)
		_, err := trainer.Train(context.Background(), [][]float64{{1, 2}}, []float64{1}, training.Options{Epochs: 1, BatchSize: 1, LearningRate: 0.1})
		assert.Error(t, err)
	})
}

func TestMLPTrainer(t *testing.T) {
	t.Run("learns_a_separable_problem", func(t *testing.T) {
		rng := rand.New(rand.NewSource(11))
		features := make([][]float64, 200)
		labels := make([]float64, 200)
		for i := range features {
			a, b := rng.NormFloat64(), rng.NormFloat64()
			features[i] = []float64{a, b}
			if a > b {
				labels[i] = 1
			}
		}

		trainer := training.NewMLPTrainer(2, 6)
		result, err := trainer.Train(context.Background(), features, labels, training.Options{
			Epochs:       150,
			BatchSize:    1,
			LearningRate: 0.3,
		})
		require.NoError(t, err)
		assert.Greater(t, result.Accuracy, 0.85)
		assert.Equal(t, [2]int{6, 2}, result.Shapes["hidden/weight"])
	})

	t.Run("round_trips_global_weights", func(t *testing.T) {
		source := training.NewMLPTrainer(3, 4)
		result, err := source.Train(context.Background(), [][]float64{{1, 0, 0}, {0, 1, 0}}, []float64{1, 0}, training.Options{Epochs: 1, BatchSize: 1, LearningRate: 0.1})
		require.NoError(t, err)

		target := training.NewMLPTrainer(3, 4)
		require.NoError(t, target.SetWeights(result.Weights))

		frozen, err := target.Train(context.Background(), [][]float64{{1, 0, 0}}, []float64{1}, training.Options{Epochs: 1, BatchSize: 1, LearningRate: 0})
		require.NoError(t, err)
		assert.Equal(t, result.Weights["hidden/weight"], frozen.Weights["hidden/weight"])
	})
}

func TestSyntheticPartition(t *testing.T) {
	f1, l1 := training.SyntheticPartition("alice", 50, 4)
	f2, l2 := training.SyntheticPartition("alice", 50, 4)
	f3, _ := training.SyntheticPartition("bob", 50, 4)

	assert.Equal(t, f1, f2)
	assert.Equal(t, l1, l2)
	assert.NotEqual(t, f1, f3)
	assert.Len(t, f1, 50)
	assert.Len(t, f1[0], 4)
}
