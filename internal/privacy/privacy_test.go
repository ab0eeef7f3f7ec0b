package privacy_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-federated/internal/models"
	"github.com/theblitlabs/parity-federated/internal/privacy"
)

func TestDifferentialPrivacy(t *testing.T) {
	t.Run("gaussian_noise_scale_formula", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(1.0, 1e-5)
		expected := math.Sqrt(2*math.Log(1.25/1e-5)) * 1.0 / (1.0 * 1.0)
		assert.InDelta(t, expected, dp.GaussianNoiseScale(), 1e-12)
	})

	t.Run("laplace_noise_scale_formula", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(0.5, 1e-5)
		assert.InDelta(t, 2.0, dp.LaplaceNoiseScale(), 1e-12)
	})

	t.Run("noise_perturbs_weights", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(1.0, 1e-5)
		weights := models.Weights{"layer1": {1, 2, 3, 4}}

		noisy, err := dp.AddNoise(weights, privacy.MechanismGaussian)
		require.NoError(t, err)
		require.Len(t, noisy["layer1"], 4)

		// original untouched
		assert.Equal(t, []float64{1, 2, 3, 4}, []float64(weights["layer1"]))

		var changed bool
		for i, v := range noisy["layer1"] {
			if v != weights["layer1"][i] {
				changed = true
			}
		}
		assert.True(t, changed, "noise should perturb at least one coordinate")
	})

	t.Run("unknown_mechanism_fails", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(1.0, 1e-5)
		_, err := dp.AddNoise(models.Weights{"l": {1}}, "bogus")
		assert.Error(t, err)
	})

	t.Run("clipping_rescales_by_global_norm", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(1.0, 1e-5)
		dp.MaxGradNorm = 1.0

		gradients := models.Weights{"layer1": {3, 4}} // norm 5
		clipped := dp.ClipGradients(gradients)
		assert.InDelta(t, 1.0, clipped.L2Norm(), 1e-12)
		assert.InDelta(t, 0.6, clipped["layer1"][0], 1e-12)
		assert.InDelta(t, 0.8, clipped["layer1"][1], 1e-12)
	})

	t.Run("clipping_is_noop_under_norm", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(1.0, 1e-5)
		dp.MaxGradNorm = 10.0
		gradients := models.Weights{"layer1": {3, 4}}
		clipped := dp.ClipGradients(gradients)
		assert.Equal(t, []float64{3, 4}, []float64(clipped["layer1"]))
	})

	t.Run("spending_is_monotone", func(t *testing.T) {
		dp := privacy.NewDifferentialPrivacy(1.0, 1e-5)
		weights := models.Weights{"layer1": {1}}

		var last float64
		for i := 0; i < 5; i++ {
			_, err := dp.AddNoise(weights, privacy.MechanismGaussian)
			require.NoError(t, err)
			spent, _ := dp.GetPrivacySpent()
			assert.GreaterOrEqual(t, spent, last)
			last = spent
		}
		assert.Len(t, dp.History(), 5)
	})
}

func TestSecureMultipartyComputation(t *testing.T) {
	t.Run("share_reconstruct_round_trip", func(t *testing.T) {
		smc, err := privacy.NewSecureMultipartyComputation(5, 5)
		require.NoError(t, err)

		secret := []float64{1.5, -2.25, 0, 1000.125}
		shares, err := smc.ShareSecret(secret)
		require.NoError(t, err)
		require.Len(t, shares, 5)

		recovered, err := smc.ReconstructSecret(shares)
		require.NoError(t, err)
		for i, v := range secret {
			assert.InDelta(t, v, recovered[i], 1e-6)
		}
	})

	t.Run("below_threshold_rejected", func(t *testing.T) {
		smc, err := privacy.NewSecureMultipartyComputation(5, 4)
		require.NoError(t, err)

		shares, err := smc.ShareSecret([]float64{1})
		require.NoError(t, err)

		_, err = smc.ReconstructSecret(shares[:2])
		assert.ErrorIs(t, err, privacy.ErrInsufficientShares)
	})

	t.Run("secure_aggregate_matches_mean", func(t *testing.T) {
		smc, err := privacy.NewSecureMultipartyComputation(3, 3)
		require.NoError(t, err)

		clients := []models.Weights{
			{"layer1": {1, 2}},
			{"layer1": {3, 4}},
			{"layer1": {5, 6}},
		}
		mean, err := smc.SecureAggregate(clients)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, mean["layer1"][0], 1e-6)
		assert.InDelta(t, 4.0, mean["layer1"][1], 1e-6)
	})

	t.Run("beaver_triples_multiply", func(t *testing.T) {
		smc, err := privacy.NewSecureMultipartyComputation(3, 3)
		require.NoError(t, err)

		triples, err := smc.GenerateBeaverTriples(2)
		require.NoError(t, err)
		require.Len(t, triples, 2)

		for _, triple := range triples {
			a, err := smc.ReconstructSecret(triple.A)
			require.NoError(t, err)
			b, err := smc.ReconstructSecret(triple.B)
			require.NoError(t, err)
			c, err := smc.ReconstructSecret(triple.C)
			require.NoError(t, err)
			assert.InDelta(t, a[0]*b[0], c[0], math.Abs(c[0])*1e-6+1e-3)
		}
	})

	t.Run("secure_compare", func(t *testing.T) {
		smc, err := privacy.NewSecureMultipartyComputation(3, 3)
		require.NoError(t, err)

		aShares, err := smc.ShareSecret([]float64{5})
		require.NoError(t, err)
		bShares, err := smc.ShareSecret([]float64{3})
		require.NoError(t, err)

		greater, err := smc.SecureCompare(aShares, bShares)
		require.NoError(t, err)
		assert.True(t, greater)
	})

	t.Run("invalid_configuration_rejected", func(t *testing.T) {
		_, err := privacy.NewSecureMultipartyComputation(1, 1)
		assert.Error(t, err)
		_, err = privacy.NewSecureMultipartyComputation(3, 5)
		assert.Error(t, err)
	})
}

func TestHomomorphicEncryption(t *testing.T) {
	t.Run("encrypt_decrypt_round_trip", func(t *testing.T) {
		he, err := privacy.NewHomomorphicEncryption(128)
		require.NoError(t, err)

		for _, v := range []float64{0, 1.5, -42.125, 1e6} {
			ct := he.Encrypt(v)
			assert.InDelta(t, v, he.Decrypt(ct, 1), 1e-6)
		}
	})

	t.Run("additive_homomorphism", func(t *testing.T) {
		he, err := privacy.NewHomomorphicEncryption(128)
		require.NoError(t, err)

		sum := he.AddEncrypted(he.Encrypt(1.5), he.Encrypt(2.25))
		assert.InDelta(t, 3.75, he.Decrypt(sum, 2), 1e-6)
	})

	t.Run("scalar_multiplication", func(t *testing.T) {
		he, err := privacy.NewHomomorphicEncryption(128)
		require.NoError(t, err)

		ct := he.MultiplyEncryptedScalar(he.Encrypt(2.5), 4)
		assert.InDelta(t, 10.0, he.Decrypt(ct, 4), 1e-6)
	})

	t.Run("small_key_rejected", func(t *testing.T) {
		_, err := privacy.NewHomomorphicEncryption(32)
		assert.Error(t, err)
	})
}

func TestPrivacyAccountant(t *testing.T) {
	t.Run("allocation_bounded_by_remaining", func(t *testing.T) {
		acct := privacy.NewPrivacyAccountant(1.0, 1e-5, 10)

		allocated := acct.AllocateRoundEpsilon(0)
		// min(1.2*0.1, 1.0/10) = 0.1
		assert.InDelta(t, 0.1, allocated, 1e-12)

		acct.LogSpending(0, 0.9, 1e-6)
		allocated = acct.AllocateRoundEpsilon(1)
		assert.LessOrEqual(t, allocated, 0.1+1e-12)
		assert.Greater(t, allocated, 0.0)
	})

	t.Run("budget_exhaustion", func(t *testing.T) {
		acct := privacy.NewPrivacyAccountant(1.0, 1e-5, 4)
		assert.True(t, acct.CheckBudget())

		for round := 0; round < 4; round++ {
			acct.LogSpending(round, 0.25, 1e-6)
		}
		assert.False(t, acct.CheckBudget())
		assert.Zero(t, acct.AllocateRoundEpsilon(5))
	})

	t.Run("spent_epsilon_is_monotone", func(t *testing.T) {
		acct := privacy.NewPrivacyAccountant(10, 1e-5, 10)
		var last float64
		for round := 0; round < 6; round++ {
			acct.LogSpending(round, 0.5, 1e-6)
			spent, _ := acct.Spent()
			assert.Greater(t, spent, last)
			last = spent
		}

		// negative spending is ignored, never decreases the total
		acct.LogSpending(6, -1, 0)
		spent, _ := acct.Spent()
		assert.Equal(t, last, spent)
	})

	t.Run("advanced_composition", func(t *testing.T) {
		acct := privacy.NewPrivacyAccountant(10, 1e-5, 10)
		acct.LogSpending(0, 3, 1e-6)
		acct.LogSpending(1, 4, 1e-6)

		eps, delta := acct.ComposedEpsilon()
		assert.InDelta(t, 5.0, eps, 1e-12) // sqrt(9+16)
		assert.InDelta(t, 2e-6, delta, 1e-18)
	})

	t.Run("noise_multiplier", func(t *testing.T) {
		acct := privacy.NewPrivacyAccountant(1.0, 1e-5, 10)
		expected := math.Sqrt(2*math.Log(1.25/1e-5)) / 0.1
		assert.InDelta(t, expected, acct.NoiseMultiplierFor(0.1), 1e-9)
		assert.Zero(t, acct.NoiseMultiplierFor(0))
	})

	t.Run("renyi_conversion_positive", func(t *testing.T) {
		acct := privacy.NewPrivacyAccountant(1.0, 1e-5, 10)
		acct.LogSpending(0, 0.1, 1e-6)
		assert.Greater(t, acct.RenyiEpsilon(2.0), 0.0)
		assert.Zero(t, acct.RenyiEpsilon(1.0))
	})
}
