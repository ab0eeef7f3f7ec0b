package federation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-federated/internal/aggregation"
	"github.com/theblitlabs/parity-federated/internal/federation"
	"github.com/theblitlabs/parity-federated/internal/models"
)

func testConfig() models.FederationConfig {
	cfg := models.DefaultFederationConfig()
	cfg.NumRounds = 5
	cfg.ClientFraction = 1.0
	cfg.MinClients = 2
	cfg.MinAvailableClients = 2
	cfg.PrivacyEpsilon = 0
	cfg.BudgetPolicy = ""
	cfg.RoundTimeout = time.Second
	cfg.CheckpointInterval = 0
	return cfg
}

func newTestServer(t *testing.T, cfg models.FederationConfig) *federation.FederatedServer {
	t.Helper()
	server, err := federation.NewFederatedServer(cfg, aggregation.NewFedAvgAggregator(), nil, nil, federation.WithSeed(1))
	require.NoError(t, err)
	return server
}

func register(t *testing.T, server *federation.FederatedServer, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := server.RegisterClient(context.Background(), id, "test-lab", nil)
		require.NoError(t, err)
	}
}

func updateFor(clientID string, round int, value float64, samples int) *models.ModelUpdate {
	return &models.ModelUpdate{
		ClientID:    clientID,
		RoundNumber: round,
		Weights: models.Weights{
			"dense/kernel": {value, value},
			"dense/bias":   {value},
		},
		NumSamples: samples,
		Timestamp:  time.Now(),
	}
}

func TestRegisterClient(t *testing.T) {
	t.Run("first_registration", func(t *testing.T) {
		server := newTestServer(t, testConfig())

		reg, err := server.RegisterClient(context.Background(), "alice", "hospital-a", map[string]interface{}{"gpu": true})
		require.NoError(t, err)
		assert.Equal(t, "registered", reg.Status)
		assert.Equal(t, 0, reg.CurrentRound)
		assert.Nil(t, reg.PublicKey)

		info, err := server.ClientInfo("alice")
		require.NoError(t, err)
		assert.Equal(t, "hospital-a", info.Institution)
		assert.Equal(t, 1.0, info.TrustScore)
	})

	t.Run("re_registration_is_idempotent", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice")

		reg, err := server.RegisterClient(context.Background(), "alice", "hospital-a", nil)
		require.NoError(t, err)
		assert.Equal(t, "already_registered", reg.Status)
		assert.Len(t, server.Clients(), 1)
	})

	t.Run("secure_aggregation_issues_public_key", func(t *testing.T) {
		cfg := testConfig()
		cfg.SecureAggregation = true
		server := newTestServer(t, cfg)

		reg, err := server.RegisterClient(context.Background(), "alice", "hospital-a", nil)
		require.NoError(t, err)
		assert.Len(t, reg.PublicKey, 32)

		again, err := server.RegisterClient(context.Background(), "alice", "hospital-a", nil)
		require.NoError(t, err)
		assert.Equal(t, reg.PublicKey, again.PublicKey)
	})

	t.Run("empty_client_id_rejected", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		_, err := server.RegisterClient(context.Background(), "", "hospital-a", nil)
		assert.Error(t, err)
	})
}

func TestSelectClients(t *testing.T) {
	t.Run("selects_from_eligible_pool", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob", "carol")

		ids, err := server.SelectClients(context.Background())
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)
		assert.Equal(t, federation.StateCollecting, server.State())
	})

	t.Run("insufficient_clients", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice")

		_, err := server.SelectClients(context.Background())
		assert.ErrorIs(t, err, models.ErrInsufficientClients)
	})

	t.Run("fraction_bounds_participants", func(t *testing.T) {
		cfg := testConfig()
		cfg.ClientFraction = 0.5
		server := newTestServer(t, cfg)
		register(t, server, "a", "b", "c", "d", "e", "f")

		ids, err := server.SelectClients(context.Background())
		require.NoError(t, err)
		assert.Len(t, ids, 3)
	})
}

func TestReceiveUpdate(t *testing.T) {
	t.Run("accepts_registered_current_round", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob")
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)

		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1.0, 100)))

		info, err := server.ClientInfo("alice")
		require.NoError(t, err)
		assert.Equal(t, 1, info.RoundsParticipated)
	})

	t.Run("unknown_client", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob")

		err := server.ReceiveUpdate(context.Background(), updateFor("mallory", 0, 1.0, 100))
		assert.ErrorIs(t, err, models.ErrUnknownClient)
	})

	t.Run("stale_round", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob")

		err := server.ReceiveUpdate(context.Background(), updateFor("alice", 7, 1.0, 100))
		assert.ErrorIs(t, err, models.ErrStaleRound)
	})

	t.Run("byzantine_update_halves_trust", func(t *testing.T) {
		cfg := testConfig()
		cfg.ByzantineRobust = true
		server := newTestServer(t, cfg)
		register(t, server, "alice", "bob")
		server.SetGlobalModel(models.Weights{
			"dense/kernel": {1, 1},
			"dense/bias":   {1},
		})

		err := server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1000.0, 100))
		assert.ErrorIs(t, err, models.ErrByzantineRejected)

		info, err := server.ClientInfo("alice")
		require.NoError(t, err)
		assert.Equal(t, 0.5, info.TrustScore)

		// A second offense drops trust below the eligibility floor.
		err = server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1000.0, 100))
		assert.ErrorIs(t, err, models.ErrByzantineRejected)

		_, err = server.SelectClients(context.Background())
		assert.ErrorIs(t, err, models.ErrInsufficientClients)
	})
}

func TestAggregateRound(t *testing.T) {
	t.Run("weighted_mean_and_round_advance", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob")
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)

		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 0.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", 0, 4.0, 300)))

		result, err := server.AggregateRound(context.Background())
		require.NoError(t, err)

		// 0*100/400 + 4*300/400 = 3
		assert.InDelta(t, 3.0, result.GlobalWeights["dense/kernel"][0], 1e-9)
		assert.Equal(t, 1, server.CurrentRound())
		assert.Equal(t, federation.StateIdle, server.State())

		info, err := server.ClientInfo("bob")
		require.NoError(t, err)
		assert.Greater(t, info.ContributionScore, 0.0)
	})

	t.Run("prescreen_excludes_distant_update", func(t *testing.T) {
		cfg := testConfig()
		cfg.ByzantineRobust = true
		server := newTestServer(t, cfg)
		register(t, server, "alice", "bob", "carol", "mallory")
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)

		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", 0, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("carol", 0, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("mallory", 0, 1000.0, 100)))

		result, err := server.AggregateRound(context.Background())
		require.NoError(t, err)
		assert.Contains(t, result.ExcludedClients, "mallory")
		assert.InDelta(t, 1.0, result.GlobalWeights["dense/kernel"][0], 1e-9)
	})

	t.Run("quorum_failure_keeps_round", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob")
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1.0, 100)))

		_, err = server.AggregateRound(context.Background())
		assert.ErrorIs(t, err, models.ErrInsufficientClients)
		assert.Equal(t, 0, server.CurrentRound())

		server.AbandonRound(context.Background(), "deadline")
		assert.Equal(t, 1, server.CurrentRound())
	})

	t.Run("round_completion_is_audited", func(t *testing.T) {
		server := newTestServer(t, testConfig())
		register(t, server, "alice", "bob")
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", 0, 1.0, 100)))
		_, err = server.AggregateRound(context.Background())
		require.NoError(t, err)

		events, err := server.AuditEvents(context.Background(), 0)
		require.NoError(t, err)

		var types []models.AuditEventType
		for _, event := range events {
			types = append(types, event.Event)
		}
		assert.Contains(t, types, models.AuditEventRegistration)
		assert.Contains(t, types, models.AuditEventSelection)
		assert.Contains(t, types, models.AuditEventUpdateReceived)
		assert.Contains(t, types, models.AuditEventRoundComplete)
	})

	t.Run("vertical_mode_namespaces_layers", func(t *testing.T) {
		cfg := testConfig()
		cfg.Mode = models.FederationModeVertical
		server := newTestServer(t, cfg)
		register(t, server, "alice", "bob")
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", 0, 2.0, 100)))

		result, err := server.AggregateRound(context.Background())
		require.NoError(t, err)
		assert.Contains(t, result.GlobalWeights, "alice/dense/kernel")
		assert.Contains(t, result.GlobalWeights, "bob/dense/kernel")
		assert.InDelta(t, 2.0, result.GlobalWeights["bob/dense/kernel"][0], 1e-9)
	})
}

func TestSecureAggregationRound(t *testing.T) {
	cfg := testConfig()
	cfg.SecureAggregation = true
	cfg.MinClients = 3
	cfg.MinAvailableClients = 3
	server := newTestServer(t, cfg)
	register(t, server, "alice", "bob", "carol")

	ids, err := server.SelectClients(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 3)

	values := map[string]float64{"alice": 1.0, "bob": 2.0, "carol": 6.0}
	masker := server.MaskingAggregator()
	require.NotNil(t, masker)

	for id, v := range values {
		plain := updateFor(id, 0, v, 100)
		masked, err := masker.MaskWeights(plain.Weights, id, ids, 0)
		require.NoError(t, err)
		plain.Weights = masked
		require.NoError(t, server.ReceiveUpdate(context.Background(), plain))
	}

	result, err := server.AggregateRound(context.Background())
	require.NoError(t, err)

	// Pairwise masks cancel; the server recovers the plain mean (1+2+6)/3.
	assert.InDelta(t, 3.0, result.GlobalWeights["dense/kernel"][0], 1e-6)
	assert.InDelta(t, 3.0, result.GlobalWeights["dense/bias"][0], 1e-6)
	assert.Equal(t, "secure_mean", result.Metadata["strategy"])
}

func TestSecureAggregationStraggler(t *testing.T) {
	cfg := testConfig()
	cfg.SecureAggregation = true
	cfg.MinClients = 2
	cfg.MinAvailableClients = 3
	server := newTestServer(t, cfg)
	register(t, server, "alice", "bob", "carol")

	ids, err := server.SelectClients(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 3)

	masker := server.MaskingAggregator()
	require.NotNil(t, masker)

	// carol masks against the full participant set but never submits, so
	// her pairwise masks stay uncancelled in any partial sum.
	for id, v := range map[string]float64{"alice": 1.0, "bob": 2.0} {
		plain := updateFor(id, 0, v, 100)
		masked, err := masker.MaskWeights(plain.Weights, id, ids, 0)
		require.NoError(t, err)
		plain.Weights = masked
		require.NoError(t, server.ReceiveUpdate(context.Background(), plain))
	}

	_, err = server.AggregateRound(context.Background())
	assert.ErrorIs(t, err, models.ErrMaskedDropout)
	assert.Equal(t, 0, server.CurrentRound())
	assert.Empty(t, server.GlobalModel())

	server.AbandonRound(context.Background(), "masked participant dropped")
	assert.Equal(t, 1, server.CurrentRound())
}

func TestPrivacyBudget(t *testing.T) {
	runRound := func(t *testing.T, server *federation.FederatedServer, round int) (*models.AggregationResult, error) {
		t.Helper()
		_, err := server.SelectClients(context.Background())
		require.NoError(t, err)
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", round, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", round, 1.0, 100)))
		return server.AggregateRound(context.Background())
	}

	t.Run("noise_is_applied_and_accounted", func(t *testing.T) {
		cfg := testConfig()
		cfg.PrivacyEpsilon = 1.0
		cfg.PrivacyDelta = 1e-5
		cfg.BudgetPolicy = models.BudgetPolicyHalt
		server := newTestServer(t, cfg)
		register(t, server, "alice", "bob")

		result, err := runRound(t, server, 0)
		require.NoError(t, err)

		assert.NotEqual(t, 1.0, result.GlobalWeights["dense/kernel"][0])
		spent, _ := server.PrivacySpent()
		assert.Greater(t, spent, 0.0)
		assert.Contains(t, result.Metadata, "round_epsilon")
	})

	t.Run("halt_policy_stops_training", func(t *testing.T) {
		cfg := testConfig()
		cfg.NumRounds = 1
		cfg.PrivacyEpsilon = 0.05
		cfg.PrivacyDelta = 1e-5
		cfg.BudgetPolicy = models.BudgetPolicyHalt
		server := newTestServer(t, cfg)
		register(t, server, "alice", "bob")

		_, err := runRound(t, server, 0)
		require.NoError(t, err)

		// Budget is fully spent after the single planned round.
		_, err = runRound(t, server, 1)
		assert.ErrorIs(t, err, models.ErrBudgetExhausted)
	})

	t.Run("unprotected_policy_continues_without_noise", func(t *testing.T) {
		cfg := testConfig()
		cfg.NumRounds = 1
		cfg.PrivacyEpsilon = 0.05
		cfg.PrivacyDelta = 1e-5
		cfg.BudgetPolicy = models.BudgetPolicyUnprotected
		server := newTestServer(t, cfg)
		register(t, server, "alice", "bob")

		_, err := runRound(t, server, 0)
		require.NoError(t, err)

		result, err := runRound(t, server, 1)
		require.NoError(t, err)
		assert.Equal(t, "unprotected", result.Metadata["privacy"])
		assert.InDelta(t, 1.0, result.GlobalWeights["dense/kernel"][0], 1e-9)
	})
}

func TestCheckpointAndResume(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointInterval = 1
	store := federation.NewMemoryCheckpointStore()
	server, err := federation.NewFederatedServer(cfg, aggregation.NewFedAvgAggregator(), store, nil, federation.WithSeed(1))
	require.NoError(t, err)
	register(t, server, "alice", "bob")

	_, err = server.SelectClients(context.Background())
	require.NoError(t, err)
	require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", 0, 2.0, 100)))
	require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", 0, 4.0, 100)))
	_, err = server.AggregateRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.Count())

	restored, err := federation.NewFederatedServer(cfg, aggregation.NewFedAvgAggregator(), store, nil, federation.WithSeed(1))
	require.NoError(t, err)
	require.NoError(t, restored.Resume(context.Background()))

	assert.Equal(t, 1, restored.CurrentRound())
	assert.InDelta(t, 3.0, restored.GlobalModel()["dense/kernel"][0], 1e-9)
	assert.Len(t, restored.Clients(), 2)
}

func TestRunDrivesRounds(t *testing.T) {
	cfg := testConfig()
	cfg.NumRounds = 2
	cfg.RoundTimeout = 2 * time.Second
	server := newTestServer(t, cfg)
	register(t, server, "alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	// Feed both rounds as they open.
	for round := 0; round < 2; round++ {
		require.Eventually(t, func() bool {
			return server.State() == federation.StateCollecting && server.CurrentRound() == round
		}, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("alice", round, 1.0, 100)))
		require.NoError(t, server.ReceiveUpdate(context.Background(), updateFor("bob", round, 3.0, 100)))
	}

	require.NoError(t, <-done)
	assert.Equal(t, 2, server.CurrentRound())
	assert.InDelta(t, 2.0, server.GlobalModel()["dense/kernel"][0], 1e-9)
}
