package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/theblitlabs/parity-federated/internal/aggregation"
	"github.com/theblitlabs/parity-federated/internal/models"
	"github.com/theblitlabs/parity-federated/internal/privacy"
	"github.com/theblitlabs/parity-federated/internal/secureagg"
	"github.com/theblitlabs/parity-federated/internal/strategies"
	"github.com/theblitlabs/parity-federated/pkg/metrics"
)

// RoundState is the server's position in the round protocol.
type RoundState string

const (
	StateIdle        RoundState = "idle"
	StateCollecting  RoundState = "collecting"
	StateAggregating RoundState = "aggregating"
)

const (
	// An update whose distance from the global model exceeds this many
	// global norms is rejected outright before aggregation sees it.
	byzantineDeviationFactor = 10.0

	// Contribution scores are an exponential moving average so one good
	// or bad round does not dominate a client's standing.
	contributionEMAAlpha = 0.3

	minEligibleTrust = 0.5
)

var ErrAggregationInProgress = errors.New("aggregation already in progress")

// RoundNotifier is told when a round opens for collection. The websocket
// hub implements this to push round announcements to connected clients.
type RoundNotifier interface {
	NotifyRoundStart(round int, selected []string)
}

// Registration is what a client gets back from RegisterClient.
type Registration struct {
	Status       string `json:"status"`
	ClientID     string `json:"client_id"`
	CurrentRound int    `json:"current_round"`
	PublicKey    []byte `json:"public_key,omitempty"`
}

// FederatedServer runs the coordinator side of the round protocol:
// registration, participant selection, update collection, and aggregation
// with the configured robustness, masking, and privacy layers applied.
type FederatedServer struct {
	cfg         models.FederationConfig
	aggregator  aggregation.Aggregator
	selector    *strategies.ClientSelector
	secure      *secureagg.SecureAggregator
	dp          *privacy.DifferentialPrivacy
	accountant  *privacy.PrivacyAccountant
	checkpoints CheckpointStore
	audit       AuditLog
	metrics     *metrics.FederationMetrics
	notifier    RoundNotifier
	logger      zerolog.Logger

	mu           sync.Mutex
	state        RoundState
	currentRound int
	globalModel  models.Weights
	clients      map[string]*models.ClientMetadata
	updates      map[string]*models.ModelUpdate
	selected     map[string]bool
	aggregating  bool
	rng          *rand.Rand
	updateCh     chan struct{}
}

type Option func(*FederatedServer)

// WithSelector replaces the default trust-weighted sampling with a
// strategies.ClientSelector policy (oort, adaptive, fairness).
func WithSelector(selector *strategies.ClientSelector) Option {
	return func(s *FederatedServer) { s.selector = selector }
}

func WithNotifier(notifier RoundNotifier) Option {
	return func(s *FederatedServer) { s.notifier = notifier }
}

func WithMetrics(m *metrics.FederationMetrics) Option {
	return func(s *FederatedServer) { s.metrics = m }
}

// WithSeed makes participant sampling deterministic.
func WithSeed(seed int64) Option {
	return func(s *FederatedServer) { s.rng = rand.New(rand.NewSource(seed)) }
}

func NewFederatedServer(cfg models.FederationConfig, aggregator aggregation.Aggregator, checkpoints CheckpointStore, audit AuditLog, opts ...Option) (*FederatedServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid federation config: %w", err)
	}
	if aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpointStore()
	}
	if audit == nil {
		audit = NewMemoryAuditLog()
	}

	s := &FederatedServer{
		cfg:         cfg,
		aggregator:  aggregator,
		checkpoints: checkpoints,
		audit:       audit,
		logger:      log.With().Str("component", "federated_server").Logger(),
		state:       StateIdle,
		globalModel: make(models.Weights),
		clients:     make(map[string]*models.ClientMetadata),
		updates:     make(map[string]*models.ModelUpdate),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		updateCh:    make(chan struct{}, 1),
	}

	if cfg.SecureAggregation {
		s.secure = secureagg.NewSecureAggregator(cfg.MinClients)
	}
	if cfg.PrivacyEpsilon > 0 {
		s.dp = privacy.NewDifferentialPrivacy(cfg.PrivacyEpsilon, cfg.PrivacyDelta)
		s.accountant = privacy.NewPrivacyAccountant(cfg.PrivacyEpsilon, cfg.PrivacyDelta, cfg.NumRounds)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterClient adds a client to the federation. Re-registration is
// idempotent and refreshes the client's last-active timestamp. When secure
// aggregation is enabled the client's masking public key is returned.
func (s *FederatedServer) RegisterClient(ctx context.Context, clientID, institution string, capabilities map[string]interface{}) (*Registration, error) {
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}

	s.mu.Lock()
	reg := &Registration{ClientID: clientID, CurrentRound: s.currentRound}
	if existing, ok := s.clients[clientID]; ok {
		existing.LastActive = time.Now()
		reg.Status = "already_registered"
		s.mu.Unlock()
	} else {
		s.clients[clientID] = models.NewClientMetadata(clientID, institution, capabilities)
		reg.Status = "registered"
		count := len(s.clients)
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RegisteredClients.Set(float64(count))
		}
		s.appendAudit(ctx, models.AuditEventRegistration, map[string]interface{}{
			"client_id":   clientID,
			"institution": institution,
		})
		s.logger.Info().Str("client_id", clientID).Str("institution", institution).Msg("Client registered")
	}

	if s.secure != nil {
		kp, err := s.secure.GenerateKeyPair(clientID)
		if err != nil {
			return nil, fmt.Errorf("failed to issue masking key pair: %w", err)
		}
		reg.PublicKey = append([]byte(nil), kp.Public[:]...)
	}
	return reg, nil
}

// SelectClients opens the current round: it picks this round's
// participants from the eligible pool and moves the server to the
// collecting state. Eligibility requires a trust score above 0.5 and
// activity within the client timeout.
func (s *FederatedServer) SelectClients(ctx context.Context) ([]string, error) {
	s.mu.Lock()

	eligible := make([]*models.ClientMetadata, 0, len(s.clients))
	cutoff := time.Now().Add(-s.cfg.ClientTimeout)
	for _, client := range s.clients {
		if client.TrustScore > minEligibleTrust && client.LastActive.After(cutoff) {
			eligible = append(eligible, client)
		}
	}
	if len(eligible) < s.cfg.MinAvailableClients {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d eligible, need %d", models.ErrInsufficientClients, len(eligible), s.cfg.MinAvailableClients)
	}

	count := int(math.Ceil(s.cfg.ClientFraction * float64(len(eligible))))
	if count < s.cfg.MinClients {
		count = s.cfg.MinClients
	}
	if count > len(eligible) {
		count = len(eligible)
	}

	var picked []*models.ClientMetadata
	if s.selector != nil {
		var err error
		picked, err = s.selector.Select(eligible, count, s.currentRound)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("selection policy failed: %w", err)
		}
	} else {
		picked = s.trustWeightedSample(eligible, count)
	}

	ids := make([]string, len(picked))
	s.selected = make(map[string]bool, len(picked))
	for i, client := range picked {
		ids[i] = client.ClientID
		s.selected[client.ClientID] = true
	}
	sort.Strings(ids)
	s.updates = make(map[string]*models.ModelUpdate)
	s.state = StateCollecting
	round := s.currentRound
	s.mu.Unlock()

	s.appendAudit(ctx, models.AuditEventSelection, map[string]interface{}{
		"round":   round,
		"clients": ids,
	})
	s.logger.Info().Int("round", round).Strs("clients", ids).Msg("Selected round participants")

	if s.notifier != nil {
		s.notifier.NotifyRoundStart(round, ids)
	}
	return ids, nil
}

// trustWeightedSample draws count clients without replacement with
// probability proportional to trust_score * (1 + contribution_score).
func (s *FederatedServer) trustWeightedSample(pool []*models.ClientMetadata, count int) []*models.ClientMetadata {
	remaining := append([]*models.ClientMetadata(nil), pool...)
	picked := make([]*models.ClientMetadata, 0, count)

	for len(picked) < count && len(remaining) > 0 {
		total := 0.0
		for _, client := range remaining {
			total += client.TrustScore * (1 + client.ContributionScore)
		}
		r := s.rng.Float64() * total
		idx := len(remaining) - 1
		for i, client := range remaining {
			r -= client.TrustScore * (1 + client.ContributionScore)
			if r <= 0 {
				idx = i
				break
			}
		}
		picked = append(picked, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return picked
}

// ReceiveUpdate accepts one client's update for the current round. A
// client that resubmits overwrites its earlier update. Updates that
// deviate wildly from the global model are rejected and halve the
// sender's trust score.
func (s *FederatedServer) ReceiveUpdate(ctx context.Context, update *models.ModelUpdate) error {
	if err := update.Validate(); err != nil {
		s.reject(ctx, update, "invalid", err)
		return err
	}

	s.mu.Lock()
	client, ok := s.clients[update.ClientID]
	if !ok {
		s.mu.Unlock()
		s.reject(ctx, update, "unknown_client", models.ErrUnknownClient)
		return models.ErrUnknownClient
	}
	if update.RoundNumber != s.currentRound {
		s.mu.Unlock()
		s.reject(ctx, update, "stale_round", models.ErrStaleRound)
		return fmt.Errorf("%w: got %d, current %d", models.ErrStaleRound, update.RoundNumber, s.currentRound)
	}

	// Masked weights are pseudorandom, so distance screening only makes
	// sense on plaintext updates.
	if s.cfg.ByzantineRobust && !s.cfg.SecureAggregation && len(s.globalModel) > 0 {
		norm := s.globalModel.L2Norm()
		if norm > 0 && update.Weights.Distance(s.globalModel) > byzantineDeviationFactor*norm {
			client.TrustScore *= 0.5
			s.mu.Unlock()
			s.reject(ctx, update, "byzantine", models.ErrByzantineRejected)
			return models.ErrByzantineRejected
		}
	}

	s.updates[update.ClientID] = update
	client.LastActive = time.Now()
	client.RoundsParticipated++
	received := len(s.updates)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.UpdatesAccepted.Inc()
	}
	s.appendAudit(ctx, models.AuditEventUpdateReceived, map[string]interface{}{
		"client_id":   update.ClientID,
		"round":       update.RoundNumber,
		"num_samples": update.NumSamples,
	})
	s.logger.Debug().Str("client_id", update.ClientID).Int("round", update.RoundNumber).Int("received", received).Msg("Update received")

	select {
	case s.updateCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *FederatedServer) reject(ctx context.Context, update *models.ModelUpdate, reason string, err error) {
	if s.metrics != nil {
		s.metrics.UpdatesRejected.WithLabelValues(reason).Inc()
	}
	s.appendAudit(ctx, models.AuditEventUpdateRejected, map[string]interface{}{
		"client_id": update.ClientID,
		"round":     update.RoundNumber,
		"reason":    reason,
	})
	s.logger.Warn().Str("client_id", update.ClientID).Str("reason", reason).Err(err).Msg("Update rejected")
}

// AggregateRound combines the collected updates into a new global model.
// It fails without advancing the round when fewer than min_clients
// updates arrived, so a caller may keep collecting or abandon the round.
// Once aggregation succeeds, the update buffer is cleared and the round
// number advances even if checkpointing fails.
func (s *FederatedServer) AggregateRound(ctx context.Context) (*models.AggregationResult, error) {
	s.mu.Lock()
	if s.aggregating {
		s.mu.Unlock()
		return nil, ErrAggregationInProgress
	}
	if len(s.updates) < s.cfg.MinClients {
		got := len(s.updates)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RoundsFailed.Inc()
		}
		return nil, fmt.Errorf("%w: %d updates, need %d", models.ErrInsufficientClients, got, s.cfg.MinClients)
	}

	// Pairwise masks only cancel when every client that masked also
	// reported. A missing masker leaves its peers' masks dangling in the
	// sum, which would silently corrupt the global model.
	if s.cfg.SecureAggregation {
		missing := 0
		for id := range s.selected {
			if _, ok := s.updates[id]; !ok {
				missing++
			}
		}
		if missing > 0 || len(s.updates) != len(s.selected) {
			got, want := len(s.updates), len(s.selected)
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.RoundsFailed.Inc()
			}
			return nil, fmt.Errorf("%w: %d of %d masked participants reported", models.ErrMaskedDropout, got, want)
		}
	}

	s.aggregating = true
	s.state = StateAggregating
	round := s.currentRound
	collected := make([]*models.ModelUpdate, 0, len(s.updates))
	for _, update := range s.updates {
		collected = append(collected, update)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].ClientID < collected[j].ClientID })
	s.mu.Unlock()

	started := time.Now()
	result, err := s.combine(collected, round)
	if err == nil && s.dp != nil {
		err = s.applyPrivacy(result, round)
	}
	if err != nil {
		s.mu.Lock()
		s.aggregating = false
		s.state = StateCollecting
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RoundsFailed.Inc()
		}
		s.appendAudit(ctx, models.AuditEventRoundFailed, map[string]interface{}{
			"round": round,
			"error": err.Error(),
		})
		return nil, err
	}

	s.mu.Lock()
	s.globalModel = result.GlobalWeights
	s.updateContributions(collected)
	s.updates = make(map[string]*models.ModelUpdate)
	s.selected = nil
	s.currentRound++
	s.state = StateIdle
	s.aggregating = false
	snapshot := (*models.CheckpointSnapshot)(nil)
	if s.cfg.CheckpointInterval > 0 && (round+1)%s.cfg.CheckpointInterval == 0 {
		snapshot = models.NewCheckpointSnapshot(s.currentRound, s.globalModel, s.clients)
	}
	s.mu.Unlock()

	if snapshot != nil {
		if err := s.checkpoints.Save(ctx, snapshot); err != nil {
			s.logger.Warn().Err(err).Int("round", round).Msg("Failed to save checkpoint")
		}
	}
	if s.metrics != nil {
		s.metrics.RoundsCompleted.Inc()
		s.metrics.AggregationTime.Observe(time.Since(started).Seconds())
	}
	s.appendAudit(ctx, models.AuditEventRoundComplete, map[string]interface{}{
		"round":        round,
		"client_count": len(collected),
		"excluded":     result.ExcludedClients,
	})
	s.logger.Info().Int("round", round).Int("clients", len(collected)).Msg("Round aggregated")
	return result, nil
}

// combine runs the configured aggregation path over the collected updates.
func (s *FederatedServer) combine(collected []*models.ModelUpdate, round int) (*models.AggregationResult, error) {
	if s.cfg.SecureAggregation {
		ids := make([]string, len(collected))
		masked := make([]models.Weights, len(collected))
		for i, update := range collected {
			ids[i] = update.ClientID
			masked[i] = update.Weights
		}
		global, err := s.secure.UnmaskAggregate(masked, ids, round)
		if err != nil {
			return nil, fmt.Errorf("secure unmasking failed: %w", err)
		}
		return &models.AggregationResult{
			GlobalWeights: global,
			Metadata: map[string]interface{}{
				"strategy":     "secure_mean",
				"client_count": len(collected),
			},
		}, nil
	}

	var preExcluded []string
	if s.cfg.ByzantineRobust {
		collected, preExcluded = aggregation.FilterOutliers(collected)
		if len(preExcluded) > 0 {
			s.logger.Info().Strs("excluded", preExcluded).Int("round", round).Msg("Pre-screen excluded outlier updates")
		}
	}

	if s.cfg.Mode == models.FederationModeVertical {
		collected = namespaceVertical(collected)
	}
	result, err := s.aggregator.Aggregate(collected)
	if err != nil {
		return nil, fmt.Errorf("aggregation failed: %w", err)
	}
	result.ExcludedClients = append(preExcluded, result.ExcludedClients...)
	return result, nil
}

// namespaceVertical prefixes each client's layers with its client ID so
// feature-partitioned updates concatenate instead of averaging away.
func namespaceVertical(collected []*models.ModelUpdate) []*models.ModelUpdate {
	out := make([]*models.ModelUpdate, len(collected))
	for i, update := range collected {
		cp := *update
		cp.Weights = make(models.Weights, len(update.Weights))
		for layer, vals := range update.Weights {
			cp.Weights[update.ClientID+"/"+layer] = vals
		}
		out[i] = &cp
	}
	return out
}

// applyPrivacy adds this round's calibrated noise to the global weights,
// honoring the configured budget exhaustion policy.
func (s *FederatedServer) applyPrivacy(result *models.AggregationResult, round int) error {
	if !s.accountant.CheckBudget() {
		if s.cfg.BudgetPolicy == models.BudgetPolicyHalt {
			return models.ErrBudgetExhausted
		}
		s.logger.Warn().Int("round", round).Msg("Privacy budget exhausted, continuing without noise")
		result.Metadata["privacy"] = "unprotected"
		return nil
	}

	epsilon := s.accountant.AllocateRoundEpsilon(round)
	s.dp.Epsilon = epsilon
	noisy, err := s.dp.AddNoise(result.GlobalWeights, privacy.MechanismGaussian)
	if err != nil {
		return fmt.Errorf("failed to add noise: %w", err)
	}
	result.GlobalWeights = noisy
	s.accountant.LogSpending(round, epsilon, s.cfg.PrivacyDelta/float64(s.cfg.NumRounds))
	result.Metadata["round_epsilon"] = epsilon

	if s.metrics != nil {
		spent, _ := s.accountant.Spent()
		s.metrics.SpentEpsilon.Set(spent)
	}
	return nil
}

// updateContributions folds each participant's round quality into its
// contribution score. Quality blends the client's share of the round's
// samples with its self-reported metric mean. Caller holds s.mu.
func (s *FederatedServer) updateContributions(collected []*models.ModelUpdate) {
	totalSamples := 0
	for _, update := range collected {
		totalSamples += update.NumSamples
	}
	for _, update := range collected {
		client, ok := s.clients[update.ClientID]
		if !ok {
			continue
		}
		dataShare := 0.0
		if totalSamples > 0 {
			dataShare = float64(update.NumSamples) / float64(totalSamples)
		}
		quality := 0.5*dataShare + 0.5*metricMean(update.Metrics)
		client.ContributionScore = (1-contributionEMAAlpha)*client.ContributionScore + contributionEMAAlpha*quality
	}
}

func metricMean(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m {
		sum += math.Max(0, math.Min(1, v))
	}
	return sum / float64(len(m))
}

// AbandonRound gives up on the current round without a model update. The
// round number still advances so stragglers from the failed round cannot
// pollute the next one.
func (s *FederatedServer) AbandonRound(ctx context.Context, reason string) {
	s.mu.Lock()
	round := s.currentRound
	s.updates = make(map[string]*models.ModelUpdate)
	s.selected = nil
	s.currentRound++
	s.state = StateIdle
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RoundsFailed.Inc()
	}
	s.appendAudit(ctx, models.AuditEventRoundFailed, map[string]interface{}{
		"round":  round,
		"reason": reason,
	})
	s.logger.Warn().Int("round", round).Str("reason", reason).Msg("Round abandoned")
}

// Run drives the federation for the configured number of rounds: select,
// collect until every participant reported or the round times out, then
// aggregate. It stops early when the context is cancelled or the privacy
// budget is exhausted under the halt policy.
func (s *FederatedServer) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		done := s.currentRound >= s.cfg.NumRounds
		s.mu.Unlock()
		if done {
			s.logger.Info().Int("rounds", s.cfg.NumRounds).Msg("Federation complete")
			return nil
		}

		if _, err := s.SelectClients(ctx); err != nil {
			if errors.Is(err, models.ErrInsufficientClients) {
				s.logger.Warn().Err(err).Msg("Waiting for clients")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.cfg.ClientTimeout / 10):
				}
				continue
			}
			return err
		}

		if err := s.collect(ctx); err != nil {
			return err
		}

		if _, err := s.AggregateRound(ctx); err != nil {
			if errors.Is(err, models.ErrInsufficientClients) {
				s.AbandonRound(ctx, "quorum not reached before deadline")
				continue
			}
			if errors.Is(err, models.ErrMaskedDropout) {
				s.AbandonRound(ctx, "masked participant dropped before deadline")
				continue
			}
			if errors.Is(err, models.ErrBudgetExhausted) {
				s.logger.Error().Msg("Privacy budget exhausted, halting training")
				return err
			}
			return err
		}
	}
}

// collect blocks until every selected client reported or the round
// deadline passes. Stragglers past the deadline are simply dropped.
func (s *FederatedServer) collect(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.RoundTimeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		complete := len(s.selected) > 0 && len(s.updates) >= len(s.selected)
		s.mu.Unlock()
		if complete {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-s.updateCh:
		}
	}
}

// Resume restores server state from the latest checkpoint, if any.
func (s *FederatedServer) Resume(ctx context.Context) error {
	snapshot, err := s.checkpoints.Latest(ctx)
	if errors.Is(err, ErrNoCheckpoint) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	s.mu.Lock()
	s.currentRound = snapshot.RoundNumber
	s.globalModel = snapshot.GlobalModel.Clone()
	s.clients = make(map[string]*models.ClientMetadata, len(snapshot.Clients))
	for id, meta := range snapshot.Clients {
		cp := *meta
		s.clients[id] = &cp
	}
	s.updates = make(map[string]*models.ModelUpdate)
	s.selected = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.logger.Info().Int("round", snapshot.RoundNumber).Int("clients", len(snapshot.Clients)).Msg("Resumed from checkpoint")
	return nil
}

func (s *FederatedServer) appendAudit(ctx context.Context, event models.AuditEventType, details map[string]interface{}) {
	if err := s.audit.Append(ctx, models.NewAuditEvent(event, details)); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event)).Msg("Failed to append audit event")
	}
}

// GlobalModel returns a copy of the current global weights.
func (s *FederatedServer) GlobalModel() models.Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalModel.Clone()
}

// SetGlobalModel seeds the initial global weights before the first round.
func (s *FederatedServer) SetGlobalModel(weights models.Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalModel = weights.Clone()
}

func (s *FederatedServer) CurrentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRound
}

func (s *FederatedServer) State() RoundState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SelectedClients returns the participant IDs of the open round.
func (s *FederatedServer) SelectedClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClientInfo returns a copy of a client's metadata.
func (s *FederatedServer) ClientInfo(clientID string) (*models.ClientMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, models.ErrUnknownClient
	}
	cp := *client
	return &cp, nil
}

// Clients returns a snapshot of all registered clients.
func (s *FederatedServer) Clients() []*models.ClientMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ClientMetadata, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// AuditEvents returns the most recent audit log entries.
func (s *FederatedServer) AuditEvents(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	return s.audit.Events(ctx, limit)
}

// PrivacySpent reports the accountant's cumulative spending, or zeros
// when no privacy budget is configured.
func (s *FederatedServer) PrivacySpent() (float64, float64) {
	if s.accountant == nil {
		return 0, 0
	}
	return s.accountant.Spent()
}

// MaskingAggregator exposes the secure aggregator so transports can hand
// clients their peers' public keys. Nil when secure aggregation is off.
func (s *FederatedServer) MaskingAggregator() *secureagg.SecureAggregator {
	return s.secure
}

// Config returns the immutable federation configuration.
func (s *FederatedServer) Config() models.FederationConfig {
	return s.cfg
}
