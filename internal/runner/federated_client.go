package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/theblitlabs/parity-federated/internal/config"
	"github.com/theblitlabs/parity-federated/internal/models"
	"github.com/theblitlabs/parity-federated/internal/strategies"
	"github.com/theblitlabs/parity-federated/internal/training"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

// RoundStatus mirrors the coordinator's round endpoint response.
type RoundStatus struct {
	Round    int      `json:"round"`
	State    string   `json:"state"`
	Selected []string `json:"selected,omitempty"`
}

type registerResponse struct {
	Status       string `json:"status"`
	CurrentRound int    `json:"current_round"`
	PublicKey    []byte `json:"public_key,omitempty"`
	Token        string `json:"token"`
}

type submitRequest struct {
	RoundNumber       int                           `json:"round_number"`
	NumSamples        int                           `json:"num_samples"`
	Metrics           map[string]float64            `json:"metrics,omitempty"`
	ComputationTimeMS int64                         `json:"computation_time_ms,omitempty"`
	Weights           models.Weights                `json:"weights,omitempty"`
	Shapes            map[string][2]int             `json:"shapes,omitempty"`
	Compressed        *strategies.CompressedPayload `json:"compressed,omitempty"`
}

// FederatedClient is one participating institution: it registers with
// the coordinator, waits for rounds it is selected for, trains on its
// local partition, and submits the result.
type FederatedClient struct {
	cfg        config.ClientConfig
	trainer    training.Trainer
	compressor *strategies.ModelCompressor
	optimizer  *strategies.CommunicationOptimizer
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	lastRound int
}

type ClientOption func(*FederatedClient)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *FederatedClient) { c.httpClient = httpClient }
}

func WithCompressor(compressor *strategies.ModelCompressor) ClientOption {
	return func(c *FederatedClient) { c.compressor = compressor }
}

func NewFederatedClient(cfg config.ClientConfig, trainer training.Trainer, opts ...ClientOption) (*FederatedClient, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if trainer == nil {
		return nil, fmt.Errorf("trainer is required")
	}

	c := &FederatedClient{
		cfg:        cfg,
		trainer:    trainer,
		optimizer:  strategies.NewCommunicationOptimizer(cfg.BandwidthBudget),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lastRound:  -1,
	}
	if cfg.Compression {
		compressor, err := strategies.NewModelCompressor(strategies.CompressionHybrid, cfg.CompressionRatio)
		if err != nil {
			return nil, err
		}
		c.compressor = compressor
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register enrolls the client and stores its credential. Calling it
// again refreshes the coordinator's view of the client as alive, so the
// heartbeat loop reuses it.
func (c *FederatedClient) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string]interface{}{
		"client_id":   c.cfg.ClientID,
		"institution": c.cfg.Institution,
	})
	if err != nil {
		return err
	}

	var resp registerResponse
	if err := c.post(ctx, "/clients/register", body, &resp, false); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	log := logger.WithComponent("federated_client")
	log.Info().
		Str("client_id", c.cfg.ClientID).
		Str("status", resp.Status).
		Int("round", resp.CurrentRound).
		Msg("Registered with coordinator")
	return nil
}

// Token returns the credential issued at registration.
func (c *FederatedClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// RoundInfo fetches the coordinator's current round state.
func (c *FederatedClient) RoundInfo(ctx context.Context) (*RoundStatus, error) {
	var status RoundStatus
	if err := c.get(ctx, "/rounds/current", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// FetchGlobalModel downloads the current global weights.
func (c *FederatedClient) FetchGlobalModel(ctx context.Context) (models.Weights, error) {
	var resp struct {
		Round   int            `json:"round"`
		Weights models.Weights `json:"weights"`
	}
	if err := c.get(ctx, "/model", &resp); err != nil {
		return nil, err
	}
	return resp.Weights, nil
}

// TrainRound runs one full local round: pull the global model, fit on
// the local partition, and submit the update.
func (c *FederatedClient) TrainRound(ctx context.Context, round int) error {
	log := logger.WithComponent("federated_client")

	global, err := c.FetchGlobalModel(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch global model: %w", err)
	}
	if err := c.trainer.SetWeights(global); err != nil {
		return fmt.Errorf("global model does not fit local trainer: %w", err)
	}

	features, labels := training.SyntheticPartition(c.cfg.ClientID, c.cfg.Samples, c.cfg.InputSize)

	started := time.Now()
	result, err := c.trainer.Train(ctx, features, labels, training.Options{
		Epochs:       c.cfg.Epochs,
		BatchSize:    c.cfg.BatchSize,
		LearningRate: c.cfg.LearningRate,
	})
	if err != nil {
		return fmt.Errorf("local training failed: %w", err)
	}
	elapsed := time.Since(started)

	req := submitRequest{
		RoundNumber:       round,
		NumSamples:        result.Samples,
		Metrics:           map[string]float64{"loss": result.Loss, "accuracy": result.Accuracy},
		ComputationTimeMS: elapsed.Milliseconds(),
		Shapes:            result.Shapes,
	}
	plan := c.optimizer.Plan(result.Weights)
	compressor := c.compressor
	if compressor == nil && plan.Method != "" {
		compressor, err = strategies.NewModelCompressor(plan.Method, plan.Ratio)
		if err != nil {
			return fmt.Errorf("failed to build compressor: %w", err)
		}
	}
	if compressor != nil {
		payload, err := compressor.Compress(result.Weights, result.Shapes)
		if err != nil {
			return fmt.Errorf("compression failed: %w", err)
		}
		req.Compressed = payload
	} else {
		req.Weights = result.Weights
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.post(ctx, "/rounds/updates", body, nil, true); err != nil {
		return fmt.Errorf("failed to submit update: %w", err)
	}
	c.optimizer.Record(plan.RawBytes, len(body))

	c.mu.Lock()
	c.lastRound = round
	c.mu.Unlock()

	log.Info().Int("round", round).
		Float64("loss", result.Loss).
		Float64("accuracy", result.Accuracy).
		Dur("duration", elapsed).
		Msg("Round submitted")
	return nil
}

// Run participates until the context is cancelled. Rounds are discovered
// by polling; a websocket listener may call OnRoundStart to react faster.
func (c *FederatedClient) Run(ctx context.Context) error {
	if err := c.Register(ctx); err != nil {
		return err
	}

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	log := logger.WithComponent("federated_client")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := c.Register(ctx); err != nil {
				log.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-poll.C:
			status, err := c.RoundInfo(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to poll round state")
				continue
			}
			c.maybeTrain(ctx, status.Round, status.State, status.Selected)
		}
	}
}

// OnRoundStart is the websocket push path into the same train-once logic.
func (c *FederatedClient) OnRoundStart(round int, selected []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	c.maybeTrain(ctx, round, "collecting", selected)
}

func (c *FederatedClient) maybeTrain(ctx context.Context, round int, state string, selected []string) {
	if state != "collecting" {
		return
	}
	participating := false
	for _, id := range selected {
		if id == c.cfg.ClientID {
			participating = true
			break
		}
	}
	if !participating {
		return
	}

	c.mu.Lock()
	alreadyDone := round <= c.lastRound
	c.mu.Unlock()
	if alreadyDone {
		return
	}

	if err := c.TrainRound(ctx, round); err != nil {
		log := logger.WithComponent("federated_client")
		log.Error().Err(err).Int("round", round).Msg("Round failed")
	}
}

func (c *FederatedClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out, true)
}

func (c *FederatedClient) post(ctx context.Context, path string, body []byte, out interface{}, authed bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, authed)
}

func (c *FederatedClient) do(req *http.Request, out interface{}, authed bool) error {
	if authed {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
