package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/theblitlabs/parity-federated/internal/api/middleware"
	"github.com/theblitlabs/parity-federated/internal/federation"
	"github.com/theblitlabs/parity-federated/internal/models"
	"github.com/theblitlabs/parity-federated/internal/strategies"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

// FederationService is the coordinator surface the HTTP layer needs.
type FederationService interface {
	RegisterClient(ctx context.Context, clientID, institution string, capabilities map[string]interface{}) (*federation.Registration, error)
	ReceiveUpdate(ctx context.Context, update *models.ModelUpdate) error
	CurrentRound() int
	State() federation.RoundState
	SelectedClients() []string
	GlobalModel() models.Weights
	Clients() []*models.ClientMetadata
	AuditEvents(ctx context.Context, limit int) ([]*models.AuditEvent, error)
	PrivacySpent() (float64, float64)
	Config() models.FederationConfig
}

const tokenTTL = 24 * time.Hour

type FederationHandler struct {
	service   FederationService
	jwtSecret []byte
}

func NewFederationHandler(service FederationService, jwtSecret []byte) *FederationHandler {
	return &FederationHandler{service: service, jwtSecret: jwtSecret}
}

type RegisterRequest struct {
	ClientID     string                 `json:"client_id"`
	Institution  string                 `json:"institution"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
}

type RegisterResponse struct {
	*federation.Registration
	Token string `json:"token"`
}

// SubmitUpdateRequest carries one round update. Weights may arrive plain
// or as a compressed payload, never both.
type SubmitUpdateRequest struct {
	RoundNumber       int                           `json:"round_number"`
	NumSamples        int                           `json:"num_samples"`
	Metrics           map[string]float64            `json:"metrics,omitempty"`
	ComputationTimeMS int64                         `json:"computation_time_ms,omitempty"`
	Weights           models.Weights                `json:"weights,omitempty"`
	Shapes            map[string][2]int             `json:"shapes,omitempty"`
	Compressed        *strategies.CompressedPayload `json:"compressed,omitempty"`
}

type RoundResponse struct {
	Round    int                   `json:"round"`
	State    federation.RoundState `json:"state"`
	Selected []string              `json:"selected,omitempty"`
}

func (h *FederationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reg, err := h.service.RegisterClient(r.Context(), req.ClientID, req.Institution, req.Capabilities)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := middleware.IssueToken(h.jwtSecret, req.ClientID, tokenTTL)
	if err != nil {
		log := logger.WithComponent("api")
		log.Error().Err(err).Msg("Failed to issue token")
		http.Error(w, "failed to issue credential", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, RegisterResponse{Registration: reg, Token: token})
}

func (h *FederationHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RoundResponse{
		Round:    h.service.CurrentRound(),
		State:    h.service.State(),
		Selected: h.service.SelectedClients(),
	})
}

func (h *FederationHandler) SubmitUpdate(w http.ResponseWriter, r *http.Request) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req SubmitUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	weights := req.Weights
	if req.Compressed != nil {
		compressor, err := strategies.NewModelCompressor(req.Compressed.Method, 1.0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		weights, err = compressor.Decompress(req.Compressed)
		if err != nil {
			status := http.StatusBadRequest
			if !errors.Is(err, models.ErrCorruptPayload) {
				status = http.StatusInternalServerError
			}
			http.Error(w, err.Error(), status)
			return
		}
	}

	update := &models.ModelUpdate{
		ClientID:        clientID,
		RoundNumber:     req.RoundNumber,
		Weights:         weights,
		Shapes:          req.Shapes,
		Metrics:         req.Metrics,
		NumSamples:      req.NumSamples,
		ComputationTime: time.Duration(req.ComputationTimeMS) * time.Millisecond,
		Timestamp:       time.Now(),
	}

	if err := h.service.ReceiveUpdate(r.Context(), update); err != nil {
		http.Error(w, err.Error(), updateErrorStatus(err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func updateErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownClient):
		return http.StatusForbidden
	case errors.Is(err, models.ErrStaleRound):
		return http.StatusConflict
	case errors.Is(err, models.ErrByzantineRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (h *FederationHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"round":   h.service.CurrentRound(),
		"weights": h.service.GlobalModel(),
	})
}

func (h *FederationHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Clients())
}

func (h *FederationHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.service.AuditEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to load audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *FederationHandler) GetPrivacy(w http.ResponseWriter, r *http.Request) {
	spentEpsilon, spentDelta := h.service.PrivacySpent()
	cfg := h.service.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_epsilon": cfg.PrivacyEpsilon,
		"total_delta":   cfg.PrivacyDelta,
		"spent_epsilon": spentEpsilon,
		"spent_delta":   spentDelta,
		"budget_policy": cfg.BudgetPolicy,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log := logger.WithComponent("api")
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
