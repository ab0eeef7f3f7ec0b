package models

import (
	"errors"
	"fmt"
	"time"
)

type FederationMode string

const (
	FederationModeHorizontal FederationMode = "horizontal"
	FederationModeVertical   FederationMode = "vertical"
)

// BudgetPolicy decides what happens once the privacy budget is exhausted
// mid-training. There is no default; operators must choose one.
type BudgetPolicy string

const (
	// BudgetPolicyHalt stops training when the accountant reports the
	// epsilon budget as spent.
	BudgetPolicyHalt BudgetPolicy = "halt"
	// BudgetPolicyUnprotected continues training without added noise.
	// This forfeits the differential privacy guarantee.
	BudgetPolicyUnprotected BudgetPolicy = "unprotected"
)

type ClientStatus string

const (
	ClientStatusActive  ClientStatus = "active"
	ClientStatusOffline ClientStatus = "offline"
)

var (
	ErrUnknownClient       = errors.New("client not registered with federation")
	ErrStaleRound          = errors.New("update round number does not match current round")
	ErrByzantineRejected   = errors.New("update rejected as byzantine")
	ErrInsufficientClients = errors.New("not enough clients to proceed")
	ErrBudgetExhausted     = errors.New("privacy budget exhausted")
	ErrCorruptPayload      = errors.New("malformed compressed payload")
	ErrMaskedDropout       = errors.New("masked participant dropped before submitting")
)

// ClientMetadata is the server-side record of a registered client. It is
// created on registration and mutated after every round the client touches;
// records are never deleted for the lifetime of the federation.
type ClientMetadata struct {
	ClientID           string                 `json:"client_id" db:"client_id"`
	Institution        string                 `json:"institution" db:"institution"`
	Capabilities       map[string]interface{} `json:"capabilities,omitempty"`
	JoinTime           time.Time              `json:"join_time" db:"join_time"`
	LastActive         time.Time              `json:"last_active" db:"last_active"`
	TrustScore         float64                `json:"trust_score" db:"trust_score"`
	ContributionScore  float64                `json:"contribution_score" db:"contribution_score"`
	RoundsParticipated int                    `json:"rounds_participated" db:"rounds_participated"`
}

func NewClientMetadata(clientID, institution string, capabilities map[string]interface{}) *ClientMetadata {
	now := time.Now()
	return &ClientMetadata{
		ClientID:     clientID,
		Institution:  institution,
		Capabilities: capabilities,
		JoinTime:     now,
		LastActive:   now,
		TrustScore:   1.0,
	}
}

// FederationConfig is the immutable per-run configuration of a federation.
type FederationConfig struct {
	NumRounds           int            `json:"num_rounds" mapstructure:"num_rounds"`
	ClientFraction      float64        `json:"client_fraction" mapstructure:"client_fraction"`
	MinClients          int            `json:"min_clients" mapstructure:"min_clients"`
	MinAvailableClients int            `json:"min_available_clients" mapstructure:"min_available_clients"`
	PrivacyEpsilon      float64        `json:"privacy_epsilon" mapstructure:"privacy_epsilon"`
	PrivacyDelta        float64        `json:"privacy_delta" mapstructure:"privacy_delta"`
	BudgetPolicy        BudgetPolicy   `json:"budget_policy" mapstructure:"budget_policy"`
	SecureAggregation   bool           `json:"secure_aggregation" mapstructure:"secure_aggregation"`
	ByzantineRobust     bool           `json:"byzantine_robust" mapstructure:"byzantine_robust"`
	ByzantineFraction   float64        `json:"byzantine_fraction" mapstructure:"byzantine_fraction"`
	Compression         bool           `json:"compression" mapstructure:"compression"`
	Mode                FederationMode `json:"mode" mapstructure:"mode"`
	ClientTimeout       time.Duration  `json:"client_timeout" mapstructure:"client_timeout"`
	RoundTimeout        time.Duration  `json:"round_timeout" mapstructure:"round_timeout"`
	CheckpointInterval  int            `json:"checkpoint_interval" mapstructure:"checkpoint_interval"`
}

// Validate rejects configurations that cannot run. The budget policy is a
// required choice whenever a privacy budget is configured.
func (c *FederationConfig) Validate() error {
	if c.NumRounds <= 0 {
		return errors.New("num_rounds must be positive")
	}
	if c.MinClients <= 0 {
		return errors.New("min_clients must be positive")
	}
	if c.ClientFraction <= 0 || c.ClientFraction > 1 {
		return errors.New("client_fraction must be in (0, 1]")
	}
	if c.PrivacyEpsilon < 0 || c.PrivacyDelta < 0 {
		return errors.New("privacy budget must be non-negative")
	}
	if c.PrivacyEpsilon > 0 {
		switch c.BudgetPolicy {
		case BudgetPolicyHalt, BudgetPolicyUnprotected:
		default:
			return fmt.Errorf("budget_policy must be %q or %q when a privacy budget is set", BudgetPolicyHalt, BudgetPolicyUnprotected)
		}
	}
	if c.Mode != FederationModeHorizontal && c.Mode != FederationModeVertical {
		return fmt.Errorf("unknown federation mode %q", c.Mode)
	}
	if c.ByzantineRobust && (c.ByzantineFraction < 0 || c.ByzantineFraction >= 0.5) {
		return errors.New("byzantine_fraction must be in [0, 0.5)")
	}
	return nil
}

func DefaultFederationConfig() FederationConfig {
	return FederationConfig{
		NumRounds:           100,
		ClientFraction:      0.3,
		MinClients:          2,
		MinAvailableClients: 2,
		PrivacyEpsilon:      1.0,
		PrivacyDelta:        1e-5,
		BudgetPolicy:        BudgetPolicyHalt,
		ByzantineFraction:   0.2,
		Mode:                FederationModeHorizontal,
		ClientTimeout:       5 * time.Minute,
		RoundTimeout:        10 * time.Minute,
		CheckpointInterval:  10,
	}
}
