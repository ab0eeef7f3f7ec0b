package models

import (
	"time"

	"github.com/google/uuid"
)

// CheckpointSnapshot captures everything needed to resume a federation
// after a crash between rounds.
type CheckpointSnapshot struct {
	ID          uuid.UUID                  `json:"id"`
	RoundNumber int                        `json:"round_number"`
	GlobalModel Weights                    `json:"global_model"`
	Clients     map[string]*ClientMetadata `json:"clients"`
	CreatedAt   time.Time                  `json:"created_at"`
}

func NewCheckpointSnapshot(round int, global Weights, clients map[string]*ClientMetadata) *CheckpointSnapshot {
	snapshot := make(map[string]*ClientMetadata, len(clients))
	for id, meta := range clients {
		cp := *meta
		snapshot[id] = &cp
	}
	return &CheckpointSnapshot{
		ID:          uuid.New(),
		RoundNumber: round,
		GlobalModel: global.Clone(),
		Clients:     snapshot,
		CreatedAt:   time.Now(),
	}
}

type AuditEventType string

const (
	AuditEventRegistration   AuditEventType = "client_registered"
	AuditEventSelection      AuditEventType = "clients_selected"
	AuditEventUpdateReceived AuditEventType = "update_received"
	AuditEventUpdateRejected AuditEventType = "update_rejected"
	AuditEventRoundComplete  AuditEventType = "round_completed"
	AuditEventRoundFailed    AuditEventType = "round_failed"
)

// AuditEvent is one record of the append-only federation audit log.
type AuditEvent struct {
	ID        uuid.UUID              `json:"id"`
	Event     AuditEventType         `json:"event"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func NewAuditEvent(event AuditEventType, details map[string]interface{}) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		Event:     event,
		Details:   details,
		Timestamp: time.Now(),
	}
}
