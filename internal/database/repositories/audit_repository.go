package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/theblitlabs/parity-federated/internal/federation"
	"github.com/theblitlabs/parity-federated/internal/models"
)

// AuditRepository is the Postgres-backed append-only audit log. It
// satisfies federation.AuditLog.
type AuditRepository struct {
	db *sqlx.DB
}

var _ federation.AuditLog = (*AuditRepository)(nil)

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

type dbAuditEvent struct {
	ID        uuid.UUID `db:"id"`
	Event     string    `db:"event"`
	Details   []byte    `db:"details"`
	Timestamp time.Time `db:"timestamp"`
}

func (r *AuditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	params := map[string]interface{}{
		"id":        event.ID,
		"event":     string(event.Event),
		"details":   detailsJSON,
		"timestamp": event.Timestamp,
	}

	query := `
		INSERT INTO audit_events (
			id, event, details, timestamp
		) VALUES (
			:id, :event, :details, :timestamp
		)
	`

	_, err = r.db.NamedExecContext(ctx, query, params)
	return err
}

// Events returns the most recent events, newest last. limit <= 0 means
// no limit.
func (r *AuditRepository) Events(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	var rows []dbAuditEvent
	var err error
	if limit > 0 {
		query := `SELECT * FROM (
			SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1
		) recent ORDER BY timestamp ASC`
		err = r.db.SelectContext(ctx, &rows, query, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT * FROM audit_events ORDER BY timestamp ASC`)
	}
	if err != nil {
		return nil, err
	}

	events := make([]*models.AuditEvent, len(rows))
	for i, row := range rows {
		events[i] = &models.AuditEvent{
			ID:        row.ID,
			Event:     models.AuditEventType(row.Event),
			Timestamp: row.Timestamp,
		}
		if len(row.Details) > 0 {
			if err := json.Unmarshal(row.Details, &events[i].Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
	}

	return events, nil
}
