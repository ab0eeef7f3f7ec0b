package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/theblitlabs/parity-federated/internal/federation"
	"github.com/theblitlabs/parity-federated/internal/models"
)

// CheckpointRepository persists round snapshots to Postgres. It satisfies
// federation.CheckpointStore.
type CheckpointRepository struct {
	db *sqlx.DB
}

var _ federation.CheckpointStore = (*CheckpointRepository)(nil)

func NewCheckpointRepository(db *sqlx.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

type dbCheckpoint struct {
	ID          uuid.UUID `db:"id"`
	RoundNumber int       `db:"round_number"`
	GlobalModel []byte    `db:"global_model"`
	Clients     []byte    `db:"clients"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *CheckpointRepository) Save(ctx context.Context, snapshot *models.CheckpointSnapshot) error {
	modelJSON, err := json.Marshal(snapshot.GlobalModel)
	if err != nil {
		return fmt.Errorf("failed to marshal global model: %w", err)
	}
	clientsJSON, err := json.Marshal(snapshot.Clients)
	if err != nil {
		return fmt.Errorf("failed to marshal clients: %w", err)
	}

	params := map[string]interface{}{
		"id":           snapshot.ID,
		"round_number": snapshot.RoundNumber,
		"global_model": modelJSON,
		"clients":      clientsJSON,
		"created_at":   snapshot.CreatedAt,
	}

	query := `
		INSERT INTO checkpoints (
			id, round_number, global_model, clients, created_at
		) VALUES (
			:id, :round_number, :global_model, :clients, :created_at
		)
	`

	_, err = r.db.NamedExecContext(ctx, query, params)
	return err
}

func (r *CheckpointRepository) Latest(ctx context.Context) (*models.CheckpointSnapshot, error) {
	var row dbCheckpoint
	query := `SELECT * FROM checkpoints ORDER BY round_number DESC, created_at DESC LIMIT 1`

	err := r.db.GetContext(ctx, &row, query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, federation.ErrNoCheckpoint
		}
		return nil, err
	}

	snapshot := &models.CheckpointSnapshot{
		ID:          row.ID,
		RoundNumber: row.RoundNumber,
		CreatedAt:   row.CreatedAt,
	}
	if err := json.Unmarshal(row.GlobalModel, &snapshot.GlobalModel); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global model: %w", err)
	}
	if err := json.Unmarshal(row.Clients, &snapshot.Clients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clients: %w", err)
	}

	return snapshot, nil
}

// Prune deletes all but the newest keep checkpoints.
func (r *CheckpointRepository) Prune(ctx context.Context, keep int) error {
	query := `
		DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY round_number DESC, created_at DESC LIMIT $1
		)
	`
	_, err := r.db.ExecContext(ctx, query, keep)
	return err
}
