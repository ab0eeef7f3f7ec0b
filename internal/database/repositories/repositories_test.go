package repositories_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-federated/internal/database/repositories"
	"github.com/theblitlabs/parity-federated/internal/federation"
	"github.com/theblitlabs/parity-federated/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestCheckpointRepository(t *testing.T) {
	t.Run("save", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repositories.NewCheckpointRepository(db)

		snapshot := models.NewCheckpointSnapshot(3,
			models.Weights{"dense/kernel": {1, 2}},
			map[string]*models.ClientMetadata{
				"alice": models.NewClientMetadata("alice", "hospital-a", nil),
			},
		)

		mock.ExpectExec("INSERT INTO checkpoints").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.Save(context.Background(), snapshot)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("latest", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repositories.NewCheckpointRepository(db)

		snapshot := models.NewCheckpointSnapshot(7,
			models.Weights{"dense/kernel": {1, 2}},
			map[string]*models.ClientMetadata{
				"alice": models.NewClientMetadata("alice", "hospital-a", nil),
			},
		)
		modelJSON, err := json.Marshal(snapshot.GlobalModel)
		require.NoError(t, err)
		clientsJSON, err := json.Marshal(snapshot.Clients)
		require.NoError(t, err)

		rows := sqlmock.NewRows([]string{"id", "round_number", "global_model", "clients", "created_at"}).
			AddRow(snapshot.ID, snapshot.RoundNumber, modelJSON, clientsJSON, snapshot.CreatedAt)
		mock.ExpectQuery("SELECT \\* FROM checkpoints ORDER BY round_number DESC").
			WillReturnRows(rows)

		loaded, err := repo.Latest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, loaded.RoundNumber)
		assert.Equal(t, snapshot.GlobalModel, loaded.GlobalModel)
		assert.Equal(t, "hospital-a", loaded.Clients["alice"].Institution)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("latest_empty", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repositories.NewCheckpointRepository(db)

		mock.ExpectQuery("SELECT \\* FROM checkpoints").
			WillReturnRows(sqlmock.NewRows([]string{"id", "round_number", "global_model", "clients", "created_at"}))

		_, err := repo.Latest(context.Background())
		assert.ErrorIs(t, err, federation.ErrNoCheckpoint)
	})
}

func TestAuditRepository(t *testing.T) {
	t.Run("append", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repositories.NewAuditRepository(db)

		event := models.NewAuditEvent(models.AuditEventRoundComplete, map[string]interface{}{"round": 3})

		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.Append(context.Background(), event)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("events_with_limit", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repositories.NewAuditRepository(db)

		event := models.NewAuditEvent(models.AuditEventSelection, map[string]interface{}{"round": float64(1)})
		detailsJSON, err := json.Marshal(event.Details)
		require.NoError(t, err)

		rows := sqlmock.NewRows([]string{"id", "event", "details", "timestamp"}).
			AddRow(event.ID, string(event.Event), detailsJSON, time.Now())
		mock.ExpectQuery("SELECT \\* FROM").
			WithArgs(10).
			WillReturnRows(rows)

		events, err := repo.Events(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.AuditEventSelection, events[0].Event)
		assert.Equal(t, float64(1), events[0].Details["round"])
	})
}
