package federation

import (
	"context"
	"errors"
	"sync"

	"github.com/theblitlabs/parity-federated/internal/models"
)

var ErrNoCheckpoint = errors.New("no checkpoint available")

// CheckpointStore persists round snapshots so a federation can resume
// after a restart.
type CheckpointStore interface {
	Save(ctx context.Context, snapshot *models.CheckpointSnapshot) error
	Latest(ctx context.Context) (*models.CheckpointSnapshot, error)
}

// AuditLog is the append-only record of federation events.
type AuditLog interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Events(ctx context.Context, limit int) ([]*models.AuditEvent, error)
}

// MemoryCheckpointStore keeps snapshots in memory. It backs tests and
// single-process deployments that do not configure a database.
type MemoryCheckpointStore struct {
	mu        sync.Mutex
	snapshots []*models.CheckpointSnapshot
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{}
}

func (s *MemoryCheckpointStore) Save(_ context.Context, snapshot *models.CheckpointSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *MemoryCheckpointStore) Latest(_ context.Context) (*models.CheckpointSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil, ErrNoCheckpoint
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

func (s *MemoryCheckpointStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// MemoryAuditLog is an in-memory AuditLog.
type MemoryAuditLog struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, event *models.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns the most recent events, newest last.
func (l *MemoryAuditLog) Events(_ context.Context, limit int) ([]*models.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]*models.AuditEvent, limit)
	copy(out, l.events[len(l.events)-limit:])
	return out, nil
}
