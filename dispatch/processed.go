package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// ProcessedStore remembers which (action, event id) pairs were dispatched.
type ProcessedStore interface {
	// Claim marks the pair as dispatched. It returns false when the pair was
	// already claimed.
	Claim(ctx context.Context, action, eventID string) (bool, error)
	// Release undoes a claim after a failed dispatch.
	Release(ctx context.Context, action, eventID string) error
}

type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]bool)}
}

func (s *MemoryProcessedStore) Claim(_ context.Context, action, eventID string) (bool, error) {
	key := action + "/" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *MemoryProcessedStore) Release(_ context.Context, action, eventID string) error {
	s.mu.Lock()
	delete(s.seen, action+"/"+eventID)
	s.mu.Unlock()
	return nil
}

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresProcessedStore keeps claims in processed_dispatches.
type PostgresProcessedStore struct {
	db Execer
}

func NewPostgresProcessedStore(db Execer) *PostgresProcessedStore {
	if db == nil {
		panic("dispatch: pgx pool required")
	}
	return &PostgresProcessedStore{db: db}
}

func (s *PostgresProcessedStore) Claim(ctx context.Context, action, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_dispatches (action, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.db.Exec(ctx, query, action, eventID)
	if err != nil {
		return false, fmt.Errorf("dispatch: claim processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresProcessedStore) Release(ctx context.Context, action, eventID string) error {
	query := `DELETE FROM processed_dispatches WHERE action = $1 AND event_id = $2`
	if _, err := s.db.Exec(ctx, query, action, eventID); err != nil {
		return fmt.Errorf("dispatch: release processed: %w", err)
	}
	return nil
}
