package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps cooldowns in the cooldowns table. TryAcquire is a
// single upsert whose update only applies once the window has elapsed, so
// the row lock serializes concurrent acquirers.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	if db == nil {
		panic("cooldown: pgx pool required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) TryAcquire(ctx context.Context, k Key, window time.Duration, now time.Time) (bool, error) {
	if window < 0 {
		window = 0
	}
	query := `
		INSERT INTO cooldowns (org_id, rule_id, contact_id, last_fired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, rule_id, contact_id) DO UPDATE
		SET last_fired_at = EXCLUDED.last_fired_at
		WHERE cooldowns.last_fired_at <= $5
	`
	ct, err := s.db.Exec(ctx, query, k.OrgID, k.RuleID, k.ContactID, now.UTC(), now.Add(-window).UTC())
	if err != nil {
		return false, fmt.Errorf("%w: postgres acquire: %w", ErrUnavailable, err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) IsEligible(ctx context.Context, k Key, window time.Duration, now time.Time) (bool, error) {
	last, found, err := s.LastFired(ctx, k)
	if err != nil {
		return false, err
	}
	return Eligible(last, found, window, now), nil
}

func (s *PostgresStore) RecordFiring(ctx context.Context, k Key, now time.Time) error {
	query := `
		INSERT INTO cooldowns (org_id, rule_id, contact_id, last_fired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, rule_id, contact_id) DO UPDATE
		SET last_fired_at = EXCLUDED.last_fired_at
	`
	if _, err := s.db.Exec(ctx, query, k.OrgID, k.RuleID, k.ContactID, now.UTC()); err != nil {
		return fmt.Errorf("%w: postgres record: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context, k Key) error {
	query := `DELETE FROM cooldowns WHERE org_id = $1 AND rule_id = $2 AND contact_id = $3`
	if _, err := s.db.Exec(ctx, query, k.OrgID, k.RuleID, k.ContactID); err != nil {
		return fmt.Errorf("%w: postgres reset: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) LastFired(ctx context.Context, k Key) (time.Time, bool, error) {
	query := `SELECT last_fired_at FROM cooldowns WHERE org_id = $1 AND rule_id = $2 AND contact_id = $3`
	var last time.Time
	if err := s.db.QueryRow(ctx, query, k.OrgID, k.RuleID, k.ContactID).Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("%w: postgres get: %w", ErrUnavailable, err)
	}
	return last, true, nil
}
