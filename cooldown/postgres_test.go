package cooldown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgresStoreTryAcquire(t *testing.T) {
	s, mock := newMockStore(t)
	window := 24 * time.Hour

	mock.ExpectExec("INSERT INTO cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID, t0, t0.Add(-window)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID, t0.Add(time.Hour), t0.Add(time.Hour-window)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.TryAcquire(context.Background(), k1, window, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquire(context.Background(), k1, window, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "conditional upsert touched no row")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTryAcquireFailsClosed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	ok, err := s.TryAcquire(context.Background(), k1, time.Hour, t0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPostgresStoreIsEligible(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT last_fired_at FROM cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT last_fired_at FROM cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID).
		WillReturnRows(pgxmock.NewRows([]string{"last_fired_at"}).AddRow(t0))

	eligible, err := s.IsEligible(context.Background(), k1, time.Hour, t0)
	require.NoError(t, err)
	assert.True(t, eligible, "never fired")

	eligible, err = s.IsEligible(context.Background(), k1, time.Hour, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, eligible)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRecordAndReset(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID, t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM cooldowns").
		WithArgs(k1.OrgID, k1.RuleID, k1.ContactID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.RecordFiring(context.Background(), k1, t0))
	require.NoError(t, s.Reset(context.Background(), k1))

	assert.NoError(t, mock.ExpectationsWereMet())
}
