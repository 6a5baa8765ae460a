package outcome

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore writes outcomes to the outcomes table created by the
// migrations.
type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{
		db:  db,
		now: time.Now,
		dialect: dialect{
			placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
			encodePaths: func(p []string) (any, error) { return pq.Array(p), nil },
			scanPaths:   func(p *[]string) any { return pq.Array(p) },
			encodeTime:  func(t time.Time) any { return t },
			scanTime:    func(t *time.Time) any { return t },
			isDuplicate: func(err error) bool {
				var pqErr *pq.Error
				return errors.As(err, &pqErr) && pqErr.Code == "23505"
			},
		},
	}}
}
