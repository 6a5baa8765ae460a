package outcome

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

const outcomeColumns = `id, event_id, org_id, rule_id, contact_id, matched_at, matched_leaf_paths,
	status, dispatched_action, dispatch_result, dispatch_error, ai_rationale,
	annotation_status, live, created_at`

// dialect covers the differences between the database/sql backends.
type dialect struct {
	placeholder func(n int) string
	encodePaths func([]string) (any, error)
	scanPaths   func(*[]string) any
	encodeTime  func(time.Time) any
	scanTime    func(*time.Time) any
	isDuplicate func(error) bool
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func (s *sqlStore) Record(ctx context.Context, o *Outcome) error {
	if err := prepare(o, s.now().UTC()); err != nil {
		return err
	}
	paths, err := s.dialect.encodePaths(o.MatchedLeafPaths)
	if err != nil {
		return fmt.Errorf("failed to encode matched paths: %w", err)
	}

	ph := make([]string, 15)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	query := fmt.Sprintf(`INSERT INTO outcomes (%s) VALUES (%s)`, outcomeColumns, strings.Join(ph, ", "))

	_, err = s.db.ExecContext(ctx, query,
		o.ID, o.EventID, o.OrgID, o.RuleID, o.ContactID, s.dialect.encodeTime(o.MatchedAt), paths,
		string(o.Status), string(o.DispatchedAction), string(o.DispatchResult), o.DispatchError, o.AIRationale,
		string(o.AnnotationStatus), o.Live, s.dialect.encodeTime(o.CreatedAt),
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return fmt.Errorf("outcome %s: %w", o.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

func (s *sqlStore) Query(ctx context.Context, f Filter) ([]*Outcome, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, s.dialect.placeholder(len(args))))
	}

	if f.OrgID != "" {
		add("org_id = %s", f.OrgID)
	}
	if f.RuleID != "" {
		add("rule_id = %s", f.RuleID)
	}
	if f.ContactID != "" {
		add("contact_id = %s", f.ContactID)
	}
	if f.DispatchResult != "" {
		add("dispatch_result = %s", string(f.DispatchResult))
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if !f.From.IsZero() {
		add("matched_at >= %s", s.dialect.encodeTime(f.From.UTC()))
	}
	if !f.To.IsZero() {
		add("matched_at < %s", s.dialect.encodeTime(f.To.UTC()))
	}

	query := "SELECT " + outcomeColumns + " FROM outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), max(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY matched_at DESC, id DESC LIMIT %s OFFSET %s",
		s.dialect.placeholder(len(args)-1), s.dialect.placeholder(len(args)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	out := []*Outcome{}
	for rows.Next() {
		o, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return out, nil
}

func (s *sqlStore) scan(rows *sql.Rows) (*Outcome, error) {
	var (
		o                                  Outcome
		status, action, result, annotation string
	)
	err := rows.Scan(
		&o.ID, &o.EventID, &o.OrgID, &o.RuleID, &o.ContactID,
		s.dialect.scanTime(&o.MatchedAt), s.dialect.scanPaths(&o.MatchedLeafPaths),
		&status, &action, &result, &o.DispatchError, &o.AIRationale,
		&annotation, &o.Live, s.dialect.scanTime(&o.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outcome: %w", err)
	}
	o.Status = Status(status)
	o.DispatchedAction = rules.OutputAction(action)
	o.DispatchResult = DispatchResult(result)
	o.AnnotationStatus = AnnotationStatus(annotation)
	if o.MatchedLeafPaths == nil {
		o.MatchedLeafPaths = []string{}
	}
	return &o, nil
}

func (s *sqlStore) HasFired(ctx context.Context, orgID, ruleID string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM outcomes
			WHERE org_id = %s AND rule_id = %s AND status = %s AND live = %s
		)`,
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3), s.dialect.placeholder(4))

	var fired bool
	if err := s.db.QueryRowContext(ctx, query, orgID, ruleID, string(StatusFired), true).Scan(&fired); err != nil {
		return false, fmt.Errorf("failed to check firing history: %w", err)
	}
	return fired, nil
}
