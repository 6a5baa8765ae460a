package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db    *sql.DB
	orgID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific organization
func NewPostgresRuleStore(db *sql.DB, orgID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:    db,
		orgID: orgID,
	}
}

const ruleColumns = `id, org_id, name, description, category, input_sources, condition,
	ai_annotation_enabled, ai_context, output_action, output_config, cooldown_hours,
	active, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r            Rule
		sources      []string
		conditionRaw []byte
		configRaw    []byte
		cooldown     int64
	)
	if err := row.Scan(
		&r.ID,
		&r.OrgID,
		&r.Name,
		&r.Description,
		&r.Category,
		pq.Array(&sources),
		&conditionRaw,
		&r.AIAnnotationEnabled,
		&r.AIContext,
		&r.OutputAction,
		&configRaw,
		&cooldown,
		&r.Active,
		&r.CreatedBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	for _, s := range sources {
		r.InputSources = append(r.InputSources, InputSource(s))
	}
	cond, err := ParseCondition(conditionRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode condition for rule %s: %w", r.ID, err)
	}
	r.Condition = cond
	if len(configRaw) > 0 && string(configRaw) != "null" {
		if err := json.Unmarshal(configRaw, &r.OutputConfig); err != nil {
			return nil, fmt.Errorf("failed to decode output config for rule %s: %w", r.ID, err)
		}
	}
	r.CooldownHours = uint32(cooldown)
	return &r, nil
}

func encodeRule(rule *Rule) (sources []string, condition, config []byte, err error) {
	for _, s := range rule.InputSources {
		sources = append(sources, string(s))
	}
	if sources == nil {
		sources = []string{}
	}
	condition, err = json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode condition: %w", err)
	}
	config, err = json.Marshal(rule.OutputConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode output config: %w", err)
	}
	return sources, condition, config, nil
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND org_id = $2)
	`, rule.ID, s.orgID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	sources, condition, config, err := encodeRule(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, rule.ID, s.orgID, rule.Name, rule.Description, string(rule.Category), pq.Array(sources),
		condition, rule.AIAnnotationEnabled, rule.AIContext, string(rule.OutputAction), config,
		int64(rule.CooldownHours), rule.Active, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND org_id = $2
	`, id, s.orgID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule for the organization
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE org_id = $1
		ORDER BY created_at ASC, id ASC
	`)
}

// ListActive returns all active rules for the organization
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE org_id = $1 AND active = true
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(ctx context.Context, q string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, s.orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	sources, condition, config, err := encodeRule(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, category = $3, input_sources = $4, condition = $5,
			ai_annotation_enabled = $6, ai_context = $7, output_action = $8, output_config = $9,
			cooldown_hours = $10, active = $11, updated_at = $12
		WHERE id = $13 AND org_id = $14
	`, rule.Name, rule.Description, string(rule.Category), pq.Array(sources), condition,
		rule.AIAnnotationEnabled, rule.AIContext, string(rule.OutputAction), config,
		int64(rule.CooldownHours), rule.Active, rule.UpdatedAt, rule.ID, s.orgID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rules
		WHERE id = $1 AND org_id = $2
	`, id, s.orgID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	return nil
}
