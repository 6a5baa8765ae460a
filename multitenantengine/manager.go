package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

// ErrOrgNotFound is returned when no engine is loaded for an organization.
var ErrOrgNotFound = errors.New("organization not found")

// Schema describes an organization's signal snapshot:
// category -> field -> type (number, string, bool, list, map).
type Schema map[string]map[string]string

// OrgEngine wraps a rules.Engine with organization metadata.
type OrgEngine struct {
	OrgID   string
	Name    string
	Schema  Schema
	Derived []rules.DerivedField
	Engine  *rules.Engine
}

// Option configures a Manager.
type Option func(*Manager)

// WithStoreFactory overrides how rule stores are created for new organizations.
func WithStoreFactory(f func(orgID string) rules.RuleStore) Option {
	return func(m *Manager) { m.newStore = f }
}

// WithEngineHook runs f on every engine the manager builds, before it is
// published. Used to install firing history and config validation.
func WithEngineHook(f func(*rules.Engine)) Option {
	return func(m *Manager) { m.configure = f }
}

// Manager owns one engine per organization. Without a database everything
// lives in memory.
type Manager struct {
	engines   map[string]*OrgEngine
	db        *sql.DB
	newStore  func(orgID string) rules.RuleStore
	configure func(*rules.Engine)
	mu        sync.RWMutex
}

// NewManager creates a new manager instance. db may be nil.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		engines: make(map[string]*OrgEngine),
		db:      db,
	}
	if db != nil {
		m.newStore = func(orgID string) rules.RuleStore { return rules.NewPostgresRuleStore(db, orgID) }
	} else {
		m.newStore = func(string) rules.RuleStore { return rules.NewInMemoryRuleStore() }
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCELEnvFromSchema creates a CEL environment with one dynamic variable
// per signal category, for derived field expressions.
func CreateCELEnvFromSchema(schema Schema) (*cel.Env, error) {
	var opts []cel.EnvOption

	for category := range schema {
		opts = append(opts, cel.Variable(category, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return env, nil
}

// LoadAllOrgs loads every organization with an active schema from the
// database and initializes its engine.
func (m *Manager) LoadAllOrgs(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT o.id, o.name, s.definition, s.derived
		FROM orgs o
		JOIN schemas s ON s.org_id = o.id
		WHERE s.active = true
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch orgs: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			orgID, name             string
			schemaJSON, derivedJSON []byte
		)
		if err := rows.Scan(&orgID, &name, &schemaJSON, &derivedJSON); err != nil {
			return fmt.Errorf("failed to scan org row: %w", err)
		}

		var schema Schema
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return fmt.Errorf("invalid schema for org %s: %w", orgID, err)
		}
		var derived []rules.DerivedField
		if len(derivedJSON) > 0 {
			if err := json.Unmarshal(derivedJSON, &derived); err != nil {
				return fmt.Errorf("invalid derived fields for org %s: %w", orgID, err)
			}
		}

		if err := m.RegisterOrg(orgID, name, schema, derived); err != nil {
			return fmt.Errorf("failed to initialize org %s: %w", orgID, err)
		}
		loaded++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating org rows: %w", err)
	}

	logger.Info("Loaded organizations", "count", loaded)
	return nil
}

// CreateOrg validates the schema, persists a new organization with schema
// version 1 and loads its engine. It returns the generated org id.
func (m *Manager) CreateOrg(ctx context.Context, name string, schema Schema, derived []rules.DerivedField) (string, error) {
	if err := ValidateSchema(schema); err != nil {
		return "", err
	}
	if err := ValidateDerived(derived); err != nil {
		return "", err
	}

	orgID := uuid.Must(uuid.NewV7()).String()
	engine, err := m.buildEngine(orgID, schema, derived, nil)
	if err != nil {
		return "", err
	}

	if m.db != nil {
		if err := m.insertOrg(ctx, orgID, name, schema, derived); err != nil {
			return "", err
		}
	}

	m.publish(&OrgEngine{OrgID: orgID, Name: name, Schema: schema, Derived: derived, Engine: engine})
	logger.Info("Organization created", "org_id", orgID, "categories", len(schema), "derived", len(derived))
	return orgID, nil
}

func (m *Manager) insertOrg(ctx context.Context, orgID, name string, schema Schema, derived []rules.DerivedField) error {
	schemaJSON, derivedJSON, err := encodeDefinition(schema, derived)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO orgs (id, name) VALUES ($1, $2)`, orgID, name); err != nil {
		return fmt.Errorf("failed to insert org: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schemas (org_id, version, definition, derived, active, created_at)
		VALUES ($1, 1, $2, $3, true, NOW())
	`, orgID, schemaJSON, derivedJSON); err != nil {
		return fmt.Errorf("failed to insert schema: %w", err)
	}
	return tx.Commit()
}

// RegisterOrg builds and publishes an engine for an organization that is
// already persisted (or lives only in memory).
func (m *Manager) RegisterOrg(orgID, name string, schema Schema, derived []rules.DerivedField) error {
	engine, err := m.buildEngine(orgID, schema, derived, nil)
	if err != nil {
		return err
	}
	m.publish(&OrgEngine{OrgID: orgID, Name: name, Schema: schema, Derived: derived, Engine: engine})
	return nil
}

func (m *Manager) buildEngine(orgID string, schema Schema, derived []rules.DerivedField, store rules.RuleStore) (*rules.Engine, error) {
	env, err := CreateCELEnvFromSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	if store == nil {
		store = m.newStore(orgID)
	}
	engine, err := rules.NewEngineWithEnv(orgID, env, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.SetDerivedFields(derived); err != nil {
		return nil, err
	}
	if m.configure != nil {
		m.configure(engine)
	}
	return engine, nil
}

func (m *Manager) publish(oe *OrgEngine) {
	m.mu.Lock()
	m.engines[oe.OrgID] = oe
	m.mu.Unlock()
}

// GetEngine retrieves the engine for a specific organization
func (m *Manager) GetEngine(orgID string) (*rules.Engine, error) {
	oe, err := m.GetOrg(orgID)
	if err != nil {
		return nil, err
	}
	return oe.Engine, nil
}

// GetOrg returns the loaded organization.
func (m *Manager) GetOrg(orgID string) (*OrgEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	oe, exists := m.engines[orgID]
	if !exists {
		return nil, fmt.Errorf("org %s: %w", orgID, ErrOrgNotFound)
	}
	return oe, nil
}

// UpdateOrgSchema stores a new schema version and swaps in a freshly built
// engine. Evaluations already holding the old engine finish against it.
func (m *Manager) UpdateOrgSchema(ctx context.Context, orgID string, schema Schema, derived []rules.DerivedField) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	if err := ValidateDerived(derived); err != nil {
		return err
	}

	existing, err := m.GetOrg(orgID)
	if err != nil {
		return err
	}

	engine, err := m.buildEngine(orgID, schema, derived, existing.Engine.Store())
	if err != nil {
		return err
	}

	var version int
	if m.db != nil {
		version, err = m.saveSchemaVersion(ctx, orgID, schema, derived)
		if err != nil {
			return err
		}
	}

	m.publish(&OrgEngine{OrgID: orgID, Name: existing.Name, Schema: schema, Derived: derived, Engine: engine})
	logger.Info("Organization schema updated", "org_id", orgID, "version", version, "derived", len(derived))
	return nil
}

func (m *Manager) saveSchemaVersion(ctx context.Context, orgID string, schema Schema, derived []rules.DerivedField) (int, error) {
	schemaJSON, derivedJSON, err := encodeDefinition(schema, derived)
	if err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE schemas
		SET active = false
		WHERE org_id = $1
	`, orgID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO schemas (org_id, version, definition, derived, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, true, NOW()
		FROM schemas
		WHERE org_id = $1
		RETURNING version
	`, orgID, schemaJSON, derivedJSON).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return version, nil
}

func encodeDefinition(schema Schema, derived []rules.DerivedField) ([]byte, []byte, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	if derived == nil {
		derived = []rules.DerivedField{}
	}
	derivedJSON, err := json.Marshal(derived)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal derived fields: %w", err)
	}
	return schemaJSON, derivedJSON, nil
}

// ListOrgs returns all loaded organization IDs, sorted.
func (m *Manager) ListOrgs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orgs := make([]string, 0, len(m.engines))
	for orgID := range m.engines {
		orgs = append(orgs, orgID)
	}
	sort.Strings(orgs)
	return orgs
}

// UnloadOrg removes an organization's engine from memory.
// Note: This does not delete the organization from the database.
func (m *Manager) UnloadOrg(orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[orgID]; !exists {
		return fmt.Errorf("org %s: %w", orgID, ErrOrgNotFound)
	}

	delete(m.engines, orgID)
	return nil
}
