package rules

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// DerivedPrefix is the top-level snapshot key derived signals are stored under.
const DerivedPrefix = "derived"

// derivedCostLimit bounds the runtime cost of a single derived expression.
const derivedCostLimit = 1000000

var derivedNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)

// FiringHistory reports whether a rule has ever produced a firing. The engine
// uses it to turn deletes of fired rules into deactivations.
type FiringHistory interface {
	HasFired(ctx context.Context, orgID, ruleID string) (bool, error)
}

// ConfigValidator checks a rule's output_config against its action handler.
type ConfigValidator interface {
	ValidateConfig(action OutputAction, config map[string]any) error
}

type derivedProgram struct {
	field DerivedField
	prog  cel.Program
}

// Engine owns one organization's rule set: validation on save, the active
// rules cache, derived signal programs and evaluation.
type Engine struct {
	orgID     string
	env       *cel.Env
	store     RuleStore
	cache     RulesCache
	history   FiringHistory
	validator ConfigValidator
	derived   []derivedProgram
	mu        sync.RWMutex
}

// NewEngine creates an engine with an empty CEL environment. Derived fields
// need NewEngineWithEnv and an environment declaring the snapshot keys.
func NewEngine(orgID string, store RuleStore) (*Engine, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return NewEngineWithEnv(orgID, env, store)
}

// NewEngineWithEnv creates an engine with a custom CEL environment so each
// organization can declare its own signal categories.
func NewEngineWithEnv(orgID string, env *cel.Env, store RuleStore) (*Engine, error) {
	en := &Engine{
		orgID: orgID,
		env:   env,
		store: store,
		cache: NewInMemoryRulesCache(0),
	}

	if _, err := en.ActiveRules(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return en, nil
}

// OrgID returns the organization the engine serves.
func (en *Engine) OrgID() string { return en.orgID }

// Store returns the underlying rule store.
func (en *Engine) Store() RuleStore { return en.store }

// SetFiringHistory installs the history consulted by DeleteRule.
func (en *Engine) SetFiringHistory(h FiringHistory) {
	en.mu.Lock()
	en.history = h
	en.mu.Unlock()
}

// SetConfigValidator installs the output_config validator used on save.
func (en *Engine) SetConfigValidator(v ConfigValidator) {
	en.mu.Lock()
	en.validator = v
	en.mu.Unlock()
}

// SetCache replaces the active rules cache, e.g. with one that has a TTL.
func (en *Engine) SetCache(c RulesCache) {
	en.mu.Lock()
	en.cache = c
	en.mu.Unlock()
}

// CompileDerived compiles a derived field expression with a cost limit.
func (en *Engine) CompileDerived(field DerivedField) (cel.Program, error) {
	if !derivedNamePattern.MatchString(field.Name) {
		return nil, invalid("derived."+field.Name, "invalid derived field name")
	}
	ast, issues := en.env.Compile(field.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, invalid("derived."+field.Name, "compile error: %v", issues.Err())
	}
	prog, err := en.env.Program(ast, cel.CostLimit(derivedCostLimit))
	if err != nil {
		return nil, invalid("derived."+field.Name, "program creation error: %v", err)
	}
	return prog, nil
}

// SetDerivedFields compiles every field and replaces the current set. Nothing
// changes when any field fails to compile.
func (en *Engine) SetDerivedFields(fields []DerivedField) error {
	compiled := make([]derivedProgram, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Name] {
			return invalid("derived."+f.Name, "duplicate derived field")
		}
		seen[f.Name] = true
		prog, err := en.CompileDerived(f)
		if err != nil {
			return err
		}
		compiled = append(compiled, derivedProgram{field: f, prog: prog})
	}

	en.mu.Lock()
	en.derived = compiled
	en.mu.Unlock()
	return nil
}

// DerivedFields returns the current derived field definitions.
func (en *Engine) DerivedFields() []DerivedField {
	en.mu.RLock()
	defer en.mu.RUnlock()

	out := make([]DerivedField, len(en.derived))
	for i, d := range en.derived {
		out[i] = d.field
	}
	return out
}

// PrepareSnapshot returns a new snapshot with every derived field computed
// under derived.<name>. Fields whose expression fails are left missing.
// Derived values already present in s are kept unless a computed field of
// the same name replaces them.
func (en *Engine) PrepareSnapshot(s Snapshot) Snapshot {
	en.mu.RLock()
	derived := en.derived
	en.mu.RUnlock()

	if len(derived) == 0 {
		return s
	}

	vars := s.Map()
	if vars == nil {
		vars = map[string]any{}
	}
	values := make(map[string]any, len(derived))
	if upstream, ok := vars[DerivedPrefix].(map[string]any); ok {
		for name, v := range upstream {
			values[name] = v
		}
	}
	for _, d := range derived {
		out, _, err := d.prog.Eval(vars)
		if err != nil {
			continue
		}
		if v, ok := nativeDerived(out.Value(), out.ConvertToNative); ok {
			values[d.field.Name] = v
		}
	}
	return s.With(DerivedPrefix, values)
}

func nativeDerived(v any, convert func(reflect.Type) (any, error)) (any, bool) {
	if val, ok := classify(v); ok {
		return val.Interface(), true
	}
	list, err := convert(reflect.TypeOf([]string{}))
	if err != nil {
		return nil, false
	}
	return list, true
}

// prepareRule fills defaults and validates a rule before it is saved.
func (en *Engine) prepareRule(r *Rule) error {
	if r.OrgID == "" {
		r.OrgID = en.orgID
	}
	if r.OrgID != en.orgID {
		return invalid("org_id", "rule belongs to %q, not %q", r.OrgID, en.orgID)
	}
	if err := ValidateRule(r); err != nil {
		return err
	}

	en.mu.RLock()
	v := en.validator
	en.mu.RUnlock()
	if v != nil {
		if err := v.ValidateConfig(r.OutputAction, r.OutputConfig); err != nil {
			return &ValidationError{Path: "output_config", Reason: err.Error()}
		}
	}
	return nil
}

// AddRule validates and stores a new rule. A rule without an ID gets a
// time-ordered UUID.
func (en *Engine) AddRule(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := en.prepareRule(r); err != nil {
		return err
	}
	if err := en.store.Add(ctx, r); err != nil {
		return err
	}

	en.invalidate()
	return nil
}

// UpdateRule revalidates and replaces an existing rule.
func (en *Engine) UpdateRule(ctx context.Context, r *Rule) error {
	if err := en.prepareRule(r); err != nil {
		return err
	}
	if err := en.store.Update(ctx, r); err != nil {
		return err
	}

	en.invalidate()
	return nil
}

// SetActive activates or deactivates a rule and returns the stored result.
func (en *Engine) SetActive(ctx context.Context, id string, active bool) (*Rule, error) {
	r, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Active == active {
		return r, nil
	}
	r.Active = active
	if err := en.store.Update(ctx, r); err != nil {
		return nil, err
	}

	en.invalidate()
	return r, nil
}

// DeleteRule removes a rule that has never fired. A rule with firing history
// is deactivated instead and deactivated is true.
func (en *Engine) DeleteRule(ctx context.Context, id string) (deactivated bool, err error) {
	en.mu.RLock()
	history := en.history
	en.mu.RUnlock()

	if history != nil {
		fired, err := history.HasFired(ctx, en.orgID, id)
		if err != nil {
			return false, fmt.Errorf("failed to check firing history: %w", err)
		}
		if fired {
			if _, err := en.SetActive(ctx, id, false); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	if err := en.store.Delete(ctx, id); err != nil {
		return false, err
	}

	en.invalidate()
	return false, nil
}

// GetRule returns a rule by ID.
func (en *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return en.store.Get(ctx, id)
}

// ListRules returns every rule, active or not.
func (en *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return en.store.List(ctx)
}

// ActiveRules returns a private copy of the active rule set. The cache is
// consulted first so batch runs do not hit the store every cycle.
func (en *Engine) ActiveRules(ctx context.Context) ([]*Rule, error) {
	en.mu.RLock()
	cache := en.cache
	en.mu.RUnlock()

	rules, gen, ok := cache.Load()
	if ok {
		return rules, nil
	}

	rules, err := en.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	cache.Store(rules, gen)
	return rules, nil
}

func (en *Engine) invalidate() {
	en.mu.RLock()
	cache := en.cache
	en.mu.RUnlock()
	cache.Invalidate()
}

// Evaluate evaluates a single stored rule against a snapshot. Derived fields
// are computed first.
func (en *Engine) Evaluate(ctx context.Context, ruleID string, s Snapshot) (*EvaluationResult, error) {
	rule, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	result := EvaluateRule(rule, en.PrepareSnapshot(s))
	return result, result.Error
}

// EvaluateAll evaluates all active rules against the snapshot. A failing
// rule is reported in its own result and does not stop the others.
func (en *Engine) EvaluateAll(ctx context.Context, s Snapshot) ([]*EvaluationResult, error) {
	rules, err := en.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	prepared := en.PrepareSnapshot(s)
	results := make([]*EvaluationResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, EvaluateRule(rule, prepared))
	}
	return results, nil
}

// ErrEvaluationPanic wraps a panic recovered during evaluation.
var ErrEvaluationPanic = errors.New("evaluation panicked")

// EvaluateRule evaluates one rule against an already prepared snapshot.
// Panics are recovered into the result's Error.
func EvaluateRule(rule *Rule, s Snapshot) (result *EvaluationResult) {
	result = &EvaluationResult{RuleID: rule.ID, RuleName: rule.Name}
	defer func() {
		if r := recover(); r != nil {
			result.Matched = false
			result.MatchedPaths = nil
			result.Trace = nil
			result.Error = fmt.Errorf("%w: %v", ErrEvaluationPanic, r)
		}
	}()

	tr, err := EvaluateTrace(rule.Condition, s)
	if err != nil {
		result.Error = err
		return result
	}
	result.Matched = tr.Matched
	result.MatchedPaths = tr.MatchedPaths()
	result.Trace = tr
	return result
}
