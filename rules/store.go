package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

// RuleStore persists one organization's rules. Implementations return
// copies, wrap ErrRuleNotFound and ErrRuleExists, and order List results
// by creation time.
type RuleStore interface {
	Add(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]*Rule, error)
	// ListActive is the Rule Runner's read path.
	ListActive(ctx context.Context) ([]*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

// Clone returns a deep copy of the rule. Condition trees are never mutated in
// place, so the tree pointer is shared.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cp := *r
	if r.InputSources != nil {
		cp.InputSources = append([]InputSource(nil), r.InputSources...)
	}
	if r.OutputConfig != nil {
		cp.OutputConfig = deepCopyMap(r.OutputConfig)
	}
	return &cp
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Rules are copied on the way in and out.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add adds a new rule to the store and stamps CreatedAt/UpdatedAt.
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns every rule ordered by creation time.
func (s *InMemoryRuleStore) List(_ context.Context) ([]*Rule, error) {
	return s.collect(func(*Rule) bool { return true }), nil
}

// ListActive returns all active rules ordered by creation time.
func (s *InMemoryRuleStore) ListActive(_ context.Context) ([]*Rule, error) {
	return s.collect(func(r *Rule) bool { return r.Active }), nil
}

func (s *InMemoryRuleStore) collect(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if keep(rule) {
			out = append(out, rule.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces an existing rule, preserving CreatedAt.
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}
