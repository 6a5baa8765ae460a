package outcome

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps outcomes in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	outcomes []*Outcome
	ids      map[string]bool
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool), now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, o *Outcome) error {
	if err := prepare(o, s.now().UTC()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[o.ID] {
		return fmt.Errorf("outcome %s: %w", o.ID, ErrDuplicate)
	}
	s.ids[o.ID] = true
	s.outcomes = append(s.outcomes, o.clone())
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Outcome, error) {
	s.mu.RLock()
	var matched []*Outcome
	for _, o := range s.outcomes {
		if f.matches(o) {
			matched = append(matched, o.clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].MatchedAt.Equal(matched[j].MatchedAt) {
			return matched[i].MatchedAt.After(matched[j].MatchedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if f.Offset >= len(matched) {
		return []*Outcome{}, nil
	}
	matched = matched[max(f.Offset, 0):]
	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) HasFired(_ context.Context, orgID, ruleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.outcomes {
		if o.OrgID == orgID && o.RuleID == ruleID && o.Status == StatusFired && o.Live {
			return true, nil
		}
	}
	return false, nil
}

func (f Filter) matches(o *Outcome) bool {
	switch {
	case f.OrgID != "" && o.OrgID != f.OrgID:
		return false
	case f.RuleID != "" && o.RuleID != f.RuleID:
		return false
	case f.ContactID != "" && o.ContactID != f.ContactID:
		return false
	case f.DispatchResult != "" && o.DispatchResult != f.DispatchResult:
		return false
	case f.Status != "" && o.Status != f.Status:
		return false
	case !f.From.IsZero() && o.MatchedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !o.MatchedAt.Before(f.To):
		return false
	}
	return true
}
