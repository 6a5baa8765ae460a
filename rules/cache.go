package rules

import (
	"sync"
	"time"
)

// RulesCache holds an engine's active rule set between mutations.
//
// Load returns the cached rules together with the generation they belong
// to. Store only succeeds for the generation Load reported, so a set read
// from the store before a concurrent Invalidate is never cached.
type RulesCache interface {
	Load() (rules []*Rule, generation uint64, ok bool)
	Store(rules []*Rule, generation uint64) bool
	Invalidate()
}

// InMemoryRulesCache is the default RulesCache. Rules are cloned on the way
// in and out. A positive TTL bounds staleness when another process edits
// the same rule table.
type InMemoryRulesCache struct {
	mu       sync.Mutex
	rules    []*Rule
	gen      uint64
	valid    bool
	storedAt time.Time
	ttl      time.Duration
	now      func() time.Time
}

func NewInMemoryRulesCache(ttl time.Duration) *InMemoryRulesCache {
	return &InMemoryRulesCache{ttl: ttl, now: time.Now}
}

func (c *InMemoryRulesCache) Load() ([]*Rule, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.ttl > 0 && c.now().Sub(c.storedAt) > c.ttl {
		c.valid = false
		c.rules = nil
		c.gen++
	}
	if !c.valid {
		return nil, c.gen, false
	}
	return cloneRules(c.rules), c.gen, true
}

func (c *InMemoryRulesCache) Store(rules []*Rule, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.gen {
		return false
	}
	c.rules = cloneRules(rules)
	c.storedAt = c.now()
	c.valid = true
	return true
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	c.rules = nil
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

func cloneRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
