package trigger

import (
	"strings"
	"sync"
	"time"
)

// Policy gates rules before and after evaluation.
//
// PreFilter runs before a rule is marked dirty or evaluated. PostFilter
// runs once per positive candidate and decides whether it counts; key is
// ConditionResult.Key() of the verdict.
type Policy interface {
	PreFilter(rule *Rule) bool
	PostFilter(ruleID, key string, result bool) bool
}

// CooldownPolicy admits enabled rules and suppresses repeat positives for
// the same rule and key within the cooldown.
type CooldownPolicy struct {
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownPolicy creates a policy. A zero cooldown only checks Enabled.
func NewCooldownPolicy(cooldown time.Duration) *CooldownPolicy {
	return &CooldownPolicy{
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// PreFilter implements Policy.
func (p *CooldownPolicy) PreFilter(rule *Rule) bool {
	return rule != nil && rule.Enabled
}

// PostFilter implements Policy.
func (p *CooldownPolicy) PostFilter(ruleID, key string, result bool) bool {
	if !result {
		return false
	}
	if p.cooldown <= 0 {
		return true
	}

	k := ruleID + "|" + key
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.last[k]; ok && now.Sub(t) < p.cooldown {
		return false
	}
	p.last[k] = now
	return true
}

// Forget drops cooldown state for a rule.
func (p *CooldownPolicy) Forget(ruleID string) {
	prefix := ruleID + "|"
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.last {
		if strings.HasPrefix(k, prefix) {
			delete(p.last, k)
		}
	}
}
