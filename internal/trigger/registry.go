package trigger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry provides rule management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Rule
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a new rule registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Rule),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all rules from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	rules, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Rule, len(rules))
	for i := range rules {
		r.cache[rules[i].ID] = rules[i].DeepCopy()
	}

	r.logger.Info("rule cache refreshed", "count", len(rules))
	return nil
}

// GetRule retrieves a rule by ID. The returned rule is a deep copy.
func (r *Registry) GetRule(_ context.Context, id string) (*Rule, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	return nil, ErrRuleNotFound
}

// ListRules returns deep copies of every cached rule sorted by name.
func (r *Registry) ListRules(_ context.Context) ([]Rule, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	rules := make([]Rule, 0, len(r.cache))
	for _, rule := range r.cache {
		rules = append(rules, *rule.DeepCopy())
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// CreateRule validates, persists, and caches a new rule.
func (r *Registry) CreateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = GenerateID()
	}
	applyDefaults(rule)

	if err := ValidateRule(rule); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, rule); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rule.ID] = rule.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	return nil
}

// UpdateRule validates, persists, and updates the cached rule.
func (r *Registry) UpdateRule(ctx context.Context, rule *Rule) error {
	applyDefaults(rule)
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, rule); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if prev, ok := r.cache[rule.ID]; ok {
		rule.CreatedAt = prev.CreatedAt
	}
	r.cache[rule.ID] = rule.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("rule updated", "rule_id", rule.ID, "name", rule.Name)
	return nil
}

// DeleteRule removes a rule from persistence and cache.
func (r *Registry) DeleteRule(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("rule deleted", "rule_id", id)
	return nil
}

// GetRuleCount returns the number of cached rules.
func (r *Registry) GetRuleCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// rulesFile is the on-disk shape of a rules seed file.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile parses a YAML rules file. Rules without an explicit
// enabled key default to enabled.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var raw struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	rules := make([]Rule, 0, len(raw.Rules))
	for i := range raw.Rules {
		rule := Rule{Enabled: true}
		if err := raw.Rules[i].Decode(&rule); err != nil {
			return nil, fmt.Errorf("parsing rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Import creates or updates each rule. Rules with an ID already present
// are updated in place; the rest are created.
func (r *Registry) Import(ctx context.Context, rules []Rule) (created, updated int, err error) {
	for i := range rules {
		rule := rules[i].DeepCopy()

		if rule.ID != "" {
			if _, getErr := r.GetRule(ctx, rule.ID); getErr == nil {
				if err := r.UpdateRule(ctx, rule); err != nil {
					return created, updated, fmt.Errorf("updating rule %q: %w", rule.Name, err)
				}
				updated++
				continue
			} else if !errors.Is(getErr, ErrRuleNotFound) {
				return created, updated, getErr
			}
		}

		if err := r.CreateRule(ctx, rule); err != nil {
			return created, updated, fmt.Errorf("creating rule %q: %w", rule.Name, err)
		}
		created++
	}
	return created, updated, nil
}

// ExportRules marshals rules into the seed file format.
func ExportRules(rules []Rule) ([]byte, error) {
	data, err := yaml.Marshal(rulesFile{Rules: rules})
	if err != nil {
		return nil, fmt.Errorf("marshalling rules: %w", err)
	}
	return data, nil
}
