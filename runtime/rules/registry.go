package rules

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the rule set for a run. It has a two-phase lifecycle:
// mutable while the process wires itself up, then frozen by the coordinator
// before the first batch executes. Reads are safe from any goroutine; a
// generation counter lets long-lived consumers detect late mutation.
type Registry struct {
	mu         sync.RWMutex
	rules      map[string]Rule
	writers    map[string]string // variable -> rule id owning the write
	frozen     bool
	generation uint64
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:   make(map[string]Rule),
		writers: make(map[string]string),
	}
}

// Register validates the rule, checks it against the conflict rules and adds
// it. Two rules writing the same variable conflict at registration time so
// misconfigured rule sets fail before any batch runs. The stored rule carries
// its computed fingerprint.
func (r *Registry) Register(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.rules[rule.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}
	for _, v := range rule.WriteSet() {
		if owner, ok := r.writers[v]; ok {
			return fmt.Errorf("%w: %s and %s both write %q", ErrConflictingEffects, owner, rule.ID, v)
		}
	}
	for _, v := range rule.WriteSet() {
		r.writers[v] = rule.ID
	}
	rule.Fingerprint = ComputeFingerprint(rule)
	r.rules[rule.ID] = rule
	r.generation++
	return nil
}

// Unregister removes the rule and releases its variable writes.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	rule, ok := r.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	for _, v := range rule.WriteSet() {
		if r.writers[v] == id {
			delete(r.writers, v)
		}
	}
	delete(r.rules, id)
	r.generation++
	return nil
}

// Freeze closes the registry for mutation and returns the generation at the
// freeze point. Freezing twice is a no-op.
func (r *Registry) Freeze() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	return r.generation
}

// Frozen reports whether the registry accepts mutations.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Generation returns the mutation counter. Consumers snapshot it at freeze
// time and compare later to detect unexpected change.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Rule returns the registered rule with the given id.
func (r *Registry) Rule(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Rules returns every registered rule in application order: priority
// descending, then id ascending. The order is a pure function of the rule
// set, so runs that register the same rules in any sequence apply them
// identically.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReadsByRule returns each rule's declared variable read set, including
// variables its effects write, keyed by rule id. The curriculum maps trust
// uncertainty back to variables through it.
func (r *Registry) ReadsByRule() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.rules))
	for id, rule := range r.rules {
		seen := make(map[string]struct{}, len(rule.Reads)+len(rule.Effects))
		var vars []string
		for _, v := range rule.Reads {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				vars = append(vars, v)
			}
		}
		for _, v := range rule.WriteSet() {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				vars = append(vars, v)
			}
		}
		sort.Strings(vars)
		out[id] = vars
	}
	return out
}
