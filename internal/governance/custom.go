package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/dedup"
)

// CustomCheck runs a named check for a custom rule.
type CustomCheck func(ctx context.Context, in Input, p Payload, rule domain.Rule) []Violation

// Registry holds the custom checks rules can refer to by name.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]CustomCheck
}

// NewRegistry creates a registry with the built-in checks.
// seen backs duplicate detection; nil disables the "duplicate" check.
func NewRegistry(seen dedup.Store) *Registry {
	r := &Registry{checks: make(map[string]CustomCheck)}
	r.Register("not_empty", notEmpty)
	r.Register("unique_items", uniqueItems)
	if seen != nil {
		r.Register("duplicate", duplicateCheck(seen))
	}
	return r
}

// Register adds or replaces a check.
func (r *Registry) Register(name string, fn CustomCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

// Get returns a check by name.
func (r *Registry) Get(name string) (CustomCheck, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.checks[name]
	return fn, ok
}

// Names returns the registered check names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for n := range r.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// notEmpty requires rule.Field to be a non-empty array.
func notEmpty(_ context.Context, _ Input, p Payload, rule domain.Rule) []Violation {
	v, ok := p.Lookup(rule.Field)
	if !ok {
		return nil
	}
	if items, isArr := v.([]any); isArr && len(items) == 0 {
		return []Violation{{Field: rule.Field, Message: rule.Field + " must not be empty"}}
	}
	return nil
}

// uniqueItems rejects repeated values of params["key"] within the array at rule.Field.
func uniqueItems(_ context.Context, _ Input, p Payload, rule domain.Rule) []Violation {
	v, ok := p.Lookup(rule.Field)
	if !ok {
		return nil
	}
	items, isArr := v.([]any)
	if !isArr {
		return nil
	}
	key := rule.Params["key"]
	seen := make(map[string]int, len(items))
	for i, item := range items {
		var id string
		if key == "" {
			id = fmt.Sprint(item)
		} else {
			text, ok := Payload{root: item}.Text(key)
			if !ok {
				continue
			}
			id = text
		}
		if first, dup := seen[id]; dup {
			return []Violation{{
				Field:   fmt.Sprintf("%s.%d", rule.Field, i),
				Message: fmt.Sprintf("Duplicate item %q (first at index %d)", id, first),
			}}
		}
		seen[id] = i
	}
	return nil
}

// duplicateCheck flags a value of rule.Field already submitted under another
// trace ID within the lifetime of the seen store. Re-evaluating the same
// trace ID does not flag itself.
func duplicateCheck(seen dedup.Store) CustomCheck {
	return func(ctx context.Context, in Input, p Payload, rule domain.Rule) []Violation {
		value, ok := p.Text(rule.Field)
		if !ok || value == "" || in.TraceID == "" {
			return nil
		}
		key := "dup:" + rule.ID + ":" + value
		owner, claimed, err := seen.Claim(ctx, key, in.TraceID)
		if err != nil {
			slog.Warn("Duplicate check unavailable", "rule", rule.ID, "error", err)
			return nil
		}
		if claimed || owner == in.TraceID {
			return nil
		}
		return []Violation{{
			Field:   rule.Field,
			Message: fmt.Sprintf("Duplicate %s %q, first seen in %s", rule.Field, value, owner),
		}}
	}
}
