package governance

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/telemetry/metrics"
)

// Snapshot is an immutable, versioned rule set. Readers hold on to the
// snapshot they started with; a Replace never mutates it.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Rules    []domain.Rule
	Policies []domain.Policy

	compiled []*compiledRule
}

// Rule returns a rule by ID.
func (s *Snapshot) Rule(id string) (domain.Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Rule{}, false
}

// RuleStats is the trigger history of one rule.
type RuleStats struct {
	Count         int64      `json:"trigger_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// RuleView is a rule with its trigger history.
type RuleView struct {
	domain.Rule
	RuleStats
}

// Store publishes the process-wide rule set. Counters live outside the
// snapshot so they survive rule set replacement.
type Store struct {
	current  atomic.Pointer[Snapshot]
	registry *Registry

	mu    sync.Mutex
	stats map[string]*RuleStats

	now func() time.Time
}

// NewStore creates a store holding an empty version 0 rule set.
func NewStore(registry *Registry) *Store {
	s := &Store{
		registry: registry,
		stats:    make(map[string]*RuleStats),
		now:      time.Now,
	}
	s.current.Store(&Snapshot{LoadedAt: s.now()})
	return s
}

// CurrentSnapshot returns the active rule set.
func (s *Store) CurrentSnapshot() *Snapshot {
	return s.current.Load()
}

// Registry returns the custom check registry used for compilation.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Compile validates rules and policies without publishing them.
func (s *Store) Compile(rules []domain.Rule, policies []domain.Policy) (*Snapshot, error) {
	snap := &Snapshot{
		Rules:    append([]domain.Rule(nil), rules...),
		Policies: append([]domain.Policy(nil), policies...),
	}

	ids := make(map[string]bool, len(rules))
	for _, r := range rules {
		if ids[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		ids[r.ID] = true

		c, err := compileRule(r, s.registry)
		if err != nil {
			return nil, err
		}
		snap.compiled = append(snap.compiled, c)
	}

	for _, p := range policies {
		for _, id := range p.Rules {
			if !ids[id] {
				return nil, fmt.Errorf("%w: policy %s references unknown rule %q", ErrInvalidRule, p.ID, id)
			}
		}
	}
	return snap, nil
}

// Replace compiles the rule set and swaps it in as a whole. On error the
// active snapshot is left untouched.
func (s *Store) Replace(rules []domain.Rule, policies []domain.Policy) (*Snapshot, error) {
	snap, err := s.Compile(rules, policies)
	if err != nil {
		return nil, err
	}
	snap.LoadedAt = s.now()

	for {
		old := s.current.Load()
		snap.Version = old.Version + 1
		if s.current.CompareAndSwap(old, snap) {
			break
		}
	}
	metrics.RuleSetVersion.Set(float64(snap.Version))
	return snap, nil
}

// record increments trigger counters for the given findings.
func (s *Store) record(findings []domain.Finding, at time.Time) {
	if len(findings) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counted := make(map[string]bool, len(findings))
	for _, f := range findings {
		if counted[f.RuleID] {
			continue
		}
		counted[f.RuleID] = true

		st, ok := s.stats[f.RuleID]
		if !ok {
			st = &RuleStats{}
			s.stats[f.RuleID] = st
		}
		st.Count++
		ts := at
		st.LastTriggered = &ts
		metrics.RuleTriggers.WithLabelValues(f.RuleID, string(f.Severity)).Inc()
	}
}

// Stats returns the trigger history of a rule.
func (s *Store) Stats(id string) RuleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[id]; ok {
		return *st
	}
	return RuleStats{}
}

// Rules returns every rule of the active snapshot with its trigger history.
func (s *Store) Rules() []RuleView {
	snap := s.CurrentSnapshot()
	out := make([]RuleView, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		out = append(out, RuleView{Rule: r, RuleStats: s.Stats(r.ID)})
	}
	return out
}
