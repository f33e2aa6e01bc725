// Package integration holds the configured integrations and TCC flows.
package integration

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/vietddude/controltower/internal/core/domain"
)

var (
	ErrUnknownIntegration = errors.New("unknown integration")
	ErrUnknownFlow        = errors.New("unknown flow")
	ErrInvalidIntegration = errors.New("invalid integration")
)

// Registry is the in-process catalogue of integrations and flows.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]domain.Integration
	flows        map[string]domain.Flow
}

// NewRegistry validates and indexes the configured integrations and flows.
func NewRegistry(integrations []domain.Integration, flows []domain.Flow) (*Registry, error) {
	r := &Registry{
		integrations: make(map[string]domain.Integration, len(integrations)),
		flows:        make(map[string]domain.Flow, len(flows)),
	}
	for _, f := range flows {
		if err := validateFlow(f); err != nil {
			return nil, err
		}
		if _, dup := r.flows[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate flow %q", ErrInvalidIntegration, f.ID)
		}
		r.flows[f.ID] = f
	}
	for _, in := range integrations {
		if err := r.validate(in); err != nil {
			return nil, err
		}
		if _, dup := r.integrations[in.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate integration %q", ErrInvalidIntegration, in.ID)
		}
		r.integrations[in.ID] = in
	}
	return r, nil
}

func validateFlow(f domain.Flow) error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("%w: flow without id", ErrInvalidIntegration)
	}
	if len(f.Participants) == 0 {
		return fmt.Errorf("%w: flow %q has no participants", ErrInvalidIntegration, f.ID)
	}
	seen := make(map[string]bool, len(f.Participants))
	owners := make(map[string]string, len(f.Participants))
	for _, p := range f.Participants {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("%w: flow %q has an empty or duplicate participant %q", ErrInvalidIntegration, f.ID, p.Name)
		}
		seen[p.Name] = true

		// one resource owner must not be enlisted twice in the same transaction
		if p.Endpoint == "" {
			continue
		}
		owner := strings.TrimRight(p.Endpoint, "/") + "#" + p.Resource
		if other, ok := owners[owner]; ok {
			return fmt.Errorf("%w: flow %q: participants %q and %q share endpoint %s for resource %q",
				ErrInvalidIntegration, f.ID, other, p.Name, p.Endpoint, p.Resource)
		}
		owners[owner] = p.Name
	}
	return nil
}

func (r *Registry) validate(in domain.Integration) error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("%w: integration without id", ErrInvalidIntegration)
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return fmt.Errorf("%w: %s: max_retries must not be negative", ErrInvalidIntegration, in.ID)
	}
	if in.MultiResource {
		if _, ok := r.flows[in.FlowID]; !ok {
			return fmt.Errorf("%w: %s references flow %q", ErrUnknownFlow, in.ID, in.FlowID)
		}
	}
	return nil
}

// Integration returns the integration with the given ID.
func (r *Registry) Integration(id string) (domain.Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.integrations[id]
	return in, ok
}

// Flow returns the flow with the given ID.
func (r *Registry) Flow(id string) (domain.Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	return f, ok
}

// Integrations returns every integration sorted by ID.
func (r *Registry) Integrations() []domain.Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Integration, 0, len(r.integrations))
	for _, in := range r.integrations {
		out = append(out, in)
	}
	slices.SortFunc(out, func(a, b domain.Integration) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Flows returns every flow sorted by ID.
func (r *Registry) Flows() []domain.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b domain.Flow) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SetPaused pauses or resumes intake for an integration.
func (r *Registry) SetPaused(id string, paused bool) (domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.integrations[id]
	if !ok {
		return domain.Integration{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, id)
	}
	in.Paused = paused
	r.integrations[id] = in
	return in, nil
}
