package governance

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
)

// PayloadRuleID is reported when the payload itself cannot be decoded.
const PayloadRuleID = "payload"

// Input is what a rule set is evaluated against.
type Input struct {
	TraceID       string
	IntegrationID string
	Payload       []byte
}

var severityRank = map[domain.Severity]int{
	domain.SeverityInfo:     0,
	domain.SeverityWarning:  1,
	domain.SeverityCritical: 2,
}

// verdictFor maps the worst triggered severity to a verdict.
// Info findings are reported but do not degrade the verdict.
func verdictFor(s domain.Severity) domain.Verdict {
	switch s {
	case domain.SeverityCritical:
		return domain.VerdictCriticalFail
	case domain.SeverityWarning:
		return domain.VerdictWarn
	default:
		return domain.VerdictPass
	}
}

// Evaluate runs every applicable rule of snap against in. It only reads
// snap, so concurrent evaluations against one snapshot see the same rules.
// The worst severity among triggered rules decides the verdict.
func Evaluate(ctx context.Context, snap *Snapshot, in Input) domain.Evaluation {
	ev := domain.Evaluation{Verdict: domain.VerdictPass, RuleSetVersion: snap.Version}

	p, err := DecodePayload(in.Payload)
	if err != nil {
		ev.Verdict = domain.VerdictCriticalFail
		ev.Triggered = []string{PayloadRuleID}
		ev.Findings = []domain.Finding{{
			RuleID:   PayloadRuleID,
			Severity: domain.SeverityCritical,
			Message:  "Payload is not valid JSON",
		}}
		return ev
	}

	worst := domain.SeverityInfo
	for _, c := range snap.compiled {
		if !c.applies(in.IntegrationID, p) {
			continue
		}
		violations := c.check(ctx, in, p)
		if len(violations) == 0 {
			continue
		}

		ev.Triggered = append(ev.Triggered, c.rule.ID)
		for _, v := range violations {
			ev.Findings = append(ev.Findings, domain.Finding{
				RuleID:   c.rule.ID,
				Severity: c.rule.Severity,
				Field:    v.Field,
				Message:  v.Message,
			})
		}
		if severityRank[c.rule.Severity] > severityRank[worst] {
			worst = c.rule.Severity
		}
		if c.rule.Review && c.rule.Severity != domain.SeverityInfo {
			ev.Flagged = true
		}
	}
	if len(ev.Triggered) > 0 {
		ev.Verdict = verdictFor(worst)
	}
	return ev
}

// Engine evaluates messages against the store's current snapshot and
// records trigger counts.
type Engine struct {
	store  *Store
	logger *slog.Logger
}

// NewEngine creates an engine bound to store.
func NewEngine(store *Store) *Engine {
	return &Engine{
		store:  store,
		logger: slog.Default().With("component", "governance"),
	}
}

// Store returns the backing rule store.
func (e *Engine) Store() *Store {
	return e.store
}

// Evaluate takes one snapshot and evaluates in against it.
func (e *Engine) Evaluate(ctx context.Context, in Input) domain.Evaluation {
	snap := e.store.CurrentSnapshot()
	ev := Evaluate(ctx, snap, in)
	e.store.record(ev.Findings, e.store.now())

	if ev.Verdict != domain.VerdictPass {
		e.logger.Debug("Rules triggered",
			"trace_id", in.TraceID,
			"verdict", ev.Verdict,
			"triggered", ev.Triggered,
			"version", ev.RuleSetVersion,
		)
	}
	return ev
}

// Validate evaluates a message's source payload.
func (e *Engine) Validate(ctx context.Context, m *domain.Message) (*domain.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev := e.Evaluate(ctx, Input{
		TraceID:       m.TraceID,
		IntegrationID: m.IntegrationID,
		Payload:       m.SourcePayload,
	})
	return &ev, nil
}

// PolicyStatus is the compliance view of a policy.
type PolicyStatus struct {
	domain.Policy
	RulesCount    int        `json:"rules_count"`
	Status        string     `json:"status"`
	TriggerCount  int64      `json:"trigger_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// Policy statuses.
const (
	PolicyActive  = "active"
	PolicyWarning = "warning"
)

// Policies reports every policy of the active snapshot. A policy is in
// warning when one of its rules is disabled or missing.
func (s *Store) Policies() []PolicyStatus {
	snap := s.CurrentSnapshot()
	out := make([]PolicyStatus, 0, len(snap.Policies))
	for _, p := range snap.Policies {
		ps := PolicyStatus{Policy: p, RulesCount: len(p.Rules), Status: PolicyActive}
		for _, id := range p.Rules {
			r, ok := snap.Rule(id)
			if !ok || !r.Enabled {
				ps.Status = PolicyWarning
			}
			st := s.Stats(id)
			ps.TriggerCount += st.Count
			if st.LastTriggered != nil && (ps.LastTriggered == nil || st.LastTriggered.After(*ps.LastTriggered)) {
				ps.LastTriggered = st.LastTriggered
			}
		}
		out = append(out, ps)
	}
	return out
}
