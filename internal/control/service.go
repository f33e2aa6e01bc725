package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/core/worker"
	"github.com/vietddude/controltower/internal/delivery/machine"
	"github.com/vietddude/controltower/internal/events"
	"github.com/vietddude/controltower/internal/governance"
	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/integration"
	"github.com/vietddude/controltower/internal/tcc"
)

// reviewQueueLimit bounds the review queue reported in Stats.
const reviewQueueLimit = 50

// Service is the operation surface of the control tower.
type Service struct {
	machine      *machine.Machine
	coordinator  *tcc.Coordinator
	registry     *integration.Registry
	messages     storage.MessageRepository
	transactions storage.TransactionRepository
	rules        *governance.Store
	broker       *events.Broker
	emitter      events.Emitter
	pool         *worker.Pool
	log          *slog.Logger
}

// ServiceDeps wires a Service. Pool is optional; without it only
// synchronous submission is available.
type ServiceDeps struct {
	Machine      *machine.Machine
	Coordinator  *tcc.Coordinator
	Registry     *integration.Registry
	Messages     storage.MessageRepository
	Transactions storage.TransactionRepository
	Rules        *governance.Store
	Broker       *events.Broker
	Emitter      events.Emitter
	Pool         *worker.Pool
}

// NewService creates the facade.
func NewService(deps ServiceDeps) *Service {
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	return &Service{
		machine:      deps.Machine,
		coordinator:  deps.Coordinator,
		registry:     deps.Registry,
		messages:     deps.Messages,
		transactions: deps.Transactions,
		rules:        deps.Rules,
		broker:       deps.Broker,
		emitter:      deps.Emitter,
		pool:         deps.Pool,
		log:          slog.Default().With("component", "service"),
	}
}

// NewTraceID returns a fresh trace ID.
func NewTraceID() string {
	return "TRC-" + strings.ToUpper(uuid.NewString()[:8])
}

// SubmitMessage runs a message through the delivery pipeline and returns
// its resulting state. A missing trace ID is generated.
func (s *Service) SubmitMessage(ctx context.Context, sub machine.Submission) (*domain.Message, error) {
	if sub.TraceID == "" {
		sub.TraceID = NewTraceID()
	}
	return s.machine.Submit(ctx, sub)
}

// EnqueueMessage accepts a message for background delivery and returns its
// trace ID. The integration is checked up front so rejections are reported
// to the caller.
func (s *Service) EnqueueMessage(sub machine.Submission) (string, error) {
	if s.pool == nil {
		return "", fmt.Errorf("%w: asynchronous submission disabled", worker.ErrPoolClosed)
	}
	if sub.TraceID == "" {
		sub.TraceID = NewTraceID()
	}
	if sub.IntegrationID == "" {
		return "", fmt.Errorf("%w: integration id is required", machine.ErrInvalidSubmission)
	}
	in, ok := s.registry.Integration(sub.IntegrationID)
	if !ok {
		return "", fmt.Errorf("%w: %s", integration.ErrUnknownIntegration, sub.IntegrationID)
	}
	if in.Paused {
		return "", fmt.Errorf("%w: %s", machine.ErrIntegrationPaused, in.ID)
	}

	err := s.pool.Submit(func(ctx context.Context) {
		if _, err := s.machine.Submit(ctx, sub); err != nil {
			s.log.Warn("Queued submission rejected", "trace_id", sub.TraceID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	return sub.TraceID, nil
}

// GetMessage returns a message by trace ID.
func (s *Service) GetMessage(ctx context.Context, traceID string) (*domain.Message, error) {
	return s.messages.Get(ctx, traceID)
}

// ListMessages returns one page of message summaries.
func (s *Service) ListMessages(ctx context.Context, filter domain.MessageFilter) (domain.MessagePage, error) {
	return s.messages.List(ctx, storage.NormalizeFilter(filter))
}

// ResolveManualReview applies an operator decision.
func (s *Service) ResolveManualReview(ctx context.Context, traceID string, decision domain.ReviewDecision, note string) (*domain.Message, error) {
	return s.machine.Resolve(ctx, traceID, decision, note)
}

// HandleCallback records the asynchronous outcome of a delivery.
func (s *Service) HandleCallback(ctx context.Context, traceID string, res machine.CallbackResult) (*domain.Message, error) {
	return s.machine.Callback(ctx, traceID, res)
}

// RunTccFlow starts a transaction from the flow template and runs it to
// its outcome.
func (s *Service) RunTccFlow(ctx context.Context, flowID, traceID string, payload json.RawMessage) (*domain.Transaction, error) {
	flow, ok := s.registry.Flow(flowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", integration.ErrUnknownFlow, flowID)
	}
	tx := s.coordinator.Begin(flow, traceID, payload)
	return s.coordinator.Execute(ctx, tx)
}

// GetTransaction returns a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.coordinator.Get(ctx, id)
}

// ListTransactions returns transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]*domain.Transaction, error) {
	return s.transactions.List(ctx, filter)
}

// RecoverTransaction resumes a transaction left in CONFIRMING or CANCELLING.
func (s *Service) RecoverTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.coordinator.Recover(ctx, id)
}

// Subscribe returns a live event stream and its cancel function.
func (s *Service) Subscribe(buffer int) (<-chan domain.Event, func()) {
	return s.broker.Subscribe(buffer)
}

// Rules returns the active rule set with trigger history.
func (s *Service) Rules() []governance.RuleView {
	return s.rules.Rules()
}

// RuleSetVersion returns the version of the active rule set.
func (s *Service) RuleSetVersion() int64 {
	return s.rules.CurrentSnapshot().Version
}

// ReplaceRules atomically publishes a new rule set.
func (s *Service) ReplaceRules(ctx context.Context, rules []domain.Rule, policies []domain.Policy) (*governance.Snapshot, error) {
	snap, err := s.rules.Replace(rules, policies)
	if err != nil {
		return nil, err
	}
	s.log.Info("Rule set replaced", "version", snap.Version, "rules", len(snap.Rules))
	_ = s.emitter.Emit(ctx, &domain.Event{
		Kind:      domain.EventRuleSet,
		EntityID:  "rules",
		State:     fmt.Sprintf("v%d", snap.Version),
		Detail:    fmt.Sprintf("%d rules, %d policies", len(snap.Rules), len(snap.Policies)),
		Timestamp: snap.LoadedAt,
	})
	return snap, nil
}

// Policies returns the compliance status of each policy.
func (s *Service) Policies() []governance.PolicyStatus {
	return s.rules.Policies()
}

// Integrations lists the configured integrations.
func (s *Service) Integrations() []domain.Integration {
	return s.registry.Integrations()
}

// Flows lists the configured TCC flows.
func (s *Service) Flows() []domain.Flow {
	return s.registry.Flows()
}

// SetPaused pauses or resumes an integration.
func (s *Service) SetPaused(ctx context.Context, id string, paused bool) (domain.Integration, error) {
	in, err := s.registry.SetPaused(id, paused)
	if err != nil {
		return domain.Integration{}, err
	}
	state := "active"
	if paused {
		state = "paused"
	}
	s.log.Info("Integration state changed", "integration", id, "state", state)
	return in, nil
}

// Stats builds the dashboard overview.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	counts, err := s.messages.CountByState(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count messages: %w", err)
	}
	categories, err := s.messages.CountByErrorCategory(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count errors: %w", err)
	}

	st := domain.Stats{
		Messages:       counts,
		RuleSetVersion: s.RuleSetVersion(),
	}
	for _, n := range counts {
		st.TotalMessages += n
	}
	st.Errors = errorAnalytics(counts, categories)

	if st.Flows, err = s.flowStats(ctx); err != nil {
		return domain.Stats{}, err
	}
	if st.ReviewQueue, err = s.reviewQueue(ctx); err != nil {
		return domain.Stats{}, err
	}
	return st, nil
}

func errorAnalytics(states map[domain.MessageState]int, categories map[domain.Category]int) domain.ErrorAnalytics {
	ea := domain.ErrorAnalytics{
		Retrying:     states[domain.MessageRetrying],
		ManualReview: states[domain.MessageManualReview],
	}
	for _, n := range categories {
		ea.Total += n
	}
	for _, c := range domain.AllCategories {
		share := domain.CategoryShare{Category: c, Count: categories[c]}
		if ea.Total > 0 {
			share.Percent = float64(share.Count) * 100 / float64(ea.Total)
		}
		ea.Categories = append(ea.Categories, share)
	}
	return ea
}

func (s *Service) flowStats(ctx context.Context) ([]domain.FlowStats, error) {
	flows := s.registry.Flows()
	out := make([]domain.FlowStats, 0, len(flows))
	for _, f := range flows {
		txs, err := s.transactions.List(ctx, storage.TransactionFilter{FlowID: f.ID, Limit: storage.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("list transactions of %s: %w", f.ID, err)
		}
		fs := domain.FlowStats{FlowID: f.ID, Name: f.Name}
		for _, tx := range txs {
			switch tx.Phase {
			case domain.PhaseCompleted:
				fs.Completed++
			case domain.PhaseRolledBack:
				fs.RolledBack++
			default:
				fs.Active++
			}
		}
		out = append(out, fs)
	}
	return out, nil
}

func (s *Service) reviewQueue(ctx context.Context) ([]domain.ReviewItem, error) {
	page, err := s.messages.List(ctx, domain.MessageFilter{
		States: []domain.MessageState{domain.MessageManualReview},
		Limit:  reviewQueueLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}

	items := make([]domain.ReviewItem, 0, len(page.Items))
	for _, sum := range page.Items {
		item := domain.ReviewItem{Summary: sum}
		if msg, err := s.messages.Get(ctx, sum.TraceID); err == nil {
			item.Reason = reviewReason(msg)
			if msg.Evaluation != nil {
				item.Triggered = msg.Evaluation.Triggered
			}
		}
		items = append(items, item)
	}
	// oldest first: these have waited longest
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	return items, nil
}

func reviewReason(m *domain.Message) string {
	if len(m.Timeline) > 0 {
		if last := m.Timeline[len(m.Timeline)-1]; last.State == domain.MessageManualReview {
			return last.Event
		}
	}
	if m.LastError != nil {
		return m.LastError.Message
	}
	return ""
}
