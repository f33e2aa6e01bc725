// Package machine drives integration messages through the delivery state
// machine: validate, map, send, and the failure branches that retry or hand a
// message to an operator.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/controltower/internal/core/deadline"
	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/core/fsm"
	"github.com/vietddude/controltower/internal/core/keylock"
	"github.com/vietddude/controltower/internal/dedup"
	"github.com/vietddude/controltower/internal/delivery/classify"
	"github.com/vietddude/controltower/internal/delivery/retry"
	"github.com/vietddude/controltower/internal/events"
	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/integration"
	"github.com/vietddude/controltower/internal/tcc"
	"github.com/vietddude/controltower/internal/telemetry/metrics"
)

var (
	ErrInvalidSubmission   = errors.New("invalid submission")
	ErrIntegrationPaused   = errors.New("integration paused")
	ErrDuplicate           = errors.New("trace id already claimed")
	ErrNotInReview         = errors.New("message is not in manual review")
	ErrNotAwaitingCallback = errors.New("message is not awaiting a callback")
	ErrInvalidDecision     = errors.New("invalid review decision")
)

// Submission is an inbound message from a source system.
type Submission struct {
	TraceID       string
	IntegrationID string
	Payload       json.RawMessage
}

// Validator evaluates a message against the governance rules.
type Validator interface {
	Validate(ctx context.Context, msg *domain.Message) (*domain.Evaluation, error)
}

// Mapper transforms a source payload into the target's format. The result is opaque.
type Mapper interface {
	Map(ctx context.Context, in domain.Integration, payload json.RawMessage) (json.RawMessage, error)
}

// SendRequest is one delivery attempt to a target.
type SendRequest struct {
	Integration domain.Integration
	TraceID     string
	Token       string
	Attempt     int
	Payload     json.RawMessage
}

// Response is what the target returned. Pending means the target accepted
// the request and will report the outcome later through Callback.
type Response struct {
	Body    json.RawMessage
	Pending bool
}

// Transport delivers mapped payloads to targets.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (Response, error)
}

// Coordinator runs the TCC transaction of a multi-resource integration.
type Coordinator interface {
	Begin(flow domain.Flow, traceID string, payload []byte) *domain.Transaction
	Execute(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error)
}

// Integrations resolves integration and flow definitions.
type Integrations interface {
	Integration(id string) (domain.Integration, bool)
	Flow(id string) (domain.Flow, bool)
}

// Config holds pipeline deadlines and retry defaults.
type Config struct {
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
	MapTimeout      time.Duration `yaml:"map_timeout"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	// DefaultMaxRetries applies to integrations that do not set max_retries.
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	p := retry.DefaultPolicy()
	return Config{
		ValidateTimeout:   5 * time.Second,
		MapTimeout:        10 * time.Second,
		SendTimeout:       30 * time.Second,
		CallbackTimeout:   5 * time.Minute,
		DefaultMaxRetries: 3,
		RetryBase:         p.BaseDelay,
		RetryMax:          p.MaxDelay,
	}
}

// Deps are the collaborators of a Machine. Mapper and Coordinator are
// optional: without a mapper the source payload is sent as is, and without
// a coordinator multi-resource integrations fail delivery.
type Deps struct {
	Validator    Validator
	Mapper       Mapper
	Transport    Transport
	Coordinator  Coordinator
	Integrations Integrations
	Messages     storage.MessageRepository
	Dedup        dedup.Store
	Emitter      events.Emitter
}

// Machine is the message delivery state machine. Messages with distinct
// trace IDs are processed in parallel; one trace ID has a single writer.
type Machine struct {
	cfg          Config
	policy       retry.Policy
	validator    Validator
	mapper       Mapper
	transport    Transport
	coordinator  Coordinator
	integrations Integrations
	messages     storage.MessageRepository
	dedup        dedup.Store
	emitter      events.Emitter
	locks        *keylock.Locker
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

// New creates a Machine.
func New(cfg Config, deps Deps) *Machine {
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.NewWindow(dedup.DefaultCapacity, dedup.DefaultTTL)
	}
	return &Machine{
		cfg:          cfg,
		policy:       retry.Policy{BaseDelay: cfg.RetryBase, MaxDelay: cfg.RetryMax},
		validator:    deps.Validator,
		mapper:       deps.Mapper,
		transport:    deps.Transport,
		coordinator:  deps.Coordinator,
		integrations: deps.Integrations,
		messages:     deps.Messages,
		dedup:        deps.Dedup,
		emitter:      deps.Emitter,
		locks:        keylock.New(),
		logger:       slog.Default().With("component", "machine"),
		now:          time.Now,
		sleep:        retry.Sleep,
	}
}

func dedupKey(traceID string) string { return "trace:" + traceID }

// Submit accepts a message and drives it until it is CONFIRMED, FAILED,
// in MANUAL_REVIEW, or SENT to a target that answers asynchronously.
// Re-submitting a known trace ID returns the stored message unchanged.
// Pipeline failures are recorded on the message; the returned error only
// reports submissions that could not be accepted.
func (m *Machine) Submit(ctx context.Context, sub Submission) (*domain.Message, error) {
	if strings.TrimSpace(sub.TraceID) == "" || sub.IntegrationID == "" {
		return nil, fmt.Errorf("%w: trace id and integration id are required", ErrInvalidSubmission)
	}
	in, ok := m.integrations.Integration(sub.IntegrationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", integration.ErrUnknownIntegration, sub.IntegrationID)
	}
	if in.Paused {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationPaused, in.ID)
	}

	unlock, err := m.locks.Lock(ctx, sub.TraceID)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", sub.TraceID, err)
	}
	defer unlock()

	// The caller only bounds the wait for the lock. Once owned, the pipeline
	// runs to a stable state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	existing, err := m.messages.Get(ctx, sub.TraceID)
	switch {
	case err == nil:
		metrics.DuplicateSubmits.Inc()
		m.logger.Debug("Duplicate submit", "trace_id", sub.TraceID, "state", existing.State)
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load %s: %w", sub.TraceID, err)
	}

	_, claimed, err := m.dedup.Claim(ctx, dedupKey(sub.TraceID), sub.IntegrationID)
	if err != nil {
		m.logger.Warn("Dedup store unavailable, relying on message store", "trace_id", sub.TraceID, "error", err)
	} else if !claimed {
		metrics.DuplicateSubmits.Inc()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, sub.TraceID)
	}

	msg := domain.NewMessage(sub.TraceID, in.ID, sub.Payload, in.RetryLimit(m.cfg.DefaultMaxRetries), m.now())
	metrics.MessagesReceived.WithLabelValues(in.ID).Inc()
	m.persist(ctx, msg, msg.Timeline[0].Event)

	m.run(ctx, msg, func() {
		if m.validate(ctx, msg) && m.mapPayload(ctx, msg, in) {
			m.deliver(ctx, msg, in, false)
		}
	})
	return msg.Clone(), nil
}

// Resolve applies an operator decision to a message in MANUAL_REVIEW.
func (m *Machine) Resolve(ctx context.Context, traceID string, decision domain.ReviewDecision, note string) (*domain.Message, error) {
	var to domain.MessageState
	var event string
	switch decision {
	case domain.ReviewConfirm:
		to, event = domain.MessageConfirmed, "Approved by operator"
	case domain.ReviewReject:
		to, event = domain.MessageFailed, "Rejected by operator"
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if note = strings.TrimSpace(note); note != "" {
		event += ": " + note
	}

	unlock, err := m.locks.Lock(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", traceID, err)
	}
	defer unlock()

	msg, err := m.messages.Get(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if msg.State != domain.MessageManualReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInReview, traceID, msg.State)
	}

	msg.Terminal = true
	m.run(ctx, msg, func() { m.transition(ctx, msg, to, event) })
	m.logger.Info("Manual review resolved", "trace_id", traceID, "decision", decision)
	return msg.Clone(), nil
}

// CallbackResult is the asynchronous outcome reported by a target.
type CallbackResult struct {
	OK         bool
	Body       json.RawMessage
	Error      string
	StatusCode int
}

type callbackError struct {
	text   string
	status int
}

func (e *callbackError) Error() string   { return e.text }
func (e *callbackError) StatusCode() int { return e.status }

// Callback completes a message left SENT by a pending response. A failed
// callback goes through the same retry evaluation as a failed send.
func (m *Machine) Callback(ctx context.Context, traceID string, res CallbackResult) (*domain.Message, error) {
	unlock, err := m.locks.Lock(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", traceID, err)
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	msg, err := m.messages.Get(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if msg.State != domain.MessageSent || msg.TransactionID != "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingCallback, traceID, msg.State)
	}

	in := m.integrationOf(msg)
	m.run(ctx, msg, func() {
		if res.OK {
			msg.TargetResponse = append(json.RawMessage(nil), res.Body...)
			m.complete(ctx, msg, in, "Callback received from "+in.Target)
			return
		}
		text := res.Error
		if text == "" {
			text = "target reported failure"
		}
		cerr := &callbackError{text: text, status: res.StatusCode}
		if m.afterFailure(ctx, msg, in, m.detail(classify.StageSend, cerr)) {
			m.deliver(ctx, msg, in, true)
		}
	})
	return msg.Clone(), nil
}

// ExpireCallbacks fails every message that has been waiting in SENT for a
// callback since before cutoff. It returns the number of expired messages.
func (m *Machine) ExpireCallbacks(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []string
	for offset := 0; ; {
		page, err := m.messages.List(ctx, domain.MessageFilter{
			States: []domain.MessageState{domain.MessageSent},
			Offset: offset,
			Limit:  storage.MaxPageSize,
		})
		if err != nil {
			return 0, fmt.Errorf("list sent messages: %w", err)
		}
		for _, s := range page.Items {
			if s.UpdatedAt.Before(cutoff) {
				stale = append(stale, s.TraceID)
			}
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			break
		}
	}

	expired := 0
	for _, id := range stale {
		if m.expire(ctx, id, cutoff) {
			expired++
		}
	}
	return expired, nil
}

func (m *Machine) expire(ctx context.Context, traceID string, cutoff time.Time) bool {
	unlock, err := m.locks.Lock(ctx, traceID)
	if err != nil {
		return false
	}
	defer unlock()

	msg, err := m.messages.Get(ctx, traceID)
	if err != nil || msg.State != domain.MessageSent || msg.TransactionID != "" || !msg.UpdatedAt.Before(cutoff) {
		return false
	}

	in := m.integrationOf(msg)
	m.run(ctx, msg, func() {
		detail := &domain.ErrorDetail{
			Category: domain.CategoryConnection,
			Code:     "CALLBACK_TIMEOUT",
			Message:  fmt.Sprintf("no callback from %s since %s", in.Target, msg.UpdatedAt.Format(time.RFC3339)),
		}
		if m.afterFailure(ctx, msg, in, detail) {
			m.deliver(ctx, msg, in, true)
		}
	})
	return true
}

func (m *Machine) integrationOf(msg *domain.Message) domain.Integration {
	if in, ok := m.integrations.Integration(msg.IntegrationID); ok {
		return in
	}
	return domain.Integration{ID: msg.IntegrationID, Target: "target"}
}

// run executes one pipeline step sequence. A panic anywhere in it leaves the
// message in MANUAL_REVIEW with the panic recorded as its error.
func (m *Machine) run(ctx context.Context, msg *domain.Message, steps func()) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Delivery pipeline panicked", "trace_id", msg.TraceID, "state", msg.State, "panic", r)
			m.abort(ctx, msg, fmt.Sprint(r))
		}
		metrics.DeliveryLatency.WithLabelValues(msg.IntegrationID, string(msg.State)).
			Observe(m.now().Sub(start).Seconds())
	}()
	steps()
}

// abort moves msg to MANUAL_REVIEW after an internal error, using only the
// transitions the table allows from its current state.
func (m *Machine) abort(ctx context.Context, msg *domain.Message, reason string) {
	msg.LastError = &domain.ErrorDetail{
		Category: domain.CategoryTarget,
		Code:     "INTERNAL",
		Message:  reason,
	}
	if fsm.MessageTable.CanTransition(msg.State, domain.MessageFailed) {
		msg.Record(domain.MessageFailed, "Internal error: "+reason, m.now())
		m.persist(ctx, msg, "Internal error")
	}
	if fsm.MessageTable.CanTransition(msg.State, domain.MessageManualReview) {
		msg.Record(domain.MessageManualReview, "Escalated after internal error", m.now())
		m.persist(ctx, msg, "Escalated after internal error")
	}
}

// transition applies one table-checked state change and persists it.
// A transition the table forbids is a bug in the pipeline; it panics and
// run turns it into MANUAL_REVIEW.
func (m *Machine) transition(ctx context.Context, msg *domain.Message, to domain.MessageState, event string) {
	if err := fsm.MessageTable.Check(msg.State, to); err != nil {
		panic(err)
	}
	msg.Record(to, event, m.now())
	if fsm.MessageTable.IsFinal(to) {
		msg.Terminal = true
	}
	metrics.MessageTransitions.WithLabelValues(msg.IntegrationID, string(to)).Inc()
	m.persist(ctx, msg, event)
}

// persist stores msg and publishes its new state. Storage and emitter
// failures are logged; the in-memory message stays authoritative for the
// rest of the run.
func (m *Machine) persist(ctx context.Context, msg *domain.Message, detail string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.messages.Save(ctx, msg); err != nil {
		m.logger.Error("Failed to save message", "trace_id", msg.TraceID, "state", msg.State, "error", err)
	}
	err := m.emitter.Emit(ctx, &domain.Event{
		Kind:      domain.EventMessage,
		EntityID:  msg.TraceID,
		State:     string(msg.State),
		Detail:    detail,
		Timestamp: msg.UpdatedAt,
	})
	if err != nil {
		m.logger.Debug("Emit failed", "trace_id", msg.TraceID, "error", err)
	}
}

func (m *Machine) detail(stage classify.Stage, err error) *domain.ErrorDetail {
	res := classify.Classify(stage, err)
	if res.Unclassified {
		m.logger.Warn("Unclassified failure", "stage", stage, "error", err)
	}
	return res.Detail(err)
}

// fail records detail and moves msg to FAILED. Mapping failures are terminal.
func (m *Machine) fail(ctx context.Context, msg *domain.Message, detail *domain.ErrorDetail, event string) {
	msg.LastError = detail
	if detail.Category == domain.CategoryMapping {
		msg.Terminal = true
	}
	metrics.MessageFailures.WithLabelValues(msg.IntegrationID, string(detail.Category), detail.Code).Inc()
	m.transition(ctx, msg, domain.MessageFailed, event)
}

func (m *Machine) escalate(ctx context.Context, msg *domain.Message, reason string) {
	m.transition(ctx, msg, domain.MessageManualReview, reason)
	m.logger.Warn("Message escalated to manual review",
		"trace_id", msg.TraceID,
		"integration", msg.IntegrationID,
		"reason", reason,
	)
}

func (m *Machine) validate(ctx context.Context, msg *domain.Message) bool {
	if m.validator == nil {
		msg.Evaluation = &domain.Evaluation{Verdict: domain.VerdictPass}
		m.transition(ctx, msg, domain.MessageValidated, "Validated: no rules configured")
		return true
	}

	input := msg.Clone()
	ev, err := deadline.Call(ctx, m.cfg.ValidateTimeout, func(cctx context.Context) (*domain.Evaluation, error) {
		return m.validator.Validate(cctx, input)
	})
	if err != nil {
		d := m.detail(classify.StageValidate, err)
		m.fail(ctx, msg, d, "Validation could not run: "+d.Error())
		m.escalate(ctx, msg, "Validator unavailable: escalated for review")
		return false
	}
	msg.Evaluation = ev

	if ev.Verdict == domain.VerdictCriticalFail {
		d := criticalDetail(ev)
		m.fail(ctx, msg, d, "Validation failed: "+d.Message)
		m.escalate(ctx, msg, "Critical rule violated: held for operator review")
		return false
	}

	warnings := 0
	for _, f := range ev.Findings {
		if f.Severity == domain.SeverityWarning {
			warnings++
		}
	}
	m.transition(ctx, msg, domain.MessageValidated,
		fmt.Sprintf("Validated against rule set v%d: %s, %d warnings", ev.RuleSetVersion, ev.Verdict, warnings))
	return true
}

// criticalDetail builds the error of the first critical finding.
func criticalDetail(ev *domain.Evaluation) *domain.ErrorDetail {
	d := &domain.ErrorDetail{
		Category: domain.CategoryValidation,
		Code:     "VALIDATION_ERROR",
		Message:  "critical rule violated",
	}
	for _, f := range ev.Findings {
		if f.Severity == domain.SeverityCritical {
			d.Message = fmt.Sprintf("%s (rule %s)", f.Message, f.RuleID)
			d.Field = f.Field
			break
		}
	}
	return d
}

func (m *Machine) mapPayload(ctx context.Context, msg *domain.Message, in domain.Integration) bool {
	if m.mapper == nil {
		msg.MappedPayload = append(json.RawMessage(nil), msg.SourcePayload...)
		m.transition(ctx, msg, domain.MessageMapped, "Payload passed through unmapped")
		return true
	}

	source := append(json.RawMessage(nil), msg.SourcePayload...)
	mapped, err := deadline.Call(ctx, m.cfg.MapTimeout, func(cctx context.Context) (json.RawMessage, error) {
		return m.mapper.Map(cctx, in, source)
	})
	if err != nil {
		d := m.detail(classify.StageMap, err)
		m.fail(ctx, msg, d, "Mapping failed: "+d.Error())
		if !msg.Terminal {
			m.escalate(ctx, msg, "Mapper unavailable: escalated for review")
		}
		return false
	}
	msg.MappedPayload = mapped
	m.transition(ctx, msg, domain.MessageMapped, "Payload mapped for "+in.Target)
	return true
}

// deliver sends msg until it is confirmed, pending a callback, or leaves the
// automatic path. resend is true when msg is already RETRYING.
func (m *Machine) deliver(ctx context.Context, msg *domain.Message, in domain.Integration, resend bool) {
	for {
		var resp Response
		var d *domain.ErrorDetail
		if in.MultiResource {
			resp, d = m.delegate(ctx, msg, in)
		} else {
			resp, d = m.send(ctx, msg, in, resend)
		}

		if d == nil {
			if resp.Pending {
				m.logger.Info("Target accepted message, awaiting callback", "trace_id", msg.TraceID)
				return
			}
			msg.TargetResponse = resp.Body
			m.complete(ctx, msg, in, "Response received from "+in.Target)
			return
		}
		if !m.afterFailure(ctx, msg, in, d) {
			return
		}
		resend = true
	}
}

func (m *Machine) send(ctx context.Context, msg *domain.Message, in domain.Integration, resend bool) (Response, *domain.ErrorDetail) {
	event := "Sent to " + in.Target
	if resend {
		event = fmt.Sprintf("Resent to %s with idempotency token %s", in.Target, msg.IdempotencyToken)
	}
	m.transition(ctx, msg, domain.MessageSent, event)

	req := SendRequest{
		Integration: in,
		TraceID:     msg.TraceID,
		Token:       msg.IdempotencyToken,
		Attempt:     msg.RetryCount,
		Payload:     append(json.RawMessage(nil), msg.MappedPayload...),
	}
	resp, err := deadline.Call(ctx, m.cfg.SendTimeout, func(cctx context.Context) (Response, error) {
		return m.transport.Send(cctx, req)
	})
	if err != nil {
		return Response{}, m.detail(classify.StageSend, err)
	}
	return resp, nil
}

// delegate runs a fresh TCC transaction for a multi-resource integration.
// Each attempt gets its own transaction; a rolled-back one is a target failure.
func (m *Machine) delegate(ctx context.Context, msg *domain.Message, in domain.Integration) (Response, *domain.ErrorDetail) {
	flow, ok := m.integrations.Flow(in.FlowID)
	if !ok || m.coordinator == nil {
		return Response{}, &domain.ErrorDetail{
			Category: domain.CategoryTarget,
			Code:     "FLOW_UNAVAILABLE",
			Message:  fmt.Sprintf("flow %q can not be run", in.FlowID),
		}
	}

	tx := m.coordinator.Begin(flow, msg.TraceID, msg.MappedPayload)
	msg.TransactionID = tx.ID
	m.transition(ctx, msg, domain.MessageSent, "Delegated to TCC transaction "+tx.ID)

	final, err := m.coordinator.Execute(ctx, tx)
	switch {
	case errors.Is(err, tcc.ErrCoordinationInconsistency):
		return Response{}, &domain.ErrorDetail{
			Category:     domain.CategoryTarget,
			Code:         "COORDINATION_INCONSISTENCY",
			Message:      err.Error(),
			Inconsistent: true,
		}
	case err != nil:
		return Response{}, m.detail(classify.StageParticipant, err)
	case final.Phase != domain.PhaseCompleted:
		d := &domain.ErrorDetail{
			Category: domain.CategoryTarget,
			Code:     "TRANSACTION_ROLLED_BACK",
			Message:  fmt.Sprintf("transaction %s rolled back", final.ID),
		}
		if final.Error != nil {
			d.Message += ": " + final.Error.Message
		}
		return Response{}, d
	}

	body, err := json.Marshal(struct {
		TransactionID string       `json:"transaction_id"`
		Phase         domain.Phase `json:"phase"`
	}{final.ID, final.Phase})
	if err != nil {
		return Response{}, m.detail(classify.StageParticipant, err)
	}
	return Response{Body: body}, nil
}

func (m *Machine) complete(ctx context.Context, msg *domain.Message, in domain.Integration, event string) {
	m.transition(ctx, msg, domain.MessageCallbackReceived, event)
	m.transition(ctx, msg, domain.MessageConfirmed, "Delivery confirmed by "+in.Target)
	m.logger.Info("Message confirmed",
		"trace_id", msg.TraceID,
		"integration", msg.IntegrationID,
		"retries", msg.RetryCount,
	)
}

// afterFailure moves msg to FAILED and evaluates it. It returns true when
// msg is RETRYING and the backoff has elapsed, so the caller should resend.
func (m *Machine) afterFailure(ctx context.Context, msg *domain.Message, in domain.Integration, d *domain.ErrorDetail) bool {
	m.fail(ctx, msg, d, "Delivery failed: "+d.Error())

	switch {
	case msg.Terminal:
		return false
	case d.Inconsistent:
		m.escalate(ctx, msg, "Coordination inconsistency: transaction "+msg.TransactionID+" needs operator recovery")
		return false
	case msg.Evaluation != nil && msg.Evaluation.Flagged:
		m.escalate(ctx, msg, "Flagged by governance rule: held for review")
		return false
	}

	decision := m.policy.Decide(d.Category, msg.RetryCount, msg.MaxRetries)
	if decision.Action == retry.ActionExhausted {
		reason := fmt.Sprintf("Retries exhausted after %d attempts: escalated for review", msg.RetryCount+1)
		if !decision.Retryable {
			reason = fmt.Sprintf("Non-retryable %s failure: escalated for review", d.Category)
		}
		m.escalate(ctx, msg, reason)
		return false
	}

	msg.RetryCount++
	metrics.MessageRetries.WithLabelValues(msg.IntegrationID).Inc()
	m.transition(ctx, msg, domain.MessageRetrying,
		fmt.Sprintf("Retry %d/%d scheduled in %s", msg.RetryCount, msg.MaxRetries, decision.Delay))

	if err := m.sleep(ctx, decision.Delay); err != nil {
		m.fail(ctx, msg, &domain.ErrorDetail{
			Category: d.Category,
			Code:     "RETRY_INTERRUPTED",
			Message:  err.Error(),
		}, "Retry interrupted before resend to "+in.Target)
		m.escalate(ctx, msg, "Retry interrupted: escalated for review")
		return false
	}
	return true
}
