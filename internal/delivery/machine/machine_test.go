package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/dedup"
	"github.com/vietddude/controltower/internal/delivery/classify"
	"github.com/vietddude/controltower/internal/governance"
	"github.com/vietddude/controltower/internal/infra/storage/memory"
	"github.com/vietddude/controltower/internal/integration"
	"github.com/vietddude/controltower/internal/tcc"
)

// =============================================================================
// Test doubles
// =============================================================================

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type statusError int

func (e statusError) Error() string   { return fmt.Sprintf("target returned status %d", int(e)) }
func (e statusError) StatusCode() int { return int(e) }

// scriptedTransport fails the n-th call with errs[n] and succeeds once the
// script runs out. A nil entry succeeds.
type scriptedTransport struct {
	mu      sync.Mutex
	errs    []error
	pending bool
	block   chan struct{}
	latency time.Duration
	calls   []SendRequest
}

func (t *scriptedTransport) Send(ctx context.Context, req SendRequest) (Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	i := len(t.calls) - 1
	block := t.block
	t.block = nil
	t.mu.Unlock()

	if block != nil {
		<-block // ignores ctx on purpose
		return Response{}, nil
	}
	if t.latency > 0 {
		select {
		case <-time.After(t.latency):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if i < len(t.errs) && t.errs[i] != nil {
		return Response{}, t.errs[i]
	}
	return Response{Body: json.RawMessage(`{"status":"accepted"}`), Pending: t.pending}, nil
}

func (t *scriptedTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type mapperFunc func(ctx context.Context, in domain.Integration, payload json.RawMessage) (json.RawMessage, error)

func (f mapperFunc) Map(ctx context.Context, in domain.Integration, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, in, payload)
}

type validatorFunc func(ctx context.Context, msg *domain.Message) (*domain.Evaluation, error)

func (f validatorFunc) Validate(ctx context.Context, msg *domain.Message) (*domain.Evaluation, error) {
	return f(ctx, msg)
}

type stubParticipant struct {
	mu          sync.Mutex
	tryFailures int
	tries       int
	confirms    int
	cancels     int
}

func (p *stubParticipant) Try(ctx context.Context, req tcc.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tries++
	if p.tryFailures > 0 {
		p.tryFailures--
		return errors.New("insufficient stock")
	}
	return nil
}

func (p *stubParticipant) Confirm(ctx context.Context, req tcc.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirms++
	return nil
}

func (p *stubParticipant) Cancel(ctx context.Context, req tcc.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	return nil
}

type inconsistentCoordinator struct{}

func (inconsistentCoordinator) Begin(flow domain.Flow, traceID string, payload []byte) *domain.Transaction {
	return domain.NewTransaction("tx-broken", traceID, flow, payload, time.Now())
}

func (inconsistentCoordinator) Execute(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	return tx, fmt.Errorf("%w: confirm did not converge", tcc.ErrCoordinationInconsistency)
}

// =============================================================================
// Fixture
// =============================================================================

const machineRules = `
rules:
  - id: required
    name: Required Fields
    category: schema
    severity: critical
    fields: [order_id]
  - id: email
    name: Email Format
    category: format
    severity: warning
    review: true
    field: customer_email
    format: email
`

type fixture struct {
	machine   *Machine
	transport *scriptedTransport
	messages  *memory.MessageRepo
	inventory *stubParticipant
	payment   *stubParticipant
	delays    []time.Duration
	mu        sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry, err := integration.NewRegistry(
		[]domain.Integration{
			{ID: "shopify-sap", Target: "SAP", MaxRetries: domain.Retries(3)},
			{ID: "order-saga", Target: "Order Saga", MaxRetries: domain.Retries(2), MultiResource: true, FlowID: "order"},
			{ID: "paused", Target: "Legacy", Paused: true},
			{ID: "no-retry", Target: "Audit", MaxRetries: domain.Retries(0)},
			{ID: "defaults", Target: "CRM"},
		},
		[]domain.Flow{{
			ID: "order",
			Participants: []domain.ParticipantSpec{
				{Name: "inventory", Resource: "stock"},
				{Name: "payment", Resource: "funds"},
			},
		}},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	rules, err := governance.ParseRuleFile([]byte(machineRules))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	store := governance.NewStore(governance.NewRegistry(nil))
	if _, err := store.Replace(rules.Rules, rules.Policies); err != nil {
		t.Fatalf("replace: %v", err)
	}

	f := &fixture{
		transport: &scriptedTransport{},
		inventory: &stubParticipant{},
		payment:   &stubParticipant{},
	}

	dir := tcc.NewDirectory()
	dir.Register("order", "inventory", f.inventory)
	dir.Register("order", "payment", f.payment)
	tccCfg := tcc.DefaultConfig()
	tccCfg.BackoffBase = time.Millisecond
	tccCfg.BackoffMax = time.Millisecond
	tccCfg.MaxParallel = 1

	mem := memory.NewMemoryStorage()
	f.messages = memory.NewMessageRepo(mem)
	coord := tcc.NewCoordinator(tccCfg, dir, memory.NewTxRepo(mem), dedup.NewWindow(64, 0), nil)

	cfg := DefaultConfig()
	cfg.ValidateTimeout = time.Second
	cfg.MapTimeout = time.Second
	cfg.SendTimeout = time.Second
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryMax = time.Second

	f.machine = New(cfg, Deps{
		Validator:    governance.NewEngine(store),
		Transport:    f.transport,
		Coordinator:  coord,
		Integrations: registry,
		Messages:     f.messages,
		Dedup:        dedup.NewWindow(64, 0),
	})
	f.machine.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.delays = append(f.delays, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	return f
}

func (f *fixture) submit(t *testing.T, traceID, integrationID, payload string) *domain.Message {
	t.Helper()
	msg, err := f.machine.Submit(context.Background(), Submission{
		TraceID:       traceID,
		IntegrationID: integrationID,
		Payload:       json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("submit %s: %v", traceID, err)
	}
	checkTimeline(t, msg)
	return msg
}

const validOrder = `{"order_id":"SO-1001","customer_email":"jane@example.com","amount":"120.50"}`

func states(msg *domain.Message) []domain.MessageState {
	out := make([]domain.MessageState, len(msg.Timeline))
	for i, e := range msg.Timeline {
		out[i] = e.State
	}
	return out
}

func checkTimeline(t *testing.T, msg *domain.Message) {
	t.Helper()
	if len(msg.Timeline) == 0 {
		t.Fatal("timeline is empty")
	}
	if last := msg.Timeline[len(msg.Timeline)-1].State; last != msg.State {
		t.Fatalf("timeline ends in %s but message is %s", last, msg.State)
	}
	if msg.RetryCount > msg.MaxRetries {
		t.Fatalf("retry count %d exceeds max %d", msg.RetryCount, msg.MaxRetries)
	}
}

func equalStates(a, b []domain.MessageState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Submit
// =============================================================================

func TestSubmit_Confirmed(t *testing.T) {
	f := newFixture(t)
	msg := f.submit(t, "trace-1", "shopify-sap", validOrder)

	want := []domain.MessageState{
		domain.MessageReceived,
		domain.MessageValidated,
		domain.MessageMapped,
		domain.MessageSent,
		domain.MessageCallbackReceived,
		domain.MessageConfirmed,
	}
	if !equalStates(states(msg), want) {
		t.Fatalf("expected %v, got %v", want, states(msg))
	}
	if !msg.Terminal || msg.LastError != nil {
		t.Errorf("expected terminal message without error, got terminal=%v err=%v", msg.Terminal, msg.LastError)
	}
	if string(msg.MappedPayload) != validOrder {
		t.Errorf("expected pass-through mapping, got %s", msg.MappedPayload)
	}
	if len(msg.TargetResponse) == 0 {
		t.Error("target response was not recorded")
	}

	stored, err := f.messages.Get(context.Background(), "trace-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != domain.MessageConfirmed || len(stored.Timeline) != len(msg.Timeline) {
		t.Errorf("stored message differs: %s with %d entries", stored.State, len(stored.Timeline))
	}
}

func TestSubmit_RetriesThenConfirms(t *testing.T) {
	f := newFixture(t)
	f.transport.errs = []error{timeoutError{}, timeoutError{}}

	msg := f.submit(t, "trace-retry", "shopify-sap", validOrder)

	if msg.State != domain.MessageConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", msg.State)
	}
	if msg.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", msg.RetryCount)
	}
	if f.transport.count() != 3 {
		t.Errorf("expected 3 sends, got %d", f.transport.count())
	}
	for _, req := range f.transport.calls {
		if req.Token != msg.IdempotencyToken {
			t.Errorf("resend used token %q, expected %q", req.Token, msg.IdempotencyToken)
		}
	}
	if len(f.delays) != 2 || f.delays[0] != 10*time.Millisecond || f.delays[1] != 20*time.Millisecond {
		t.Errorf("expected exponential delays [10ms 20ms], got %v", f.delays)
	}

	want := []domain.MessageState{
		domain.MessageReceived, domain.MessageValidated, domain.MessageMapped,
		domain.MessageSent, domain.MessageFailed, domain.MessageRetrying,
		domain.MessageSent, domain.MessageFailed, domain.MessageRetrying,
		domain.MessageSent, domain.MessageCallbackReceived, domain.MessageConfirmed,
	}
	if !equalStates(states(msg), want) {
		t.Errorf("expected %v, got %v", want, states(msg))
	}
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.transport.errs = []error{statusError(503), statusError(503), statusError(503), statusError(503), statusError(503)}

	msg := f.submit(t, "trace-exhaust", "shopify-sap", validOrder)

	if msg.State != domain.MessageManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", msg.State)
	}
	if msg.RetryCount != 3 || f.transport.count() != 4 {
		t.Errorf("expected 3 retries over 4 sends, got %d retries and %d sends", msg.RetryCount, f.transport.count())
	}
	if msg.LastError == nil || msg.LastError.Category != domain.CategoryTarget {
		t.Errorf("expected target error, got %+v", msg.LastError)
	}
	if msg.Terminal {
		t.Error("manual review is not terminal")
	}
}

func TestSubmit_RetryLimit(t *testing.T) {
	tests := []struct {
		name        string
		integration string
		wantMax     int
		wantSends   int
	}{
		{name: "zero disables retries", integration: "no-retry", wantMax: 0, wantSends: 1},
		{name: "unset uses engine default", integration: "defaults", wantMax: 3, wantSends: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.transport.errs = []error{statusError(503), statusError(503), statusError(503), statusError(503)}

			msg := f.submit(t, "trace-"+tt.integration, tt.integration, validOrder)

			if msg.State != domain.MessageManualReview {
				t.Fatalf("expected MANUAL_REVIEW, got %s", msg.State)
			}
			if msg.MaxRetries != tt.wantMax || msg.RetryCount != tt.wantMax {
				t.Errorf("expected %d retries allowed and used, got max=%d count=%d", tt.wantMax, msg.MaxRetries, msg.RetryCount)
			}
			if f.transport.count() != tt.wantSends {
				t.Errorf("expected %d sends, got %d", tt.wantSends, f.transport.count())
			}
		})
	}
}

func TestSubmit_CallerGoneMidSend(t *testing.T) {
	f := newFixture(t)
	f.transport.latency = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	msg, err := f.machine.Submit(ctx, Submission{
		TraceID:       "trace-caller-gone",
		IntegrationID: "shopify-sap",
		Payload:       json.RawMessage(validOrder),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	checkTimeline(t, msg)

	if msg.State != domain.MessageConfirmed {
		t.Fatalf("expected CONFIRMED, got %s (last error %+v)", msg.State, msg.LastError)
	}
	if msg.RetryCount != 0 || f.transport.count() != 1 {
		t.Errorf("caller deadline must not cost a retry, got retries=%d sends=%d", msg.RetryCount, f.transport.count())
	}
}

func TestSubmit_MissingRequiredFieldGoesToReview(t *testing.T) {
	f := newFixture(t)
	msg := f.submit(t, "trace-invalid", "shopify-sap", `{"customer_email":"jane@example.com"}`)

	want := []domain.MessageState{domain.MessageReceived, domain.MessageFailed, domain.MessageManualReview}
	if !equalStates(states(msg), want) {
		t.Fatalf("expected %v, got %v", want, states(msg))
	}
	if msg.LastError == nil || msg.LastError.Category != domain.CategoryValidation {
		t.Fatalf("expected validation error, got %+v", msg.LastError)
	}
	if msg.LastError.Field != "order_id" {
		t.Errorf("expected field order_id, got %q", msg.LastError.Field)
	}
	if msg.Evaluation == nil || msg.Evaluation.Verdict != domain.VerdictCriticalFail {
		t.Errorf("expected CRITICAL_FAIL evaluation, got %+v", msg.Evaluation)
	}
	if msg.RetryCount != 0 || f.transport.count() != 0 {
		t.Errorf("validation failures must not be retried or sent")
	}
}

func TestSubmit_TargetRejectsPayload(t *testing.T) {
	f := newFixture(t)
	f.transport.errs = []error{statusError(422)}

	msg := f.submit(t, "trace-422", "shopify-sap", validOrder)

	if msg.State != domain.MessageManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", msg.State)
	}
	if msg.LastError.Category != domain.CategoryValidation || msg.RetryCount != 0 {
		t.Errorf("expected unretried validation failure, got %+v retries=%d", msg.LastError, msg.RetryCount)
	}
	if f.transport.count() != 1 {
		t.Errorf("expected one send, got %d", f.transport.count())
	}
}

func TestSubmit_FlaggedMessageIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.transport.errs = []error{timeoutError{}}

	msg := f.submit(t, "trace-flagged", "shopify-sap", `{"order_id":"SO-7","customer_email":"not-an-email"}`)

	if msg.Evaluation == nil || msg.Evaluation.Verdict != domain.VerdictWarn || !msg.Evaluation.Flagged {
		t.Fatalf("expected flagged WARN evaluation, got %+v", msg.Evaluation)
	}
	if msg.State != domain.MessageManualReview || msg.RetryCount != 0 {
		t.Errorf("expected MANUAL_REVIEW without retry, got %s retries=%d", msg.State, msg.RetryCount)
	}
}

func TestSubmit_MappingFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.machine.mapper = mapperFunc(func(context.Context, domain.Integration, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: cannot convert amount to decimal", classify.ErrMapping)
	})

	msg := f.submit(t, "trace-map", "shopify-sap", validOrder)

	if msg.State != domain.MessageFailed || !msg.Terminal {
		t.Fatalf("expected terminal FAILED, got %s terminal=%v", msg.State, msg.Terminal)
	}
	if msg.LastError.Category != domain.CategoryMapping {
		t.Errorf("expected mapping category, got %s", msg.LastError.Category)
	}
	if msg.MappedPayload != nil {
		t.Error("mapped payload must only be set once MAPPED")
	}
	if _, err := f.machine.Resolve(context.Background(), "trace-map", domain.ReviewConfirm, ""); !errors.Is(err, ErrNotInReview) {
		t.Errorf("expected ErrNotInReview, got %v", err)
	}
}

func TestSubmit_MapperOutputIsSent(t *testing.T) {
	f := newFixture(t)
	f.machine.mapper = mapperFunc(func(_ context.Context, in domain.Integration, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"target":"` + in.Target + `"}`), nil
	})

	msg := f.submit(t, "trace-mapped", "shopify-sap", validOrder)

	if string(msg.MappedPayload) != `{"target":"SAP"}` {
		t.Errorf("unexpected mapped payload %s", msg.MappedPayload)
	}
	if string(f.transport.calls[0].Payload) != `{"target":"SAP"}` {
		t.Errorf("transport received %s", f.transport.calls[0].Payload)
	}
}

func TestSubmit_ResubmitChangesNothing(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, "trace-dup", "shopify-sap", validOrder)

	again := f.submit(t, "trace-dup", "shopify-sap", `{"order_id":"other"}`)

	if again.State != domain.MessageConfirmed || len(again.Timeline) != len(first.Timeline) {
		t.Errorf("resubmit changed the message: %s with %d entries", again.State, len(again.Timeline))
	}
	if string(again.SourcePayload) != validOrder {
		t.Errorf("resubmit replaced the payload: %s", again.SourcePayload)
	}
	if f.transport.count() != 1 {
		t.Errorf("expected one send, got %d", f.transport.count())
	}
}

func TestSubmit_ConcurrentRedeliveryIsSerialized(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.machine.Submit(context.Background(), Submission{
				TraceID:       "trace-race",
				IntegrationID: "shopify-sap",
				Payload:       json.RawMessage(validOrder),
			}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.transport.count() != 1 {
		t.Errorf("expected a single send, got %d", f.transport.count())
	}
}

func TestSubmit_ClaimedElsewhere(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.machine.dedup.Claim(context.Background(), dedupKey("trace-archived"), "shopify-sap"); err != nil {
		t.Fatal(err)
	}

	_, err := f.machine.Submit(context.Background(), Submission{
		TraceID:       "trace-archived",
		IntegrationID: "shopify-sap",
		Payload:       json.RawMessage(validOrder),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestSubmit_Rejected(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		sub     Submission
		wantErr error
	}{
		{"missing trace", Submission{IntegrationID: "shopify-sap"}, ErrInvalidSubmission},
		{"unknown integration", Submission{TraceID: "t", IntegrationID: "nope"}, integration.ErrUnknownIntegration},
		{"paused integration", Submission{TraceID: "t", IntegrationID: "paused"}, ErrIntegrationPaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.machine.Submit(context.Background(), tt.sub)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSubmit_SendDeadlineAbandonsCall(t *testing.T) {
	f := newFixture(t)
	f.machine.cfg.SendTimeout = 20 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	f.transport.block = release

	start := time.Now()
	msg := f.submit(t, "trace-slow", "shopify-sap", validOrder)

	if time.Since(start) > 2*time.Second {
		t.Fatal("expired send was awaited")
	}
	if msg.State != domain.MessageConfirmed || msg.RetryCount != 1 {
		t.Fatalf("expected CONFIRMED after one retry, got %s retries=%d", msg.State, msg.RetryCount)
	}
	if failed := msg.Timeline[4]; failed.State != domain.MessageFailed || !strings.Contains(failed.Event, "TIMEOUT") {
		t.Errorf("expected a timeout failure entry, got %+v", failed)
	}
}

func TestSubmit_ValidatorPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.machine.validator = validatorFunc(func(context.Context, *domain.Message) (*domain.Evaluation, error) {
		panic("rule engine exploded")
	})

	msg := f.submit(t, "trace-panic", "shopify-sap", validOrder)

	if msg.State != domain.MessageManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", msg.State)
	}
	if msg.LastError == nil || !strings.Contains(msg.LastError.Message, "rule engine exploded") {
		t.Errorf("expected panic in error detail, got %+v", msg.LastError)
	}
}

// =============================================================================
// Delegation
// =============================================================================

func TestSubmit_DelegatesToTransaction(t *testing.T) {
	f := newFixture(t)
	msg := f.submit(t, "trace-saga", "order-saga", validOrder)

	if msg.State != domain.MessageConfirmed {
		t.Fatalf("expected CONFIRMED, got %s (%+v)", msg.State, msg.LastError)
	}
	if msg.TransactionID == "" {
		t.Fatal("transaction id was not recorded")
	}
	if f.transport.count() != 0 {
		t.Error("multi-resource integrations must not use the transport")
	}
	if f.inventory.confirms != 1 || f.payment.confirms != 1 {
		t.Errorf("expected one confirm per participant, got %d/%d", f.inventory.confirms, f.payment.confirms)
	}
	if !strings.Contains(msg.Timeline[3].Event, msg.TransactionID) {
		t.Errorf("expected delegation entry, got %q", msg.Timeline[3].Event)
	}
}

func TestSubmit_RolledBackTransactionIsRetried(t *testing.T) {
	f := newFixture(t)
	f.payment.tryFailures = 1

	msg := f.submit(t, "trace-saga-retry", "order-saga", validOrder)

	if msg.State != domain.MessageConfirmed || msg.RetryCount != 1 {
		t.Fatalf("expected CONFIRMED after one retry, got %s retries=%d", msg.State, msg.RetryCount)
	}
	if f.inventory.cancels != 1 || f.inventory.confirms != 1 {
		t.Errorf("expected first transaction cancelled and second confirmed, got cancels=%d confirms=%d",
			f.inventory.cancels, f.inventory.confirms)
	}
	var failure *domain.TimelineEntry
	for i := range msg.Timeline {
		if msg.Timeline[i].State == domain.MessageFailed {
			failure = &msg.Timeline[i]
		}
	}
	if failure == nil || !strings.Contains(failure.Event, "TRANSACTION_ROLLED_BACK") {
		t.Errorf("expected rolled back failure entry, got %+v", failure)
	}
}

func TestSubmit_InconsistencyEscalatesImmediately(t *testing.T) {
	f := newFixture(t)
	f.machine.coordinator = inconsistentCoordinator{}

	msg := f.submit(t, "trace-broken", "order-saga", validOrder)

	if msg.State != domain.MessageManualReview || msg.RetryCount != 0 {
		t.Fatalf("expected MANUAL_REVIEW without retry, got %s retries=%d", msg.State, msg.RetryCount)
	}
	if msg.LastError == nil || !msg.LastError.Inconsistent {
		t.Errorf("expected inconsistency error, got %+v", msg.LastError)
	}
	if msg.TransactionID != "tx-broken" {
		t.Errorf("expected transaction id to be kept for recovery, got %q", msg.TransactionID)
	}
}

// =============================================================================
// Review and callbacks
// =============================================================================

func TestResolve(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "trace-a", "shopify-sap", `{}`)
	f.submit(t, "trace-b", "shopify-sap", `{}`)
	ctx := context.Background()

	approved, err := f.machine.Resolve(ctx, "trace-a", domain.ReviewConfirm, "fixed upstream")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	checkTimeline(t, approved)
	if approved.State != domain.MessageConfirmed || !approved.Terminal {
		t.Errorf("expected terminal CONFIRMED, got %s", approved.State)
	}
	if last := approved.Timeline[len(approved.Timeline)-1].Event; !strings.Contains(last, "fixed upstream") {
		t.Errorf("operator note missing from timeline: %q", last)
	}

	rejected, err := f.machine.Resolve(ctx, "trace-b", domain.ReviewReject, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rejected.State != domain.MessageFailed || !rejected.Terminal {
		t.Errorf("expected terminal FAILED, got %s", rejected.State)
	}

	if _, err := f.machine.Resolve(ctx, "trace-a", domain.ReviewReject, ""); !errors.Is(err, ErrNotInReview) {
		t.Errorf("expected ErrNotInReview, got %v", err)
	}
	if _, err := f.machine.Resolve(ctx, "trace-a", "maybe", ""); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
}

func TestCallback(t *testing.T) {
	f := newFixture(t)
	f.transport.pending = true
	ctx := context.Background()

	msg := f.submit(t, "trace-async", "shopify-sap", validOrder)
	if msg.State != domain.MessageSent || msg.Terminal {
		t.Fatalf("expected SENT awaiting callback, got %s", msg.State)
	}

	done, err := f.machine.Callback(ctx, "trace-async", CallbackResult{OK: true, Body: json.RawMessage(`{"doc":"4711"}`)})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	checkTimeline(t, done)
	if done.State != domain.MessageConfirmed || string(done.TargetResponse) != `{"doc":"4711"}` {
		t.Errorf("expected CONFIRMED with callback body, got %s %s", done.State, done.TargetResponse)
	}

	if _, err := f.machine.Callback(ctx, "trace-async", CallbackResult{OK: true}); !errors.Is(err, ErrNotAwaitingCallback) {
		t.Errorf("expected ErrNotAwaitingCallback, got %v", err)
	}
}

func TestCallback_FailureResends(t *testing.T) {
	f := newFixture(t)
	f.transport.pending = true
	f.submit(t, "trace-async-fail", "shopify-sap", validOrder)

	msg, err := f.machine.Callback(context.Background(), "trace-async-fail", CallbackResult{
		Error:      "posting period closed",
		StatusCode: 503,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	checkTimeline(t, msg)
	if msg.State != domain.MessageSent || msg.RetryCount != 1 {
		t.Errorf("expected resend awaiting callback, got %s retries=%d", msg.State, msg.RetryCount)
	}
	if msg.LastError == nil || msg.LastError.Code != "HTTP_503" {
		t.Errorf("expected HTTP_503 error, got %+v", msg.LastError)
	}
	if f.transport.count() != 2 {
		t.Errorf("expected 2 sends, got %d", f.transport.count())
	}
}

func TestExpireCallbacks(t *testing.T) {
	f := newFixture(t)
	f.transport.pending = true
	f.submit(t, "trace-stale", "shopify-sap", validOrder)

	n, err := f.machine.ExpireCallbacks(context.Background(), time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("fresh messages must not expire, got %d %v", n, err)
	}

	n, err = f.machine.ExpireCallbacks(context.Background(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired message, got %d", n)
	}

	msg, _ := f.messages.Get(context.Background(), "trace-stale")
	checkTimeline(t, msg)
	if msg.RetryCount != 1 || msg.LastError == nil || msg.LastError.Code != "CALLBACK_TIMEOUT" {
		t.Errorf("expected callback timeout retry, got retries=%d err=%+v", msg.RetryCount, msg.LastError)
	}
}
