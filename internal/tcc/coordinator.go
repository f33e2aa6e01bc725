package tcc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/controltower/internal/core/deadline"
	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/core/fsm"
	"github.com/vietddude/controltower/internal/core/keylock"
	"github.com/vietddude/controltower/internal/dedup"
	"github.com/vietddude/controltower/internal/delivery/retry"
	"github.com/vietddude/controltower/internal/events"
	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/telemetry/metrics"
)

var (
	// ErrCoordinationInconsistency is returned when Confirm or Cancel did not
	// converge. The transaction is left in its CONFIRMING or CANCELLING phase
	// for an operator to recover.
	ErrCoordinationInconsistency = errors.New("coordination inconsistency")

	// ErrUnknownParticipant is returned when no client is registered for a participant.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrInvalidTransaction is returned for transactions that can not be executed.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

const (
	decisionConfirm = "confirm"
	decisionCancel  = "cancel"
)

func decisionKey(txID string) string {
	return "decision:" + txID
}

// Config holds coordinator timing and retry settings.
type Config struct {
	TryTimeout         time.Duration `yaml:"try_timeout"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MaxParallel        int           `yaml:"max_parallel"`
	ConfirmAttempts    int           `yaml:"confirm_attempts"`
	CancelAttempts     int           `yaml:"cancel_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		TryTimeout:         5 * time.Second,
		TransactionTimeout: 30 * time.Second,
		CallTimeout:        5 * time.Second,
		ConfirmAttempts:    5,
		CancelAttempts:     5,
		BackoffBase:        200 * time.Millisecond,
		BackoffMax:         5 * time.Second,
	}
}

// Coordinator drives TCC transactions: parallel Try, then a global Confirm
// or Cancel. Each transaction has a single writer.
type Coordinator struct {
	cfg       Config
	clients   Clients
	repo      storage.TransactionRepository
	decisions dedup.Store
	emitter   events.Emitter
	locks     *keylock.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a coordinator. decisions records the Confirm or
// Cancel decision per transaction with compare-and-set; emitter may be nil.
func NewCoordinator(
	cfg Config,
	clients Clients,
	repo storage.TransactionRepository,
	decisions dedup.Store,
	emitter events.Emitter,
) *Coordinator {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if decisions == nil {
		decisions = dedup.NewWindow(4096, 24*time.Hour)
	}
	return &Coordinator{
		cfg:       cfg,
		clients:   clients,
		repo:      repo,
		decisions: decisions,
		emitter:   emitter,
		locks:     keylock.New(),
		logger:    slog.Default().With("component", "tcc"),
		now:       time.Now,
	}
}

// Begin builds a new transaction for flow.
func (c *Coordinator) Begin(flow domain.Flow, traceID string, payload []byte) *domain.Transaction {
	return domain.NewTransaction(uuid.NewString(), traceID, flow, payload, c.now())
}

// Get returns a stored transaction.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return c.repo.Get(ctx, id)
}

// Execute runs tx to COMPLETED or ROLLED_BACK and returns its final state.
// tx is updated in place. A ROLLED_BACK transaction is not an error; the
// returned error is non-nil only when tx can not be run or when the
// outcome did not converge, in which case it wraps ErrCoordinationInconsistency.
func (c *Coordinator) Execute(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if err := c.validate(tx); err != nil {
		return nil, err
	}

	unlock, err := c.locks.Lock(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", tx.ID, err)
	}
	defer unlock()

	metrics.TransactionsActive.WithLabelValues(tx.FlowID).Inc()
	defer metrics.TransactionsActive.WithLabelValues(tx.FlowID).Dec()

	r := &run{c: c, tx: tx}
	r.save(ctx)
	c.emit(ctx, domain.EventTransaction, tx.ID, string(tx.Phase), "transaction started")

	allTried := r.tryAll(ctx)

	// Confirm and Cancel must run to completion even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	want := decisionCancel
	if allTried {
		want = decisionConfirm
	}
	decision, err := c.decide(bg, tx.ID, want)
	if err != nil {
		return r.snapshot(), r.inconsistent(bg, err)
	}

	if decision == decisionConfirm {
		err = r.confirmAll(bg)
	} else {
		err = r.cancelAll(bg)
	}

	final := r.snapshot()
	c.logger.Info("Transaction finished",
		"tx", final.ID,
		"flow", final.FlowID,
		"phase", final.Phase,
		"duration", c.now().Sub(final.CreatedAt),
	)
	return final, err
}

// Recover re-drives a transaction left in a non-terminal phase, for
// example after a coordination inconsistency or a restart.
func (c *Coordinator) Recover(ctx context.Context, id string) (*domain.Transaction, error) {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", id, err)
	}
	defer unlock()

	tx, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Terminal() {
		return tx, nil
	}

	bg := context.WithoutCancel(ctx)
	r := &run{c: c, tx: tx}
	r.clearError()
	c.logger.Info("Recovering transaction", "tx", id, "phase", tx.Phase)

	switch tx.Phase {
	case domain.PhaseConfirming:
		err = r.confirmAll(bg)
	case domain.PhaseCancelling:
		err = r.cancelAll(bg)
	default:
		// Interrupted during Try. Follow a recorded decision, otherwise cancel.
		want := decisionCancel
		if owner, ok, gerr := c.decisions.Get(bg, decisionKey(id)); gerr == nil && ok {
			want = owner
		}
		if want == decisionConfirm && !r.allIn(domain.ParticipantTried) {
			return r.snapshot(), r.inconsistent(bg, errors.New("confirm recorded before every participant was tried"))
		}
		decision, derr := c.decide(bg, id, want)
		if derr != nil {
			return r.snapshot(), r.inconsistent(bg, derr)
		}
		if decision == decisionConfirm {
			err = r.confirmAll(bg)
		} else {
			err = r.cancelAll(bg)
		}
	}
	return r.snapshot(), err
}

func (c *Coordinator) validate(tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTransaction)
	}
	if tx.Phase != domain.PhaseTrying {
		return fmt.Errorf("%w: %s is in phase %s", ErrInvalidTransaction, tx.ID, tx.Phase)
	}
	if len(tx.Participants) == 0 {
		return fmt.Errorf("%w: %s has no participants", ErrInvalidTransaction, tx.ID)
	}
	seen := make(map[string]bool, len(tx.Participants))
	for _, p := range tx.Participants {
		if p.State != domain.ParticipantPending {
			return fmt.Errorf("%w: participant %s is %s", ErrInvalidTransaction, p.Name, p.State)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate participant %s", ErrInvalidTransaction, p.Name)
		}
		seen[p.Name] = true
		if _, ok := c.clients.Client(tx.FlowID, p.Name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, p.Name)
		}
	}
	return nil
}

// decide records the global decision for a transaction. Once cancel is
// recorded confirm can never be chosen, and the reverse.
func (c *Coordinator) decide(ctx context.Context, txID, want string) (string, error) {
	owner, claimed, err := c.decisions.Claim(ctx, decisionKey(txID), want)
	switch {
	case err != nil:
		c.logger.Warn("Decision store unavailable, falling back to cancel", "tx", txID, "error", err)
		return decisionCancel, nil
	case claimed || owner == want:
		return want, nil
	case owner == decisionCancel:
		c.logger.Warn("Cancel already recorded, not confirming", "tx", txID)
		return decisionCancel, nil
	default:
		return "", fmt.Errorf("%w: transaction %s already decided %s", ErrCoordinationInconsistency, txID, owner)
	}
}

func (c *Coordinator) emit(ctx context.Context, kind domain.EventKind, id, state, detail string) {
	err := c.emitter.Emit(ctx, &domain.Event{
		Kind:      kind,
		EntityID:  id,
		State:     state,
		Detail:    detail,
		Timestamp: c.now(),
	})
	if err != nil {
		c.logger.Debug("Emit failed", "id", id, "error", err)
	}
}

func observe(participant, op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.ParticipantCalls.WithLabelValues(participant, op, result).Inc()
}

// run is the mutable state of one transaction being driven. Participant
// goroutines update tx under mu.
type run struct {
	c  *Coordinator
	mu sync.Mutex
	tx *domain.Transaction
}

func (r *run) snapshot() *domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx.Clone()
}

func (r *run) save(ctx context.Context) {
	snap := r.snapshot()
	if err := r.c.repo.Save(ctx, snap); err != nil {
		r.c.logger.Error("Failed to save transaction", "tx", snap.ID, "phase", snap.Phase, "error", err)
	}
}

func (r *run) state(p *domain.Participant) domain.ParticipantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.State
}

func (r *run) allIn(s domain.ParticipantState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.tx.Participants {
		if p.State != s {
			return false
		}
	}
	return true
}

func (r *run) request(p *domain.Participant) Request {
	return Request{
		TransactionID: r.tx.ID,
		Participant:   p.Name,
		Resource:      p.Resource,
		Token:         p.Token,
		Payload:       r.tx.Payload,
	}
}

func (r *run) attempted(p *domain.Participant, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Attempts++
	if err != nil {
		p.Error = err.Error()
	}
}

func (r *run) clearError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tx.Error = nil
}

// setParticipant moves p to state `to` if the participant table allows it
// and persists the transaction.
func (r *run) setParticipant(ctx context.Context, p *domain.Participant, to domain.ParticipantState) bool {
	r.mu.Lock()
	from := p.State
	if err := fsm.ParticipantTable.Check(from, to); err != nil {
		r.mu.Unlock()
		r.c.logger.Error("Rejected participant transition", "tx", r.tx.ID, "participant", p.Name, "error", err)
		return false
	}
	p.State = to
	r.mu.Unlock()

	// Persisted before the next remote call so a restart sees every
	// participant that may hold a reservation.
	r.save(ctx)
	r.c.emit(ctx, domain.EventParticipant, r.tx.ID+"/"+p.Name, string(to), string(from)+" -> "+string(to))
	return true
}

// setPhase moves the transaction to phase `to` and persists it.
func (r *run) setPhase(ctx context.Context, to domain.Phase) error {
	r.mu.Lock()
	from := r.tx.Phase
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if err := fsm.PhaseTable.Check(from, to); err != nil {
		r.mu.Unlock()
		return err
	}
	r.tx.Phase = to
	if to == domain.PhaseCompleted || to == domain.PhaseRolledBack {
		at := r.c.now()
		r.tx.CompletedAt = &at
	}
	r.mu.Unlock()

	r.save(ctx)
	r.c.emit(ctx, domain.EventTransaction, r.tx.ID, string(to), string(from)+" -> "+string(to))
	if to == domain.PhaseCompleted || to == domain.PhaseRolledBack {
		metrics.TransactionsTotal.WithLabelValues(r.tx.FlowID, string(to)).Inc()
	}
	return nil
}

// inconsistent records a non-converged outcome and returns the escalation error.
func (r *run) inconsistent(ctx context.Context, cause error) error {
	r.mu.Lock()
	phase := r.tx.Phase
	r.tx.Error = &domain.ErrorDetail{
		Category:     domain.CategoryTarget,
		Code:         "COORDINATION_INCONSISTENCY",
		Message:      cause.Error(),
		Inconsistent: true,
	}
	r.mu.Unlock()

	r.save(ctx)
	metrics.CoordinationInconsistencies.WithLabelValues(r.tx.FlowID, string(phase)).Inc()
	r.c.emit(ctx, domain.EventTransaction, r.tx.ID, string(phase), "coordination inconsistency: "+cause.Error())
	r.c.logger.Error("Coordination inconsistency", "tx", r.tx.ID, "phase", phase, "error", cause)

	if errors.Is(cause, ErrCoordinationInconsistency) {
		return cause
	}
	return fmt.Errorf("%w: transaction %s stuck in %s: %v", ErrCoordinationInconsistency, r.tx.ID, phase, cause)
}

// tryAll runs Try on every participant concurrently. The first failure
// cancels the rest: participants not yet started stay PENDING and in-flight
// calls are abandoned in TRYING. It reports whether every participant is TRIED.
func (r *run) tryAll(ctx context.Context) bool {
	c := r.c
	txCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.TransactionTimeout > 0 {
		txCtx, cancel = context.WithTimeout(ctx, c.cfg.TransactionTimeout)
	}
	defer cancel()

	g, gctx := errgroup.WithContext(txCtx)
	if c.cfg.MaxParallel > 0 {
		g.SetLimit(c.cfg.MaxParallel)
	}

	for _, p := range r.tx.Participants {
		client, _ := c.clients.Client(r.tx.FlowID, p.Name)
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r.setParticipant(ctx, p, domain.ParticipantTrying)

			err := deadline.Do(gctx, c.cfg.TryTimeout, func(cctx context.Context) error {
				return client.Try(cctx, r.request(p))
			})
			observe(p.Name, "try", err)
			r.attempted(p, err)

			if err == nil {
				r.setParticipant(ctx, p, domain.ParticipantTried)
				return nil
			}
			if errors.Is(err, context.Canceled) && gctx.Err() != nil && txCtx.Err() == nil {
				// A sibling failed first; this call is abandoned and left TRYING.
				return nil
			}
			r.setParticipant(ctx, p, domain.ParticipantTryFailed)
			c.logger.Warn("Try failed", "tx", r.tx.ID, "participant", p.Name, "error", err)
			return fmt.Errorf("try %s: %w", p.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		return false
	}
	return r.allIn(domain.ParticipantTried)
}

// drive calls op with bounded retries and exponential backoff.
func (r *run) drive(
	ctx context.Context,
	p *domain.Participant,
	op string,
	attempts int,
	call func(context.Context, Request) error,
) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := retry.Backoff(r.c.cfg.BackoffBase, r.c.cfg.BackoffMax, i-1)
			if serr := retry.Sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		err = deadline.Do(ctx, r.c.cfg.CallTimeout, func(cctx context.Context) error {
			return call(cctx, r.request(p))
		})
		observe(p.Name, op, err)
		r.attempted(p, err)
		if err == nil {
			return nil
		}
		r.c.logger.Warn("Participant call failed",
			"tx", r.tx.ID, "participant", p.Name, "op", op, "attempt", i+1, "error", err)
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", op, p.Name, attempts, err)
}

func (r *run) confirmAll(ctx context.Context) error {
	if err := r.setPhase(ctx, domain.PhaseConfirming); err != nil {
		return r.inconsistent(ctx, err)
	}

	var g errgroup.Group
	if r.c.cfg.MaxParallel > 0 {
		g.SetLimit(r.c.cfg.MaxParallel)
	}
	for _, p := range r.tx.Participants {
		client, ok := r.c.clients.Client(r.tx.FlowID, p.Name)
		g.Go(func() error {
			switch st := r.state(p); st {
			case domain.ParticipantConfirmed:
				return nil
			case domain.ParticipantTried:
				r.setParticipant(ctx, p, domain.ParticipantConfirming)
			case domain.ParticipantConfirming:
			default:
				return fmt.Errorf("participant %s is %s and can not be confirmed", p.Name, st)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownParticipant, p.Name)
			}
			if err := r.drive(ctx, p, "confirm", r.c.cfg.ConfirmAttempts, client.Confirm); err != nil {
				return err
			}
			r.setParticipant(ctx, p, domain.ParticipantConfirmed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.inconsistent(ctx, err)
	}
	return r.setPhase(ctx, domain.PhaseCompleted)
}

// cancelAll compensates every participant that left PENDING.
func (r *run) cancelAll(ctx context.Context) error {
	if err := r.setPhase(ctx, domain.PhaseCancelling); err != nil {
		return r.inconsistent(ctx, err)
	}

	var g errgroup.Group
	if r.c.cfg.MaxParallel > 0 {
		g.SetLimit(r.c.cfg.MaxParallel)
	}
	for _, p := range r.tx.Participants {
		client, ok := r.c.clients.Client(r.tx.FlowID, p.Name)
		g.Go(func() error {
			switch st := r.state(p); st {
			case domain.ParticipantPending, domain.ParticipantCancelled:
				return nil
			case domain.ParticipantTrying, domain.ParticipantTried, domain.ParticipantTryFailed:
				r.setParticipant(ctx, p, domain.ParticipantCancelling)
			case domain.ParticipantCancelling:
			default:
				return fmt.Errorf("participant %s is %s and can not be cancelled", p.Name, st)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownParticipant, p.Name)
			}
			if err := r.drive(ctx, p, "cancel", r.c.cfg.CancelAttempts, client.Cancel); err != nil {
				return err
			}
			r.setParticipant(ctx, p, domain.ParticipantCancelled)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.inconsistent(ctx, err)
	}
	return r.setPhase(ctx, domain.PhaseRolledBack)
}
