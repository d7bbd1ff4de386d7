package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tavolo/paycore/internal/idgen"
	"github.com/tavolo/paycore/internal/logging"
	"github.com/tavolo/paycore/internal/metrics"
	"github.com/tavolo/paycore/internal/orderref"
	"github.com/tavolo/paycore/internal/traces"
)

// ErrIllegalTransition marks an apply that the state machine refuses. In
// strict mode (development/test) it surfaces to the caller; in production
// ingestion the ledger degrades it to a logged no-op, since an
// attacker-controlled signal must never crash signal processing.
var ErrIllegalTransition = errors.New("illegal intent transition")

// Applier performs the downstream order-store mutation for a terminal
// transition. The ledger calls it at most once per (intent id, status),
// after its own write is durable; failures are audited, never rolled back.
type Applier interface {
	Apply(ctx context.Context, ref orderref.Reference, status Status, amount int64, currency, transactionCode string) error
}

// ApplyResult reports what an Apply call did.
type ApplyResult struct {
	Changed    bool
	Status     Status
	Optimistic bool
}

// Ledger owns the payment intent state machine.
type Ledger struct {
	store   Store
	applier Applier
	logger  *slog.Logger
	ttl     time.Duration // expiry window for implicitly re-created intents
	strict  bool
	nowFn   func() time.Time
	notify  func(it *Intent, res ApplyResult)
}

// Option configures the ledger.
type Option func(*Ledger)

// WithStrict makes illegal transitions return ErrIllegalTransition instead
// of degrading to a logged no-op. For development and tests.
func WithStrict() Option {
	return func(l *Ledger) { l.strict = true }
}

// WithNow overrides the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

// WithNotifier registers a callback invoked after every applied transition,
// outside the intent lock. Used to feed the realtime status stream.
func WithNotifier(fn func(it *Intent, res ApplyResult)) Option {
	return func(l *Ledger) { l.notify = fn }
}

// NewLedger creates a ledger over the given store. applier may be nil in
// read-only contexts (no dispatch is attempted then).
func NewLedger(store Store, applier Applier, ttl time.Duration, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		applier: applier,
		logger:  logger,
		ttl:     ttl,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a fresh PENDING intent at checkout time.
func (l *Ledger) Create(ctx context.Context, it *Intent) error {
	if it.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if !it.Reference.Resolved() {
		return fmt.Errorf("intent reference must be resolved")
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = l.nowFn()
	}
	return l.store.Create(ctx, it)
}

// Get returns the intent by checkout id.
func (l *Ledger) Get(ctx context.Context, id string) (*Intent, error) {
	return l.store.Get(ctx, id)
}

// StatusByOrder serves the poll path: the latest intent for an order. The
// caller only ever sees the five client-visible statuses; an optimistic PAID
// polls as PAID.
func (l *Ledger) StatusByOrder(ctx context.Context, kind, orderID string) (*Intent, error) {
	return l.store.FindByOrder(ctx, kind, orderID)
}

// FindByReference returns the latest intent for an encoded reference string.
func (l *Ledger) FindByReference(ctx context.Context, rawRef string) (*Intent, error) {
	return l.store.FindByReference(ctx, rawRef)
}

// Apply runs one normalized signal through the state machine.
//
// The store's Mutate serializes concurrent applies per intent, so the
// precedence decision always sees the latest committed state. The order-store
// dispatch happens after the ledger write is durable and outside the intent
// lock; its outcome is recorded on the event's audit field.
func (l *Ledger) Apply(ctx context.Context, intentID string, ev SignalEvent) (ApplyResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.apply",
		traces.IntentID(intentID),
		traces.SignalSource(string(ev.Source)),
		traces.Status(string(ev.ClaimedStatus)),
	)
	defer span.End()

	ctx = logging.WithIntentID(ctx, intentID)
	log := logging.L(ctx)

	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("sig_")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = l.nowFn()
	}

	var (
		dispatch       bool
		dispatchStatus Status
		outcome        string
	)

	mutate := func(it *Intent) (bool, error) {
		changed, disp, reason, err := l.transition(it, &ev, log)
		dispatch, dispatchStatus = disp, it.Status
		outcome = reason
		return changed, err
	}

	updated, err := l.store.Mutate(ctx, intentID, mutate)
	if errors.Is(err, ErrIntentNotFound) {
		updated, err = l.applyWithImplicitCreate(ctx, intentID, ev, mutate, log)
	}
	if err != nil {
		metrics.SignalsTotal.WithLabelValues(string(ev.Source), "error").Inc()
		return ApplyResult{}, err
	}

	metrics.SignalsTotal.WithLabelValues(string(ev.Source), outcome).Inc()

	result := ApplyResult{
		Changed:    outcome == "applied",
		Status:     updated.Status,
		Optimistic: updated.Optimistic,
	}

	if result.Changed {
		metrics.IntentTransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
		log.Info("intent transition applied",
			"source", ev.Source,
			"verified", ev.Verified,
			"status", updated.Status,
			"optimistic", updated.Optimistic,
		)
	}

	if dispatch {
		l.dispatch(ctx, updated, ev.ID, dispatchStatus, log)
	}

	if result.Changed && l.notify != nil {
		l.notify(updated, result)
	}

	return result, nil
}

// applyWithImplicitCreate re-creates an intent lost from the store, but only
// for sources that carry a resolvable reference. Everything else is an
// unknown intent.
func (l *Ledger) applyWithImplicitCreate(ctx context.Context, intentID string, ev SignalEvent,
	mutate func(*Intent) (bool, error), log *slog.Logger) (*Intent, error) {

	ref := orderref.Decode(ev.RawReference)
	if !implicitCreateAllowed(ev.Source) || !ref.Resolved() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}

	now := l.nowFn()
	it := &Intent{
		ID:        intentID,
		Reference: ref,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	if err := l.store.Create(ctx, it); err != nil && !errors.Is(err, ErrIntentExists) {
		return nil, err
	}
	log.Warn("implicitly re-created intent from signal",
		"intent_id", intentID,
		"source", ev.Source,
		"reference", ev.RawReference,
	)

	return l.store.Mutate(ctx, intentID, mutate)
}

// transition is the precedence core. It runs under the store's per-intent
// lock and reports whether the intent changed, whether a dispatch is due,
// and an outcome label for metrics.
func (l *Ledger) transition(it *Intent, ev *SignalEvent, log *slog.Logger) (changed, dispatch bool, outcome string, err error) {
	// Re-delivery of an already-applied shape is a no-op.
	if it.hasSignal(*ev) {
		return false, false, "duplicate", nil
	}

	// A degraded intent was never registered with the provider, so a
	// verified webhook naming it is forged or replayed. Checked, not
	// assumed. System-generated sweeps are exempt.
	if it.Degraded && ev.Verified && ev.Source != SourceSweeper {
		log.Warn("rejected verified signal against degraded intent",
			"source", ev.Source,
			"claimed_status", ev.ClaimedStatus,
		)
		return false, false, "forged", nil
	}

	if !ev.ClaimedStatus.Terminal() {
		// Nothing to reconcile; PENDING claims carry no information.
		return false, false, "non-terminal", nil
	}

	// Expiry only claims intents still waiting. If a payment signal won
	// the race between the sweep query and this apply, the sweep loses.
	if ev.Source == SourceSweeper && it.Status != StatusPending {
		return false, false, "stale", nil
	}

	if ev.Verified {
		return l.applyVerified(it, ev, log)
	}
	return l.applyUnverified(it, ev, log)
}

func (l *Ledger) applyVerified(it *Intent, ev *SignalEvent, log *slog.Logger) (bool, bool, string, error) {
	if it.Status.Terminal() && it.Confirmed {
		if ev.ClaimedStatus == it.Status {
			// Provider retry of the event that confirmed us.
			return false, false, "duplicate", nil
		}
		// An older, superseded event arriving late must not revert a
		// verified terminal status.
		log.Warn("ignored verified signal against confirmed terminal status",
			"current", it.Status,
			"claimed", ev.ClaimedStatus,
		)
		return false, false, "stale", nil
	}

	prev := it.Status
	wasOptimistic := it.Optimistic

	l.noteAmountMismatch(it, ev, log)
	it.Status = ev.ClaimedStatus
	it.Optimistic = false
	it.Confirmed = true
	if ev.TransactionCode != "" {
		it.TransactionCode = ev.TransactionCode
	}
	it.Signals = append(it.Signals, *ev)

	// Dispatch once per (intent, status): a verified PAID confirming an
	// optimistic PAID is a refinement, the dispatch already happened.
	dispatch := !(wasOptimistic && prev == ev.ClaimedStatus)
	return true, dispatch, "applied", nil
}

func (l *Ledger) applyUnverified(it *Intent, ev *SignalEvent, log *slog.Logger) (bool, bool, string, error) {
	// The only move a client-asserted signal may make: PENDING -> PAID,
	// optimistically, pending webhook confirmation. A client can never
	// cause a payment to be marked failed.
	if it.Status == StatusPending && ev.ClaimedStatus == StatusPaid {
		l.noteAmountMismatch(it, ev, log)
		it.Status = StatusPaid
		it.Optimistic = true
		if ev.TransactionCode != "" {
			it.TransactionCode = ev.TransactionCode
		}
		it.Signals = append(it.Signals, *ev)
		return true, true, "applied", nil
	}

	if l.strict {
		return false, false, "rejected", fmt.Errorf("%w: unverified %s on %s intent",
			ErrIllegalTransition, ev.ClaimedStatus, it.Status)
	}
	log.Warn("rejected unverified signal",
		"source", ev.Source,
		"claimed_status", ev.ClaimedStatus,
		"current_status", it.Status,
	)
	return false, false, "rejected", nil
}

// noteAmountMismatch flags signals whose reported amount differs from the
// amount recorded at checkout creation. The recorded amount stays
// authoritative; the flag queues the intent for manual review.
func (l *Ledger) noteAmountMismatch(it *Intent, ev *SignalEvent, log *slog.Logger) {
	if ev.Amount != 0 && it.Amount != 0 && ev.Amount != it.Amount {
		it.AmountMismatch = true
		log.Warn("signal amount differs from recorded amount",
			"recorded", it.Amount,
			"reported", ev.Amount,
			"source", ev.Source,
		)
	}
}

// dispatch runs the order-store mutation for a terminal transition and
// records the outcome on the signal's audit field. The ledger status is
// already durable; a dispatch failure is a reconciliation gap, not a
// payment failure.
func (l *Ledger) dispatch(ctx context.Context, it *Intent, signalID string, status Status, log *slog.Logger) {
	if l.applier == nil {
		return
	}

	err := l.applier.Apply(ctx, it.Reference, status, it.Amount, it.Currency, it.TransactionCode)

	var audit string
	if err != nil {
		audit = err.Error()
		log.Error("order store dispatch failed, reconciliation gap",
			"kind", it.Reference.Kind,
			"status", status,
			"error", err,
		)
	}
	if recErr := l.store.RecordDispatchResult(ctx, it.ID, signalID, audit); recErr != nil {
		log.Warn("failed to record dispatch audit", "error", recErr)
	}
}

// Expire pushes a PENDING intent past its deadline into EXPIRED through the
// same apply pipeline as any inbound signal.
func (l *Ledger) Expire(ctx context.Context, intentID string) (ApplyResult, error) {
	return l.Apply(ctx, intentID, SignalEvent{
		Source:        SourceSweeper,
		Verified:      true,
		ClaimedStatus: StatusExpired,
		ReceivedAt:    l.nowFn(),
	})
}

// ListExpired exposes the sweep query for the background sweeper.
func (l *Ledger) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	return l.store.ListExpired(ctx, before, limit)
}
