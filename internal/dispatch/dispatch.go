// Package dispatch propagates terminal payment outcomes into the order
// stores. The intent ledger decides WHAT happened; this package makes the
// owning order record agree, with bounded retries and an audit trail for
// anything that could not be applied.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tavolo/paycore/internal/intent"
	"github.com/tavolo/paycore/internal/metrics"
	"github.com/tavolo/paycore/internal/orderref"
	"github.com/tavolo/paycore/internal/retry"
)

// ErrDownstreamApply means the order store rejected or failed the update
// after all retries; the ledger keeps its status and records the gap.
var ErrDownstreamApply = errors.New("order store apply failed")

// ReservationStore updates a reservation's payment fields.
type ReservationStore interface {
	UpdateReservationPayment(ctx context.Context, reservationID string, status intent.Status, amount int64, transactionCode string) error
}

// TableStore updates a dine-in table order's payment fields.
type TableStore interface {
	UpdateTablePayment(ctx context.Context, tableID, orderID string, status intent.Status, amount int64, transactionCode string) error
}

// DeliveryStore updates a delivery order's payment fields.
type DeliveryStore interface {
	UpdateDeliveryPayment(ctx context.Context, deliveryID string, status intent.Status, amount int64, transactionCode string) error
}

// Dispatcher routes a terminal transition to the order store owning the
// reference kind. It satisfies the ledger's Applier interface.
type Dispatcher struct {
	reservations ReservationStore
	tables       TableStore
	deliveries   DeliveryStore
	logger       *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithRetry overrides the retry envelope (for testing).
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.baseDelay = baseDelay
	}
}

// WithTimeout overrides the per-attempt deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// NewDispatcher creates a dispatcher over the given order stores.
func NewDispatcher(reservations ReservationStore, tables TableStore, deliveries DeliveryStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reservations: reservations,
		tables:       tables,
		deliveries:   deliveries,
		logger:       logger,
		maxAttempts:  3,
		baseDelay:    200 * time.Millisecond,
		timeout:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Apply pushes one terminal transition into the owning order store. A
// reference that never resolved is logged and dropped rather than guessed
// at; a failing store exhausts the retries and surfaces ErrDownstreamApply.
func (d *Dispatcher) Apply(ctx context.Context, ref orderref.Reference, status intent.Status, amount int64, currency, transactionCode string) error {
	if ref.Kind == orderref.KindUnresolved {
		d.logger.Warn("dropping dispatch for unresolved reference", "status", status)
		metrics.DispatchAttemptsTotal.WithLabelValues("unresolved", "dropped").Inc()
		return nil
	}

	kind := string(ref.Kind)
	err := retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.applyOnce(attemptCtx, ref, status, amount, transactionCode)
	})
	if err != nil {
		metrics.DispatchAttemptsTotal.WithLabelValues(kind, "failure").Inc()
		return fmt.Errorf("%w: %s %s: %v", ErrDownstreamApply, kind, status, err)
	}

	metrics.DispatchAttemptsTotal.WithLabelValues(kind, "success").Inc()
	return nil
}

func (d *Dispatcher) applyOnce(ctx context.Context, ref orderref.Reference, status intent.Status, amount int64, transactionCode string) error {
	switch ref.Kind {
	case orderref.KindReservation:
		if d.reservations == nil {
			return retry.Permanent(fmt.Errorf("no reservation store configured"))
		}
		return d.reservations.UpdateReservationPayment(ctx, ref.PrimaryID, status, amount, transactionCode)
	case orderref.KindTable:
		if d.tables == nil {
			return retry.Permanent(fmt.Errorf("no table store configured"))
		}
		return d.tables.UpdateTablePayment(ctx, ref.PrimaryID, ref.SecondaryID, status, amount, transactionCode)
	case orderref.KindDelivery:
		if d.deliveries == nil {
			return retry.Permanent(fmt.Errorf("no delivery store configured"))
		}
		return d.deliveries.UpdateDeliveryPayment(ctx, ref.PrimaryID, status, amount, transactionCode)
	default:
		return retry.Permanent(fmt.Errorf("unknown reference kind %q", ref.Kind))
	}
}

// Compile-time assertion that Dispatcher implements the ledger's Applier.
var _ intent.Applier = (*Dispatcher)(nil)
