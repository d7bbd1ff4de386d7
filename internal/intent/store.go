package intent

import (
	"context"
	"time"
)

// Store persists payment intents.
//
// Mutate is the atomic compare-and-apply primitive the ledger is built on:
// implementations hold a per-intent write lock (shard mutex in memory, row
// lock in Postgres) for the duration of fn, so two signals racing for the
// same intent are serialized and fn always sees the latest committed state.
// Signals for different intents proceed in parallel.
type Store interface {
	// Create inserts a new intent. ErrIntentExists on duplicate id.
	Create(ctx context.Context, it *Intent) error

	// Get returns a copy of the intent. ErrIntentNotFound when absent.
	Get(ctx context.Context, id string) (*Intent, error)

	// Mutate loads the intent under its write lock, runs fn against it, and
	// persists the result iff fn returns changed=true. fn may mutate the
	// intent in place, including appending to Signals. Returns the intent as
	// persisted (or as loaded, when unchanged). ErrIntentNotFound when absent.
	Mutate(ctx context.Context, id string, fn func(it *Intent) (changed bool, err error)) (*Intent, error)

	// RecordDispatchResult updates the audit field of an applied signal
	// after the order-store dispatch has run. Best effort: the ledger's
	// status is already durable and is never rolled back here.
	RecordDispatchResult(ctx context.Context, intentID, signalID, dispatchErr string) error

	// FindByOrder returns the most recently created intent for an order:
	// matched on PrimaryID for reservation/delivery references and on
	// SecondaryID (the order id) for table references.
	FindByOrder(ctx context.Context, kind string, orderID string) (*Intent, error)

	// FindByReference returns the most recently created intent whose
	// encoded reference equals rawRef.
	FindByReference(ctx context.Context, rawRef string) (*Intent, error)

	// ListExpired returns up to limit intents still PENDING past their
	// expiry deadline.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
}
