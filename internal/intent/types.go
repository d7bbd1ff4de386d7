// Package intent is the payment intent ledger: the single source of truth
// for a checkout's payment lifecycle.
//
// A checkout's completion signal can arrive through four independent,
// unordered, partially-untrusted channels (provider webhook, browser redirect
// callback, native deep-link return, client polling). The ledger reconciles
// them: every inbound signal is normalized into a SignalEvent and applied
// through Apply, which serializes per intent, deduplicates re-deliveries,
// and enforces the precedence rules that decide which channel wins.
package intent

import (
	"errors"
	"time"

	"github.com/tavolo/paycore/internal/orderref"
)

var (
	// ErrIntentNotFound means the intent id is not in the store.
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrUnknownIntent means a signal referenced an intent that is neither
	// stored nor re-creatable from the signal itself.
	ErrUnknownIntent = errors.New("signal references unknown intent")

	// ErrIntentExists means Create hit a duplicate id.
	ErrIntentExists = errors.New("payment intent already exists")
)

// Status is the client-visible payment lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further status transitions are accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Source identifies the channel a signal arrived through.
type Source string

const (
	SourceWebhook         Source = "webhook"
	SourceWebCallback     Source = "web-callback"
	SourceDeeplinkIOS     Source = "deeplink-ios"
	SourceDeeplinkAndroid Source = "deeplink-android"

	// SourceSweeper marks system-generated expiry transitions. The sweeper
	// feeds them through the same apply/dispatch pipeline as inbound signals.
	SourceSweeper Source = "sweeper"
)

// implicitCreateAllowed reports whether a signal from this source may
// implicitly re-create an intent missing from the store. Only the two
// channels that carry a full reference qualify; this defends against
// ledger-store restarts between checkout creation and webhook delivery.
func implicitCreateAllowed(s Source) bool {
	return s == SourceWebhook || s == SourceWebCallback
}

// SignalEvent is one inbound payment notification, normalized.
type SignalEvent struct {
	ID              string    `json:"id"`
	Source          Source    `json:"source"`
	Verified        bool      `json:"verified"` // true only for signature-checked webhooks
	ClaimedStatus   Status    `json:"claimedStatus"`
	TransactionCode string    `json:"transactionCode,omitempty"`
	RawReference    string    `json:"rawReference,omitempty"`
	Amount          int64     `json:"amount,omitempty"` // informational, minor units
	Currency        string    `json:"currency,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`

	// DispatchError audits the order-store call triggered by this event.
	// Empty means dispatched cleanly or no dispatch was due.
	DispatchError string `json:"dispatchError,omitempty"`
}

// sameShape reports whether two events are the same delivery for
// deduplication purposes.
func (e SignalEvent) sameShape(other SignalEvent) bool {
	return e.Source == other.Source &&
		e.ClaimedStatus == other.ClaimedStatus &&
		e.TransactionCode == other.TransactionCode
}

// Intent is the unit of reconciliation: one checkout's payment lifecycle.
type Intent struct {
	ID        string             `json:"id"`
	Reference orderref.Reference `json:"reference"`
	Amount    int64              `json:"amount"` // minor units, authoritative
	Currency  string             `json:"currency"`
	Status    Status             `json:"status"`

	// Optimistic marks a PAID set by an unverified signal: the UI may show
	// success while the webhook confirmation is still outstanding.
	Optimistic bool `json:"optimistic,omitempty"`

	// Confirmed marks a terminal status set by a verified event. Once set,
	// no event may move the intent to a different terminal status.
	Confirmed bool `json:"confirmed,omitempty"`

	// Degraded marks an intent created without a configured provider. Such
	// an intent can never legitimately receive a verified webhook.
	Degraded bool `json:"degraded,omitempty"`

	// AmountMismatch flags a signal reporting a different amount than the
	// one recorded at checkout creation; held for manual review.
	AmountMismatch bool `json:"amountMismatch,omitempty"`

	TransactionCode string    `json:"transactionCode,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`

	// Signals is the append-only log of applied events.
	Signals []SignalEvent `json:"signals,omitempty"`
}

// Clone returns a deep copy so store reads never share slice backing arrays.
func (i *Intent) Clone() *Intent {
	cp := *i
	if i.Signals != nil {
		cp.Signals = make([]SignalEvent, len(i.Signals))
		copy(cp.Signals, i.Signals)
	}
	return &cp
}

// hasSignal reports whether an equal-shape event was already applied.
func (i *Intent) hasSignal(ev SignalEvent) bool {
	for _, s := range i.Signals {
		if s.sameShape(ev) {
			return true
		}
	}
	return false
}
