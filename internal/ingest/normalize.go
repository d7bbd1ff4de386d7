// Package ingest is the signal ingestion router: it takes the four inbound
// shapes a payment outcome can arrive in (provider webhook, browser redirect
// callback, native deep-link return, client poll) and normalizes them into
// ledger signal events. Verification happens here, at the boundary; the
// ledger only ever sees events already tagged trusted or untrusted.
package ingest

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/tavolo/paycore/internal/intent"
	"github.com/tavolo/paycore/internal/orderref"
)

var (
	// ErrUnresolvedReference means no intent routing key could be derived
	// from the request.
	ErrUnresolvedReference = errors.New("signal reference could not be resolved")

	// ErrMalformedSignal means the payload did not match any known shape.
	ErrMalformedSignal = errors.New("malformed signal payload")
)

// WebhookBody is the provider's webhook wire shape.
type WebhookBody struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Data      struct {
		ID              string  `json:"id"`
		Reference       string  `json:"reference"`
		Amount          float64 `json:"amount"` // decimal major units
		Currency        string  `json:"currency"`
		Status          string  `json:"status"`
		TransactionCode string  `json:"transaction_code"`
	} `json:"data"`
}

// Signal is a normalized inbound notification plus its routing keys. The
// intent id may be empty when only the reference was recoverable.
type Signal struct {
	IntentID string
	Ref      orderref.Reference
	Event    intent.SignalEvent
}

// NormalizeWebhook turns a parsed webhook body into a verified signal.
// Signature verification must already have happened on the raw bytes.
func NormalizeWebhook(body WebhookBody) (Signal, error) {
	status, ok := webhookStatus(body.EventType)
	if !ok {
		return Signal{}, ErrMalformedSignal
	}
	if body.Data.ID == "" {
		return Signal{}, ErrMalformedSignal
	}

	return Signal{
		IntentID: body.Data.ID,
		Ref:      orderref.Decode(body.Data.Reference),
		Event: intent.SignalEvent{
			ID:              body.EventID,
			Source:          intent.SourceWebhook,
			Verified:        true,
			ClaimedStatus:   status,
			TransactionCode: body.Data.TransactionCode,
			RawReference:    body.Data.Reference,
			Amount:          decimalToMinor(body.Data.Amount),
			Currency:        body.Data.Currency,
		},
	}, nil
}

func webhookStatus(eventType string) (intent.Status, bool) {
	// Delivered both bare and namespaced ("payment.succeeded").
	if i := strings.LastIndexByte(eventType, '.'); i >= 0 {
		eventType = eventType[i+1:]
	}
	switch eventType {
	case "succeeded":
		return intent.StatusPaid, true
	case "failed":
		return intent.StatusFailed, true
	case "cancelled":
		return intent.StatusCancelled, true
	}
	return "", false
}

// NormalizeCallback turns a browser redirect's query parameters into an
// unverified signal. Resolution order: explicit reservation_id/delivery_id,
// then the encoded reference in foreign-tx-id, else unresolved (the handler
// sends the browser home).
func NormalizeCallback(q url.Values) (Signal, error) {
	ref := callbackReference(q)
	if !ref.Resolved() {
		return Signal{}, ErrUnresolvedReference
	}

	return Signal{
		Ref: ref,
		Event: intent.SignalEvent{
			Source:          intent.SourceWebCallback,
			Verified:        false,
			ClaimedStatus:   callbackStatus(q),
			TransactionCode: callbackTransactionCode(q),
			RawReference:    ref.String(),
		},
	}, nil
}

func callbackReference(q url.Values) orderref.Reference {
	if id := q.Get("reservation_id"); id != "" {
		return orderref.Reference{Kind: orderref.KindReservation, PrimaryID: id}
	}
	if id := q.Get("delivery_id"); id != "" {
		return orderref.Reference{Kind: orderref.KindDelivery, PrimaryID: id}
	}
	return orderref.Decode(q.Get("foreign-tx-id"))
}

func callbackStatus(q url.Values) intent.Status {
	// Gateways disagree on casing, so "paid" and "PAID" are the same claim.
	if s := intent.Status(strings.ToUpper(q.Get("status"))); s.Valid() {
		return s
	}
	if q.Has("success") {
		if ok, _ := strconv.ParseBool(q.Get("success")); ok {
			return intent.StatusPaid
		}
		return intent.StatusFailed
	}
	// Android redirects sometimes land on the callback URL instead of the
	// deep-link return, carrying the smp-* parameters with them.
	if q.Has("smp-status") {
		return androidStatus(q.Get("smp-status"))
	}
	return intent.StatusPending
}

func callbackTransactionCode(q url.Values) string {
	if code := q.Get("txcode"); code != "" {
		return code
	}
	return q.Get("smp-tx-code")
}

// NormalizeReturn turns a deep-link return into an unverified signal. The
// two sub-shapes are distinguished by the presence of smp-status (Android)
// versus success/txcode (iOS). The checkout id comes from the checkout_id
// parameter our own callback URLs carry.
func NormalizeReturn(q url.Values) (Signal, error) {
	sig := Signal{
		IntentID: q.Get("checkout_id"),
		Ref:      orderref.Decode(q.Get("foreign-tx-id")),
	}

	switch {
	case q.Has("smp-status"):
		sig.Event = intent.SignalEvent{
			Source:          intent.SourceDeeplinkAndroid,
			Verified:        false,
			ClaimedStatus:   androidStatus(q.Get("smp-status")),
			TransactionCode: q.Get("smp-tx-code"),
		}
	case q.Has("success") || q.Has("txcode"):
		sig.Event = intent.SignalEvent{
			Source:          intent.SourceDeeplinkIOS,
			Verified:        false,
			ClaimedStatus:   iosStatus(q.Get("success")),
			TransactionCode: q.Get("txcode"),
		}
	default:
		return Signal{}, ErrMalformedSignal
	}

	if sig.IntentID == "" && !sig.Ref.Resolved() {
		return Signal{}, ErrUnresolvedReference
	}
	sig.Event.RawReference = sig.Ref.String()
	return sig, nil
}

func androidStatus(s string) intent.Status {
	switch s {
	case "success":
		return intent.StatusPaid
	case "failed":
		return intent.StatusFailed
	}
	return intent.StatusPending
}

func iosStatus(success string) intent.Status {
	if ok, _ := strconv.ParseBool(success); ok {
		return intent.StatusPaid
	}
	return intent.StatusFailed
}

// decimalToMinor converts a provider decimal amount (e.g. 42.50) to minor
// units.
func decimalToMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
