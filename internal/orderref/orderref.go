// Package orderref encodes and decodes the order reference strings that tie
// a provider checkout back to the order that created it. The reference is
// the only routing key that survives the round trip through the payment
// provider, so decoding must never fail hard: anything that does not match
// the grammar comes back as Unresolved and the caller routes around it.
package orderref

import "strings"

// Kind tags the order system a reference points into.
type Kind string

const (
	KindReservation Kind = "reservation"
	KindTable       Kind = "table"
	KindDelivery    Kind = "delivery"

	// KindUnresolved marks a reference that did not parse. A recoverable
	// routing miss, not an error.
	KindUnresolved Kind = ""
)

// Reference identifies one order. TABLE references carry the table id in
// PrimaryID and the order id in SecondaryID; the other kinds use PrimaryID
// alone.
type Reference struct {
	Kind        Kind   `json:"kind"`
	PrimaryID   string `json:"primaryId"`
	SecondaryID string `json:"secondaryId,omitempty"`
}

// Resolved reports whether the reference points at a known order kind.
func (r Reference) Resolved() bool {
	return r.Kind != KindUnresolved
}

// String returns the encoded wire form, or "" for unresolved references.
func (r Reference) String() string {
	return Encode(r)
}

// Encode renders a reference into its wire form: the uppercased kind tag
// and the ids joined with underscores, e.g. "RESERVATION_42" or
// "TABLE_7_ord55".
func Encode(r Reference) string {
	if !r.Resolved() || r.PrimaryID == "" {
		return ""
	}
	parts := []string{strings.ToUpper(string(r.Kind)), r.PrimaryID}
	if r.Kind == KindTable {
		if r.SecondaryID == "" {
			return ""
		}
		parts = append(parts, r.SecondaryID)
	}
	return strings.Join(parts, "_")
}

// Decode parses a wire-form reference. Any shape that does not match the
// grammar (missing tag, unknown tag, empty ids, wrong segment count for
// TABLE) yields an unresolved reference.
func Decode(s string) Reference {
	tag, rest, ok := strings.Cut(s, "_")
	if !ok || rest == "" {
		return Reference{}
	}

	switch tag {
	case "RESERVATION":
		return Reference{Kind: KindReservation, PrimaryID: rest}
	case "DELIVERY":
		return Reference{Kind: KindDelivery, PrimaryID: rest}
	case "TABLE":
		// Exactly two non-empty segments: table id, order id.
		tableID, orderID, ok := strings.Cut(rest, "_")
		if !ok || tableID == "" || orderID == "" || strings.Contains(orderID, "_") {
			return Reference{}
		}
		return Reference{Kind: KindTable, PrimaryID: tableID, SecondaryID: orderID}
	default:
		return Reference{}
	}
}

// KindFromString maps a client-supplied kind segment (as used in poll URLs)
// to a Kind, or KindUnresolved.
func KindFromString(s string) Kind {
	switch strings.ToLower(s) {
	case string(KindReservation):
		return KindReservation
	case string(KindTable):
		return KindTable
	case string(KindDelivery):
		return KindDelivery
	default:
		return KindUnresolved
	}
}
