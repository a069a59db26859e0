// Package wallet: reference.go models what caused a ledger row.
package wallet

import (
	"encoding/json"
	"fmt"

	"evbackend.in/core/internal/common"
)

// RefKind names the entity a ledger row points at.
type RefKind string

const (
	RefNone       RefKind = ""
	RefBinaryPair RefKind = "binary_pair"
	RefPayout     RefKind = "payout"
	RefBooking    RefKind = "booking"
	RefUser       RefKind = "user"
)

// Reference is a closed union over the provenance kinds. Build it with the
// constructors; the zero value means "no reference".
type Reference struct {
	kind RefKind
	id   int64
}

func PairRef(pairID int64) Reference       { return Reference{kind: RefBinaryPair, id: pairID} }
func PayoutRef(payoutID int64) Reference   { return Reference{kind: RefPayout, id: payoutID} }
func BookingRef(bookingID int64) Reference { return Reference{kind: RefBooking, id: bookingID} }
func UserRef(userID int64) Reference       { return Reference{kind: RefUser, id: userID} }
func NoRef() Reference                     { return Reference{} }

func (r Reference) Kind() RefKind { return r.kind }
func (r Reference) ID() int64     { return r.id }
func (r Reference) IsZero() bool  { return r.kind == RefNone }

// Validate checks the kind is known and carries a positive id.
func (r Reference) Validate() error {
	switch r.kind {
	case RefNone:
		return nil
	case RefBinaryPair, RefPayout, RefBooking, RefUser:
		if r.id <= 0 {
			return common.Validation("reference %s needs a positive id", r.kind)
		}
		return nil
	default:
		return common.Validation("unknown reference kind %q", r.kind)
	}
}

func (r Reference) String() string {
	if r.kind == RefNone {
		return "none"
	}
	return fmt.Sprintf("%s#%d", r.kind, r.id)
}

// columns returns the nullable pair stored in wallet_transactions.
func (r Reference) columns() (*string, *int64) {
	if r.kind == RefNone {
		return nil, nil
	}
	kind, id := string(r.kind), r.id
	return &kind, &id
}

// referenceFromColumns rebuilds a Reference from stored columns.
func referenceFromColumns(kind *string, id *int64) (Reference, error) {
	if kind == nil || *kind == "" {
		return NoRef(), nil
	}
	var refID int64
	if id != nil {
		refID = *id
	}
	r := Reference{kind: RefKind(*kind), id: refID}
	if err := r.Validate(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

type referenceJSON struct {
	Kind RefKind `json:"kind,omitempty"`
	ID   int64   `json:"id,omitempty"`
}

func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(referenceJSON{Kind: r.kind, ID: r.id})
}

func (r *Reference) UnmarshalJSON(b []byte) error {
	var v referenceJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	ref := Reference{kind: v.Kind, id: v.ID}
	if err := ref.Validate(); err != nil {
		return err
	}
	*r = ref
	return nil
}
