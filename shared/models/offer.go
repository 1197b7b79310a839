package models

import "time"

// OfferStatus is the state of an offer in the negotiation state machine
type OfferStatus string

// OfferStatus constants
const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusDeclined  OfferStatus = "declined"
	OfferStatusCountered OfferStatus = "countered" // reserved for counter rounds, never entered
	OfferStatusWithdrawn OfferStatus = "withdrawn"
)

// MaxOfferMessageLength is the maximum length of an offer message in characters
const MaxOfferMessageLength = 500

// Terminal reports whether no transition leaves the status
func (s OfferStatus) Terminal() bool {
	switch s {
	case OfferStatusAccepted, OfferStatusDeclined, OfferStatusWithdrawn:
		return true
	}
	return false
}

// Offer represents a buyer's proposed price against a listing
type Offer struct {
	ID        string      `json:"id" db:"id"`
	ListingID string      `json:"listing_id" db:"listing_id"`
	BuyerID   string      `json:"buyer_id" db:"buyer_id"`
	Amount    float64     `json:"amount" db:"amount"`
	Message   *string     `json:"message,omitempty" db:"message"`
	Status    OfferStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// OfferRequest represents the incoming offer request from the API
type OfferRequest struct {
	Amount  float64 `json:"amount"`
	Message string  `json:"message"`
}

// ListingOffer is an offer joined with the buyer's profile, as shown to the listing owner
type ListingOffer struct {
	*Offer
	Buyer *Profile `json:"buyer"`
}

// BuyerOffer is an offer joined with its listing and seller, as shown to the buyer
type BuyerOffer struct {
	*Offer
	Listing *ListingSnapshot `json:"listing"`
	Seller  *Profile         `json:"seller"`
}
