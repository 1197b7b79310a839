package models

import "time"

// TransactionStatus constants
const (
	TransactionStatusPending = "pending"
)

// Transaction is the binding record of an accepted offer
type Transaction struct {
	ID         string    `json:"id" db:"id"`
	ListingID  string    `json:"listing_id" db:"listing_id"`
	BuyerID    string    `json:"buyer_id" db:"buyer_id"`
	SellerID   string    `json:"seller_id" db:"seller_id"`
	OfferID    string    `json:"offer_id" db:"offer_id"`
	FinalPrice float64   `json:"final_price" db:"final_price"`
	Status     string    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
