package models

import "time"

// ListingStatus is the lifecycle state of a listing
type ListingStatus string

// ListingStatus constants
const (
	ListingStatusDraft  ListingStatus = "draft"
	ListingStatusActive ListingStatus = "active"
	ListingStatusSold   ListingStatus = "sold"
)

// Listing represents an item offered for sale by its owner
type Listing struct {
	ID        string        `json:"id" db:"id"`
	OwnerID   string        `json:"owner_id" db:"owner_id"`
	Title     string        `json:"title" db:"title"`
	Price     float64       `json:"price" db:"price"`
	Status    ListingStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// ListingImage is an opaque image URL attached to a listing.
// The image with the lowest DisplayOrder is the cover.
type ListingImage struct {
	ListingID    string `json:"listing_id" db:"listing_id"`
	ImageURL     string `json:"image_url" db:"image_url"`
	DisplayOrder int    `json:"display_order" db:"display_order"`
}

// ListingSnapshot is the subset of a listing shown next to conversations and offers
type ListingSnapshot struct {
	ID            string        `json:"id" db:"id"`
	OwnerID       string        `json:"owner_id" db:"owner_id"`
	Title         string        `json:"title" db:"title"`
	Price         float64       `json:"price" db:"price"`
	Status        ListingStatus `json:"status" db:"status"`
	CoverImageURL string        `json:"cover_image_url,omitempty" db:"cover_image_url"`
}

// Snapshot returns the display subset of the listing with the given cover image
func (l *Listing) Snapshot(coverURL string) *ListingSnapshot {
	return &ListingSnapshot{
		ID:            l.ID,
		OwnerID:       l.OwnerID,
		Title:         l.Title,
		Price:         l.Price,
		Status:        l.Status,
		CoverImageURL: coverURL,
	}
}
