// Package store is the persistence boundary for listings, offers, transactions,
// conversations, messages and profiles. It is the source of truth every view
// reconciles against.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aaronwang/bazaar/shared/models"
)

var (
	// ErrNotFound is returned when a point read finds no row
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness rule
	ErrConflict = errors.New("conflict")
	// ErrStaleStatus is returned when a compare-and-set transition finds a different current status
	ErrStaleStatus = errors.New("stale status")
)

// ListingStore reads and updates listings
type ListingStore interface {
	CreateListing(ctx context.Context, l *models.Listing) error
	AddListingImage(ctx context.Context, img models.ListingImage) error
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	// GetListingSnapshots returns snapshots with cover images keyed by listing id.
	// Missing ids are absent from the map.
	GetListingSnapshots(ctx context.Context, ids []string) (map[string]*models.ListingSnapshot, error)
	UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus) error
}

// OfferStore reads and writes offers
type OfferStore interface {
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	// FindPendingOffer returns ErrNotFound when the buyer has no pending offer on the listing
	FindPendingOffer(ctx context.Context, listingID, buyerID string) (*models.Offer, error)
	// CreateOffer returns ErrConflict when a pending offer for (listing, buyer) exists
	CreateOffer(ctx context.Context, o *models.Offer) error
	// TransitionOffer moves the offer from one status to another atomically.
	// It returns ErrStaleStatus when the current status is not from, and
	// ErrConflict when accepting would give the listing a second accepted offer.
	TransitionOffer(ctx context.Context, id string, from, to models.OfferStatus) (*models.Offer, error)
	// DeclinePendingOffers declines every pending offer on the listing except exceptID
	DeclinePendingOffers(ctx context.Context, listingID, exceptID string) (int, error)
	ListOffersByListing(ctx context.Context, listingID string) ([]*models.Offer, error)
	ListOffersByBuyer(ctx context.Context, buyerID string) ([]*models.Offer, error)
}

// TransactionStore records accepted deals
type TransactionStore interface {
	// CreateTransaction returns ErrConflict when the offer already has a transaction
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByOffer(ctx context.Context, offerID string) (*models.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]*models.Transaction, error)
}

// ConversationStore reads and writes conversations
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindConversation(ctx context.Context, listingID, buyerID, sellerID string) (*models.Conversation, error)
	// CreateConversation returns ErrConflict when the (listing, buyer, seller) triple exists
	CreateConversation(ctx context.Context, c *models.Conversation) error
	ListConversationsByUser(ctx context.Context, userID string) ([]*models.Conversation, error)
}

// MessageStore reads and writes messages
type MessageStore interface {
	// CreateMessage inserts the message and bumps the conversation's last_message_at
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns messages of the given conversations ordered by created_at, then id
	ListMessages(ctx context.Context, conversationIDs []string) ([]*models.Message, error)
	// MarkMessagesRead sets read_at on every unread message in the conversation not sent by readerID
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
	// CountUnread counts unread messages addressed to userID across all their conversations
	CountUnread(ctx context.Context, userID string) (int, error)
}

// ProfileStore reads profiles
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p *models.Profile) error
	// GetProfiles returns the profiles keyed by id. Missing ids are absent from the map.
	GetProfiles(ctx context.Context, ids []string) (map[string]*models.Profile, error)
}

// Store is the full persistence interface
type Store interface {
	ListingStore
	OfferStore
	TransactionStore
	ConversationStore
	MessageStore
	ProfileStore
	Close() error
}

// Distinct returns ids without duplicates or blanks, in first-seen order
func Distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
