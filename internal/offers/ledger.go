// Package offers implements the offer lifecycle: submission rules, the
// decline/withdraw transitions and the journaled accept workflow that closes a listing.
package offers

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

// Ledger owns every write to offers and the records the accept workflow touches
type Ledger struct {
	store   store.Store
	journal Journal
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets the ledger logger
func WithLogger(l zerolog.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

// WithClock sets the ledger clock
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// NewLedger creates a ledger on s. A nil journal keeps workflows in memory.
func NewLedger(s store.Store, journal Journal, opts ...Option) *Ledger {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	led := &Ledger{
		store:   s,
		journal: journal,
		logger:  log.Logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(led)
	}
	return led
}

// storeError converts a store failure at the ledger boundary
func storeError(op, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(op, what+" not found", err)
	}
	return apperr.Transient(op, err)
}

// SubmitOffer records a pending offer by actor on listingID.
// The message is trimmed; an empty message is stored as null.
func (l *Ledger) SubmitOffer(ctx context.Context, actor, listingID string, amount float64, message string) (*models.Offer, error) {
	const op = "submit offer"

	listing, err := l.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, storeError(op, "listing", err)
	}

	if listing.OwnerID == actor {
		return nil, apperr.Validation(op, "You cannot make an offer on your own listing")
	}
	if listing.Status == models.ListingStatusSold {
		return nil, apperr.Validation(op, "This listing has already been sold")
	}
	if listing.Status != models.ListingStatusActive {
		return nil, apperr.Validation(op, "This listing is not accepting offers")
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, apperr.Validation(op, "Please enter a valid offer amount")
	}
	// amounts are stored as NUMERIC(12, 2)
	if cents := amount * 100; math.Abs(cents-math.Round(cents)) > 1e-6 {
		return nil, apperr.Validation(op, "Offer amount can have at most two decimal places")
	}
	if amount > listing.Price {
		return nil, apperr.Validation(op, "Offer cannot exceed the asking price.")
	}

	var msg *string
	if trimmed := strings.TrimSpace(message); trimmed != "" {
		if utf8.RuneCountInString(trimmed) > models.MaxOfferMessageLength {
			return nil, apperr.Validation(op, "Message cannot be longer than 500 characters")
		}
		msg = &trimmed
	}

	_, err = l.store.FindPendingOffer(ctx, listingID, actor)
	switch {
	case err == nil:
		return nil, apperr.Validation(op, "You already have a pending offer for this listing")
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.Transient(op, err)
	}

	offer := &models.Offer{
		ID:        l.newID(),
		ListingID: listingID,
		BuyerID:   actor,
		Amount:    amount,
		Message:   msg,
		Status:    models.OfferStatusPending,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.CreateOffer(ctx, offer); err != nil {
		// lost the race against a concurrent submission
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Validation(op, "You already have a pending offer for this listing")
		}
		return nil, storeError(op, "listing", err)
	}

	l.logger.Info().Str("offer_id", offer.ID).Str("listing_id", listingID).Str("buyer_id", actor).Float64("amount", amount).Msg("[OFFER] submitted")
	return offer, nil
}

// DeclineOffer moves a pending offer to declined. Only the listing owner may decline.
func (l *Ledger) DeclineOffer(ctx context.Context, actor, offerID string) (*models.Offer, error) {
	const op = "decline offer"

	offer, listing, err := l.loadOffer(ctx, op, offerID)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID != actor {
		return nil, apperr.Authorization(op, "only the listing owner can decline offers")
	}
	return l.transition(ctx, op, offer, models.OfferStatusDeclined)
}

// WithdrawOffer moves a pending offer to withdrawn. Only the buyer may withdraw.
func (l *Ledger) WithdrawOffer(ctx context.Context, actor, offerID string) (*models.Offer, error) {
	const op = "withdraw offer"

	offer, err := l.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, storeError(op, "offer", err)
	}
	if offer.BuyerID != actor {
		return nil, apperr.Authorization(op, "only the buyer can withdraw an offer")
	}
	return l.transition(ctx, op, offer, models.OfferStatusWithdrawn)
}

func (l *Ledger) transition(ctx context.Context, op string, offer *models.Offer, to models.OfferStatus) (*models.Offer, error) {
	if offer.Status != models.OfferStatusPending {
		return nil, apperr.Validation(op, "offer is no longer pending")
	}
	updated, err := l.store.TransitionOffer(ctx, offer.ID, models.OfferStatusPending, to)
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, apperr.Validation(op, "offer is no longer pending")
		}
		return nil, storeError(op, "offer", err)
	}
	l.logger.Info().Str("offer_id", offer.ID).Str("status", string(to)).Msg("[OFFER] transitioned")
	return updated, nil
}

func (l *Ledger) loadOffer(ctx context.Context, op, offerID string) (*models.Offer, *models.Listing, error) {
	offer, err := l.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, storeError(op, "offer", err)
	}
	listing, err := l.store.GetListing(ctx, offer.ListingID)
	if err != nil {
		return nil, nil, storeError(op, "listing", err)
	}
	return offer, listing, nil
}

// ListListingOffers returns the offers on a listing, newest first, with buyer profiles.
// Only the listing owner may see them.
func (l *Ledger) ListListingOffers(ctx context.Context, actor, listingID string) ([]*models.ListingOffer, error) {
	const op = "list listing offers"

	listing, err := l.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, storeError(op, "listing", err)
	}
	if listing.OwnerID != actor {
		return nil, apperr.Authorization(op, "only the listing owner can view its offers")
	}

	offers, err := l.store.ListOffersByListing(ctx, listingID)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	buyerIDs := make([]string, 0, len(offers))
	for _, o := range offers {
		buyerIDs = append(buyerIDs, o.BuyerID)
	}
	profiles, err := l.store.GetProfiles(ctx, buyerIDs)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	out := make([]*models.ListingOffer, 0, len(offers))
	for _, o := range offers {
		buyer, ok := profiles[o.BuyerID]
		if !ok {
			buyer = models.UnknownProfile(o.BuyerID)
		}
		out = append(out, &models.ListingOffer{Offer: o, Buyer: buyer})
	}
	return out, nil
}

// ListMyOffers returns the actor's offers, newest first, with listing and seller
func (l *Ledger) ListMyOffers(ctx context.Context, actor string) ([]*models.BuyerOffer, error) {
	const op = "list my offers"

	offers, err := l.store.ListOffersByBuyer(ctx, actor)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	listingIDs := make([]string, 0, len(offers))
	for _, o := range offers {
		listingIDs = append(listingIDs, o.ListingID)
	}
	snapshots, err := l.store.GetListingSnapshots(ctx, listingIDs)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	sellerIDs := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		sellerIDs = append(sellerIDs, snap.OwnerID)
	}
	profiles, err := l.store.GetProfiles(ctx, sellerIDs)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	out := make([]*models.BuyerOffer, 0, len(offers))
	for _, o := range offers {
		bo := &models.BuyerOffer{Offer: o}
		if snap, ok := snapshots[o.ListingID]; ok {
			bo.Listing = snap
			bo.Seller = profiles[snap.OwnerID]
			if bo.Seller == nil {
				bo.Seller = models.UnknownProfile(snap.OwnerID)
			}
		}
		out = append(out, bo)
	}
	return out, nil
}

// ListTransactions returns the actor's deals as buyer or seller, newest first
func (l *Ledger) ListTransactions(ctx context.Context, actor string) ([]*models.Transaction, error) {
	txs, err := l.store.ListTransactionsByUser(ctx, actor)
	if err != nil {
		return nil, apperr.Transient("list transactions", err)
	}
	return txs, nil
}
