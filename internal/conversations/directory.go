// Package conversations aggregates a user's conversations with the profiles, listings
// and messages needed to show them, and keeps an inbox view in sync with the change feed.
package conversations

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

// Summary is one row of a user's conversation list
type Summary struct {
	Conversation *models.Conversation `json:"conversation"`
	Counterpart  *models.Profile      `json:"counterpart"`
	// Listing is nil when the listing was deleted ("listing unavailable")
	Listing     *models.ListingSnapshot `json:"listing"`
	Messages    []*models.Message       `json:"messages"`
	LastMessage *models.Message         `json:"last_message"`
	UnreadCount int                     `json:"unread_count"`
}

// Directory reads and creates conversations
type Directory struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Directory
type Option func(*Directory)

// WithLogger sets the directory logger
func WithLogger(l zerolog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// WithClock sets the directory clock
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// NewDirectory creates a directory on s
func NewDirectory(s store.Store, opts ...Option) *Directory {
	d := &Directory{
		store:  s,
		logger: log.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ListConversations returns the user's conversations, most recent activity first.
// Profiles, listings and messages are fetched in one batch lookup each.
func (d *Directory) ListConversations(ctx context.Context, userID string) ([]*Summary, error) {
	const op = "list conversations"

	convs, err := d.store.ListConversationsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if len(convs) == 0 {
		return []*Summary{}, nil
	}

	convIDs := make([]string, 0, len(convs))
	profileIDs := make([]string, 0, len(convs))
	listingIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
		profileIDs = append(profileIDs, c.Counterpart(userID))
		if c.ListingID != nil {
			listingIDs = append(listingIDs, *c.ListingID)
		}
	}

	profiles, err := d.store.GetProfiles(ctx, profileIDs)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	listings, err := d.store.GetListingSnapshots(ctx, listingIDs)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	msgs, err := d.store.ListMessages(ctx, convIDs)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	byConv := make(map[string][]*models.Message, len(convs))
	for _, m := range msgs {
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}

	out := make([]*Summary, 0, len(convs))
	for _, c := range convs {
		s := &Summary{Conversation: c, Messages: byConv[c.ID]}
		if s.Messages == nil {
			s.Messages = []*models.Message{}
		}

		counterpart := c.Counterpart(userID)
		if p, ok := profiles[counterpart]; ok {
			s.Counterpart = p
		} else {
			s.Counterpart = models.UnknownProfile(counterpart)
		}
		if c.ListingID != nil {
			s.Listing = listings[*c.ListingID]
		}

		for _, m := range s.Messages {
			if s.LastMessage == nil || !m.CreatedAt.Before(s.LastMessage.CreatedAt) {
				s.LastMessage = m
			}
			if m.Unread(userID) {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}

	sortSummaries(out)
	return out, nil
}

func sortSummaries(s []*Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i].Conversation, s[j].Conversation
		if a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.ID < b.ID
		}
		return a.LastMessageAt.After(b.LastMessageAt)
	})
}

// FindOrCreateConversation returns the conversation for the (listing, buyer, seller)
// triple, creating it when none exists. Concurrent callers get the same row.
func (d *Directory) FindOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID string) (*models.Conversation, error) {
	const op = "find or create conversation"

	if buyerID == "" || sellerID == "" {
		return nil, apperr.Validation(op, "buyer and seller are required")
	}
	if buyerID == sellerID {
		return nil, apperr.Validation(op, "You cannot message yourself")
	}

	listing, err := d.store.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(op, "listing not found", err)
		}
		return nil, apperr.Transient(op, err)
	}
	if listing.OwnerID != sellerID {
		return nil, apperr.Validation(op, "seller does not own the listing")
	}

	conv, err := d.store.FindConversation(ctx, listingID, buyerID, sellerID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Transient(op, err)
	}

	now := d.now().UTC()
	conv = &models.Conversation{
		ID:            d.newID(),
		ListingID:     &listingID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	err = d.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrConflict) {
		// another caller created it first
		winner, ferr := d.store.FindConversation(ctx, listingID, buyerID, sellerID)
		if ferr != nil {
			return nil, apperr.Transient(op, ferr)
		}
		return winner, nil
	}
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	d.logger.Info().Str("conversation_id", conv.ID).Str("listing_id", listingID).Msg("[CONVERSATION] created")
	return conv, nil
}
