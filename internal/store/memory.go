package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/shared/models"
)

// MemoryStore is a threadsafe in-memory Store for tests and dev mode.
// Every write is published as a feed.Change when a publisher is attached,
// mirroring what the Postgres triggers do.
type MemoryStore struct {
	mu            sync.RWMutex
	listings      map[string]*models.Listing
	images        map[string][]models.ListingImage
	offers        map[string]*models.Offer
	transactions  map[string]*models.Transaction
	conversations map[string]*models.Conversation
	messages      map[string]*models.Message
	profiles      map[string]*models.Profile
	pub           feed.Publisher
	now           func() time.Time
}

// NewMemoryStore creates an empty store publishing to pub (may be nil)
func NewMemoryStore(pub feed.Publisher) *MemoryStore {
	return &MemoryStore{
		listings:      make(map[string]*models.Listing),
		images:        make(map[string][]models.ListingImage),
		offers:        make(map[string]*models.Offer),
		transactions:  make(map[string]*models.Transaction),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string]*models.Message),
		profiles:      make(map[string]*models.Profile),
		pub:           pub,
		now:           time.Now,
	}
}

// SetClock replaces the store clock
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// emit must be called with s.mu held so changes leave in commit order
func (s *MemoryStore) emit(table string, op feed.Operation, newRow, oldRow interface{}) {
	if s.pub == nil {
		return
	}
	c, err := feed.NewChange(table, op, newRow, oldRow)
	if err != nil {
		log.Error().Err(err).Str("table", table).Msg("failed to build change")
		return
	}
	c.CommitTime = s.now().UTC()
	if err := s.pub.Publish(context.Background(), c); err != nil {
		log.Warn().Err(err).Str("table", table).Msg("failed to publish change")
	}
}

// Listings

func (s *MemoryStore) CreateListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return ErrConflict
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	if l.Status == "" {
		l.Status = models.ListingStatusActive
	}
	cp := *l
	s.listings[l.ID] = &cp
	s.emit(feed.TableListings, feed.OpInsert, &cp, nil)
	return nil
}

func (s *MemoryStore) AddListingImage(ctx context.Context, img models.ListingImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[img.ListingID]; !ok {
		return ErrNotFound
	}
	s.images[img.ListingID] = append(s.images[img.ListingID], img)
	return nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) GetListingSnapshots(ctx context.Context, ids []string) (map[string]*models.ListingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.ListingSnapshot, len(ids))
	for _, id := range Distinct(ids) {
		l, ok := s.listings[id]
		if !ok {
			continue
		}
		out[id] = l.Snapshot(s.coverLocked(id))
	}
	return out, nil
}

func (s *MemoryStore) coverLocked(listingID string) string {
	imgs := s.images[listingID]
	if len(imgs) == 0 {
		return ""
	}
	best := imgs[0]
	for _, img := range imgs[1:] {
		if img.DisplayOrder < best.DisplayOrder {
			best = img
		}
	}
	return best.ImageURL
}

func (s *MemoryStore) UpdateListingStatus(ctx context.Context, id string, status models.ListingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return ErrNotFound
	}
	old := *l
	l.Status = status
	cp := *l
	s.emit(feed.TableListings, feed.OpUpdate, &cp, &old)
	return nil
}

// DeleteListing removes a listing; conversations keep existing with a nil listing id
func (s *MemoryStore) DeleteListing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.listings, id)
	delete(s.images, id)
	for _, c := range s.conversations {
		if c.ListingID != nil && *c.ListingID == id {
			c.ListingID = nil
		}
	}
	s.emit(feed.TableListings, feed.OpDelete, nil, l)
	return nil
}

// Offers

func cloneOffer(o *models.Offer) *models.Offer {
	cp := *o
	if o.Message != nil {
		msg := *o.Message
		cp.Message = &msg
	}
	return &cp
}

func (s *MemoryStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (s *MemoryStore) FindPendingOffer(ctx context.Context, listingID, buyerID string) (*models.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o := s.pendingLocked(listingID, buyerID); o != nil {
		return cloneOffer(o), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) pendingLocked(listingID, buyerID string) *models.Offer {
	for _, o := range s.offers {
		if o.ListingID == listingID && o.BuyerID == buyerID && o.Status == models.OfferStatusPending {
			return o
		}
	}
	return nil
}

func (s *MemoryStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[o.ListingID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.offers[o.ID]; ok {
		return ErrConflict
	}
	if o.Status == models.OfferStatusPending && s.pendingLocked(o.ListingID, o.BuyerID) != nil {
		return ErrConflict
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	cp := cloneOffer(o)
	s.offers[o.ID] = cp
	s.emit(feed.TableOffers, feed.OpInsert, cp, nil)
	return nil
}

func (s *MemoryStore) TransitionOffer(ctx context.Context, id string, from, to models.OfferStatus) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != from {
		return nil, ErrStaleStatus
	}
	if to == models.OfferStatusAccepted {
		for _, other := range s.offers {
			if other.ID != id && other.ListingID == o.ListingID && other.Status == models.OfferStatusAccepted {
				return nil, ErrConflict
			}
		}
	}
	old := cloneOffer(o)
	o.Status = to
	s.emit(feed.TableOffers, feed.OpUpdate, cloneOffer(o), old)
	return cloneOffer(o), nil
}

func (s *MemoryStore) DeclinePendingOffers(ctx context.Context, listingID, exceptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.offers {
		if o.ListingID != listingID || o.ID == exceptID || o.Status != models.OfferStatusPending {
			continue
		}
		old := cloneOffer(o)
		o.Status = models.OfferStatusDeclined
		s.emit(feed.TableOffers, feed.OpUpdate, cloneOffer(o), old)
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListOffersByListing(ctx context.Context, listingID string) ([]*models.Offer, error) {
	return s.listOffers(func(o *models.Offer) bool { return o.ListingID == listingID }), nil
}

func (s *MemoryStore) ListOffersByBuyer(ctx context.Context, buyerID string) ([]*models.Offer, error) {
	return s.listOffers(func(o *models.Offer) bool { return o.BuyerID == buyerID }), nil
}

func (s *MemoryStore) listOffers(keep func(*models.Offer) bool) []*models.Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Offer, 0)
	for _, o := range s.offers {
		if keep(o) {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Transactions

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transactions {
		if existing.OfferID == tx.OfferID {
			return ErrConflict
		}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	if tx.Status == "" {
		tx.Status = models.TransactionStatusPending
	}
	cp := *tx
	s.transactions[tx.ID] = &cp
	s.emit(feed.TableTransactions, feed.OpInsert, &cp, nil)
	return nil
}

func (s *MemoryStore) GetTransactionByOffer(ctx context.Context, offerID string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions {
		if tx.OfferID == offerID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTransactionsByUser(ctx context.Context, userID string) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.BuyerID == userID || tx.SellerID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Conversations

func cloneConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	if c.ListingID != nil {
		id := *c.ListingID
		cp.ListingID = &id
	}
	return &cp
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemoryStore) FindConversation(ctx context.Context, listingID, buyerID, sellerID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.findLocked(listingID, buyerID, sellerID); c != nil {
		return cloneConversation(c), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) findLocked(listingID, buyerID, sellerID string) *models.Conversation {
	for _, c := range s.conversations {
		if c.ListingID != nil && *c.ListingID == listingID && c.BuyerID == buyerID && c.SellerID == sellerID {
			return c
		}
	}
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return ErrConflict
	}
	if c.ListingID != nil && s.findLocked(*c.ListingID, c.BuyerID, c.SellerID) != nil {
		return ErrConflict
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	cp := cloneConversation(c)
	s.conversations[c.ID] = cp
	s.emit(feed.TableConversations, feed.OpInsert, cloneConversation(cp), nil)
	return nil
}

func (s *MemoryStore) ListConversationsByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Conversation, 0)
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

// Messages

func cloneMessage(m *models.Message) *models.Message {
	cp := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	if m.ClientRef != nil {
		ref := *m.ClientRef
		cp.ClientRef = &ref
	}
	return &cp
}

func (s *MemoryStore) CreateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.messages[m.ID]; ok {
		return ErrConflict
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	cp := cloneMessage(m)
	s.messages[m.ID] = cp
	s.emit(feed.TableMessages, feed.OpInsert, cloneMessage(cp), nil)

	if m.CreatedAt.After(conv.LastMessageAt) {
		old := cloneConversation(conv)
		conv.LastMessageAt = m.CreatedAt
		s.emit(feed.TableConversations, feed.OpUpdate, cloneConversation(conv), old)
	}
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationIDs []string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = struct{}{}
	}
	out := make([]*models.Message, 0)
	for _, m := range s.messages {
		if _, ok := want[m.ConversationID]; ok {
			out = append(out, cloneMessage(m))
		}
	}
	SortMessages(out)
	return out, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID != conversationID || !m.Unread(readerID) {
			continue
		}
		old := cloneMessage(m)
		t := at
		m.ReadAt = &t
		s.emit(feed.TableMessages, feed.OpUpdate, cloneMessage(m), old)
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		conv, ok := s.conversations[m.ConversationID]
		if !ok || !conv.HasParticipant(userID) {
			continue
		}
		if m.Unread(userID) {
			n++
		}
	}
	return n, nil
}

// Profiles

func (s *MemoryStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProfiles(ctx context.Context, ids []string) (map[string]*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Profile, len(ids))
	for _, id := range Distinct(ids) {
		if p, ok := s.profiles[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

// SortMessages orders messages by created_at ascending, ties broken by id
func SortMessages(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
