// Package notify tracks per-user unread totals and new-offer signals from the change feed.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

// Counter hands out unread-count and new-offer subscriptions. Unread counts are
// shared per user: every subscriber of one user observes the same tracker,
// which lives while at least one subscription holds it.
type Counter struct {
	store  store.Store
	sub    feed.Subscriber
	logger zerolog.Logger

	mu           sync.Mutex
	trackers     map[string]*unreadTracker
	offerWatches map[string]map[*offerWatch]struct{}
}

// Option configures a Counter
type Option func(*Counter)

// WithLogger sets the counter logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Counter) { c.logger = l }
}

// NewCounter creates a counter reading st and listening on sub
func NewCounter(st store.Store, sub feed.Subscriber, opts ...Option) *Counter {
	c := &Counter{
		store:        st,
		sub:          sub,
		logger:       log.Logger,
		trackers:     make(map[string]*unreadTracker),
		offerWatches: make(map[string]map[*offerWatch]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubscribeUnreadCount calls fn with the user's current unread total and
// again every time it changes, until the subscription is cancelled.
func (c *Counter) SubscribeUnreadCount(ctx context.Context, userID string, fn func(int)) (feed.Subscription, error) {
	c.mu.Lock()
	t, ok := c.trackers[userID]
	if !ok {
		t = newUnreadTracker(c, userID)
		c.trackers[userID] = t
	}
	t.refs++
	c.mu.Unlock()

	if err := t.start(ctx); err != nil {
		c.release(t)
		return nil, err
	}
	id := t.addListener(fn)
	return &unreadSubscription{counter: c, tracker: t, id: id}, nil
}

func (c *Counter) release(t *unreadTracker) {
	c.mu.Lock()
	if c.trackers[t.userID] != t {
		// already torn down by SignOut
		c.mu.Unlock()
		return
	}
	t.refs--
	last := t.refs <= 0
	if last {
		delete(c.trackers, t.userID)
	}
	c.mu.Unlock()

	if last {
		t.stop()
	}
}

// SubscribeNewOfferNotifications calls fn once for every new offer made by
// someone else on a listing userID owns.
func (c *Counter) SubscribeNewOfferNotifications(ctx context.Context, userID string, fn func(*models.Offer)) (feed.Subscription, error) {
	w := &offerWatch{counter: c, userID: userID, fn: fn}
	sub, err := c.sub.Subscribe(ctx, feed.Filter{
		Table: feed.TableOffers,
		Ops:   []feed.Operation{feed.OpInsert},
		Match: func(ch feed.Change) bool {
			var o models.Offer
			if err := ch.Decode(&o); err != nil {
				return false
			}
			return o.BuyerID != userID
		},
	}, w.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to offers: %w", err)
	}
	w.sub = sub

	c.mu.Lock()
	if c.offerWatches[userID] == nil {
		c.offerWatches[userID] = make(map[*offerWatch]struct{})
	}
	c.offerWatches[userID][w] = struct{}{}
	c.mu.Unlock()
	return w, nil
}

// SignOut tears down every subscription belonging to userID
func (c *Counter) SignOut(userID string) {
	c.mu.Lock()
	t := c.trackers[userID]
	delete(c.trackers, userID)
	watches := c.offerWatches[userID]
	delete(c.offerWatches, userID)
	c.mu.Unlock()

	if t != nil {
		t.stop()
	}
	for w := range watches {
		w.Unsubscribe()
	}
	c.logger.Info().Str("user_id", userID).Msg("[NOTIFY] signed out, subscriptions released")
}

// Close signs every user out
func (c *Counter) Close() error {
	c.mu.Lock()
	users := make(map[string]struct{})
	for u := range c.trackers {
		users[u] = struct{}{}
	}
	for u := range c.offerWatches {
		users[u] = struct{}{}
	}
	c.mu.Unlock()

	for u := range users {
		c.SignOut(u)
	}
	return nil
}

// Active reports how many users have a live unread tracker
func (c *Counter) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trackers)
}

type offerWatch struct {
	counter *Counter
	userID  string
	fn      func(*models.Offer)
	sub     feed.Subscription
	once    sync.Once
}

func (w *offerWatch) handle(ch feed.Change) {
	var o models.Offer
	if err := ch.Decode(&o); err != nil {
		return
	}
	listing, err := w.counter.store.GetListing(context.Background(), o.ListingID)
	if err != nil {
		w.counter.logger.Warn().Err(err).Str("listing_id", o.ListingID).Msg("[NOTIFY] failed to look up offer listing")
		return
	}
	if listing.OwnerID == w.userID {
		w.fn(&o)
	}
}

func (w *offerWatch) Unsubscribe() error {
	var err error
	w.once.Do(func() {
		c := w.counter
		c.mu.Lock()
		if set, ok := c.offerWatches[w.userID]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(c.offerWatches, w.userID)
			}
		}
		c.mu.Unlock()
		err = w.sub.Unsubscribe()
	})
	return err
}

type unreadSubscription struct {
	counter *Counter
	tracker *unreadTracker
	id      int
	once    sync.Once
}

func (s *unreadSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.tracker.removeListener(s.id)
		s.counter.release(s.tracker)
	})
	return nil
}
