package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/shared/models"
)

// unreadTracker owns one user's unread total. The value is always recomputed
// from the store; feed events only tell it when to do so.
type unreadTracker struct {
	counter *Counter
	userID  string
	refs    int // guarded by counter.mu

	startMu sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	subs    feed.Subscriptions

	// notifyMu serializes recomputation and listener delivery so listeners see values in order
	notifyMu sync.Mutex

	mu        sync.Mutex
	value     int
	convs     map[string]struct{}
	listeners map[int]func(int)
	nextID    int
}

func newUnreadTracker(c *Counter, userID string) *unreadTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &unreadTracker{
		counter:   c,
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		convs:     make(map[string]struct{}),
		listeners: make(map[int]func(int)),
	}
}

func (t *unreadTracker) start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return nil
	}
	if t.stopped {
		return fmt.Errorf("unread tracker for %s stopped", t.userID)
	}

	convs, err := t.counter.store.ListConversationsByUser(ctx, t.userID)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	t.mu.Lock()
	for _, c := range convs {
		t.convs[c.ID] = struct{}{}
	}
	t.mu.Unlock()

	msgSub, err := t.counter.sub.Subscribe(t.ctx, feed.Filter{
		Table: feed.TableMessages,
		Match: t.ownsMessage,
	}, t.onChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to messages: %w", err)
	}
	convSub, err := t.counter.sub.Subscribe(t.ctx, feed.Filter{
		Table: feed.TableConversations,
		Ops:   []feed.Operation{feed.OpInsert},
		Match: t.involvesUser,
	}, t.onConversation)
	if err != nil {
		msgSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to conversations: %w", err)
	}
	t.subs = feed.Subscriptions{msgSub, convSub}

	n, err := t.counter.store.CountUnread(ctx, t.userID)
	if err != nil {
		t.subs.Unsubscribe()
		t.subs = nil
		return fmt.Errorf("failed to count unread messages: %w", err)
	}
	t.mu.Lock()
	t.value = n
	t.mu.Unlock()

	t.started = true
	return nil
}

func (t *unreadTracker) stop() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.subs.Unsubscribe()
	t.cancel()

	t.mu.Lock()
	t.listeners = make(map[int]func(int))
	t.mu.Unlock()
}

func (t *unreadTracker) ownsMessage(c feed.Change) bool {
	var m models.Message
	if err := c.Decode(&m); err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.convs[m.ConversationID]
	return ok
}

func (t *unreadTracker) involvesUser(c feed.Change) bool {
	var conv models.Conversation
	if err := c.Decode(&conv); err != nil {
		return false
	}
	return conv.HasParticipant(t.userID)
}

func (t *unreadTracker) onConversation(c feed.Change) {
	var conv models.Conversation
	if err := c.Decode(&conv); err != nil {
		return
	}
	t.mu.Lock()
	t.convs[conv.ID] = struct{}{}
	t.mu.Unlock()
	t.recompute()
}

func (t *unreadTracker) onChange(feed.Change) {
	t.recompute()
}

func (t *unreadTracker) recompute() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	n, err := t.counter.store.CountUnread(t.ctx, t.userID)
	if err != nil {
		t.counter.logger.Warn().Err(err).Str("user_id", t.userID).Msg("[NOTIFY] failed to recount unread messages")
		return
	}

	t.mu.Lock()
	if n == t.value {
		t.mu.Unlock()
		return
	}
	t.value = n
	listeners := make([]func(int), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(n)
	}
}

// addListener registers fn and delivers the current value to it
func (t *unreadTracker) addListener(fn func(int)) int {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	v := t.value
	t.mu.Unlock()

	fn(v)
	return id
}

func (t *unreadTracker) removeListener(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, id)
}
