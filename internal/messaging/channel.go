package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/shared/models"
)

// TempIDPrefix marks ids of optimistic placeholders
const TempIDPrefix = "temp-"

// Snapshot is the state of a channel session
type Snapshot struct {
	Messages []*DisplayMessage `json:"messages"`
	Draft    string            `json:"draft"`
	Sending  bool              `json:"sending"`
}

// Channel is one viewer's live session on a conversation. It merges
// optimistic sends with messages delivered by the change feed.
type Channel struct {
	svc            *Service
	conversationID string
	viewerID       string

	ctx    context.Context
	cancel context.CancelFunc
	sub    feed.Subscription

	mu        sync.Mutex
	messages  []*DisplayMessage
	profiles  map[string]*models.Profile
	draft     string
	sending   bool
	listeners []func(Snapshot)
	closed    bool
}

// OpenChannel loads history, marks it read for the viewer and starts
// listening for new messages in the conversation.
func (s *Service) OpenChannel(ctx context.Context, sub feed.Subscriber, conversationID, viewerID string) (*Channel, error) {
	if _, err := s.Conversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	history, err := s.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.MarkRead(ctx, conversationID, viewerID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("[CHANNEL] failed to mark history read")
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		svc:            s,
		conversationID: conversationID,
		viewerID:       viewerID,
		ctx:            chCtx,
		cancel:         cancel,
		messages:       history,
		profiles:       make(map[string]*models.Profile),
	}
	for _, m := range history {
		c.profiles[m.SenderID] = m.Sender
	}
	if _, ok := c.profiles[viewerID]; !ok {
		c.profiles[viewerID] = s.profile(ctx, viewerID)
	}

	c.sub, err = sub.Subscribe(chCtx, feed.Filter{
		Table:  feed.TableMessages,
		Ops:    []feed.Operation{feed.OpInsert},
		Column: "conversation_id",
		Value:  conversationID,
	}, c.onInsert)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to conversation %s: %w", conversationID, err)
	}
	return c, nil
}

// ConversationID returns the conversation the session is on
func (c *Channel) ConversationID() string { return c.conversationID }

// Snapshot returns a copy of the current state
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Channel) snapshotLocked() Snapshot {
	msgs := make([]*DisplayMessage, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{Messages: msgs, Draft: c.draft, Sending: c.sending}
}

// OnChange registers fn to receive every new snapshot
func (c *Channel) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// publishAndUnlock must be called with c.mu held; listeners run after the unlock
func (c *Channel) publishAndUnlock() {
	snap := c.snapshotLocked()
	listeners := append(([]func(Snapshot))(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// SetDraft updates the unsent text
func (c *Channel) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.publishAndUnlock()
}

// Send posts content optimistically: a placeholder is shown and the draft
// cleared before the store write. On failure the placeholder is removed and
// the draft restored to content as given. Only one send may be in flight per session.
func (c *Channel) Send(ctx context.Context, content string) (*models.Message, error) {
	const op = "send message"

	text := strings.TrimSpace(content)
	if err := checkContent(op, text); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.Validation(op, "conversation closed")
	}
	if c.sending {
		c.mu.Unlock()
		return nil, apperr.Validation(op, "send already in progress")
	}
	c.sending = true
	ref := ulid.Make().String()
	tempID := TempIDPrefix + ref
	placeholder := &DisplayMessage{
		Message: &models.Message{
			ID:             tempID,
			ConversationID: c.conversationID,
			SenderID:       c.viewerID,
			Content:        text,
			CreatedAt:      c.svc.now().UTC(),
			ClientRef:      &ref,
		},
		Sender:  c.profileLocked(c.viewerID),
		Pending: true,
	}
	c.messages = append(c.messages, placeholder)
	c.draft = ""
	c.publishAndUnlock()

	msg, err := c.svc.Post(ctx, c.conversationID, c.viewerID, text, &ref)

	c.mu.Lock()
	c.sending = false
	idx := c.indexLocked(tempID)
	if err != nil {
		if idx >= 0 {
			c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
		}
		c.draft = content
		c.publishAndUnlock()
		c.svc.logger.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("[CHANNEL] send failed, draft restored")
		return nil, err
	}

	confirmed := &DisplayMessage{Message: msg, Sender: placeholder.Sender}
	switch {
	case c.indexLocked(msg.ID) >= 0:
		// the feed already delivered it
		if idx >= 0 {
			c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
		}
	case idx >= 0:
		c.messages[idx] = confirmed
	default:
		c.messages = append(c.messages, confirmed)
	}
	c.sortLocked()
	c.publishAndUnlock()
	return msg, nil
}

// MarkRead marks the conversation read for the viewer
func (c *Channel) MarkRead(ctx context.Context) error {
	n, err := c.svc.MarkRead(ctx, c.conversationID, c.viewerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	now := c.svc.now().UTC()
	c.mu.Lock()
	for i, m := range c.messages {
		if m.Pending || !m.Unread(c.viewerID) {
			continue
		}
		cp := *m.Message
		t := now
		cp.ReadAt = &t
		c.messages[i] = &DisplayMessage{Message: &cp, Sender: m.Sender}
	}
	c.publishAndUnlock()
	return nil
}

func (c *Channel) onInsert(change feed.Change) {
	var m models.Message
	if err := change.Decode(&m); err != nil {
		c.svc.logger.Warn().Err(err).Msg("[CHANNEL] failed to decode message change")
		return
	}

	c.mu.Lock()
	if c.closed || c.indexLocked(m.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	sender, cached := c.profiles[m.SenderID]
	c.mu.Unlock()

	// the postgres relay omits message bodies
	if m.Content == "" {
		full, err := c.svc.store.GetMessage(c.ctx, m.ID)
		if err != nil {
			c.svc.logger.Warn().Err(err).Str("message_id", m.ID).Msg("[CHANNEL] failed to load message body")
			return
		}
		m = *full
	}
	if !cached {
		sender = c.svc.profile(c.ctx, m.SenderID)
	}

	c.mu.Lock()
	if c.closed || c.indexLocked(m.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	c.profiles[m.SenderID] = sender
	dm := &DisplayMessage{Message: &m, Sender: sender}
	if idx := c.placeholderLocked(m.ClientRef); idx >= 0 {
		c.messages[idx] = dm
	} else {
		c.messages = append(c.messages, dm)
	}
	c.sortLocked()
	c.publishAndUnlock()

	if m.SenderID != c.viewerID && m.ReadAt == nil {
		if err := c.MarkRead(c.ctx); err != nil {
			c.svc.logger.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("[CHANNEL] failed to mark live message read")
		}
	}
}

func (c *Channel) profileLocked(userID string) *models.Profile {
	if p, ok := c.profiles[userID]; ok {
		return p
	}
	return models.UnknownProfile(userID)
}

func (c *Channel) indexLocked(id string) int {
	for i, m := range c.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Channel) placeholderLocked(ref *string) int {
	if ref == nil {
		return -1
	}
	for i, m := range c.messages {
		if m.Pending && m.ClientRef != nil && *m.ClientRef == *ref {
			return i
		}
	}
	return -1
}

func (c *Channel) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		a, b := c.messages[i], c.messages[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Close stops listening for new messages
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.listeners = nil
	c.mu.Unlock()

	err := c.sub.Unsubscribe()
	c.cancel()
	return err
}
