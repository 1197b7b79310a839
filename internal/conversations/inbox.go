package conversations

import (
	"context"
	"fmt"
	"sync"

	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/shared/models"
)

// InboxState is what an inbox shows
type InboxState struct {
	Conversations []*Summary `json:"conversations"`
	SelectedID    string     `json:"selected_id,omitempty"`
}

// Inbox is a user's conversation list kept current by the change feed.
// Only the initial load auto-selects; background refreshes keep the
// selection and clear it only when the conversation disappears.
type Inbox struct {
	dir    *Directory
	userID string

	ctx    context.Context
	cancel context.CancelFunc
	subs   feed.Subscriptions

	refreshMu sync.Mutex

	mu        sync.Mutex
	state     InboxState
	known     map[string]struct{}
	listeners []func(InboxState)
	closed    bool
}

// OpenInbox loads the user's conversations and subscribes to message and
// conversation changes. deepLink, when present in the list, is selected;
// otherwise the first conversation is.
func (d *Directory) OpenInbox(ctx context.Context, sub feed.Subscriber, userID, deepLink string) (*Inbox, error) {
	summaries, err := d.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	inboxCtx, cancel := context.WithCancel(context.Background())
	in := &Inbox{
		dir:    d,
		userID: userID,
		ctx:    inboxCtx,
		cancel: cancel,
	}
	in.apply(summaries, true, deepLink)

	msgSub, err := sub.Subscribe(inboxCtx, feed.Filter{
		Table: feed.TableMessages,
		Match: in.involvesKnownConversation,
	}, in.onChange)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to messages: %w", err)
	}
	convSub, err := sub.Subscribe(inboxCtx, feed.Filter{
		Table: feed.TableConversations,
		Ops:   []feed.Operation{feed.OpInsert},
		Match: in.involvesUser,
	}, in.onChange)
	if err != nil {
		msgSub.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("failed to subscribe to conversations: %w", err)
	}
	in.subs = feed.Subscriptions{msgSub, convSub}
	return in, nil
}

func (in *Inbox) involvesKnownConversation(c feed.Change) bool {
	var m models.Message
	if err := c.Decode(&m); err != nil {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.known[m.ConversationID]
	return ok
}

func (in *Inbox) involvesUser(c feed.Change) bool {
	var conv models.Conversation
	if err := c.Decode(&conv); err != nil {
		return false
	}
	return conv.HasParticipant(in.userID)
}

func (in *Inbox) onChange(feed.Change) {
	in.refresh(in.ctx)
}

// Refresh reloads the list in the background mode: no auto-select, errors logged
func (in *Inbox) Refresh(ctx context.Context) {
	in.refresh(ctx)
}

func (in *Inbox) refresh(ctx context.Context) {
	in.refreshMu.Lock()
	defer in.refreshMu.Unlock()

	summaries, err := in.dir.ListConversations(ctx, in.userID)
	if err != nil {
		in.dir.logger.Warn().Err(err).Str("user_id", in.userID).Msg("[INBOX] background refresh failed")
		return
	}
	in.apply(summaries, false, "")
}

func (in *Inbox) apply(summaries []*Summary, initial bool, deepLink string) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}

	in.known = make(map[string]struct{}, len(summaries))
	for _, s := range summaries {
		in.known[s.Conversation.ID] = struct{}{}
	}

	selected := in.state.SelectedID
	if initial {
		selected = ""
		if _, ok := in.known[deepLink]; ok && deepLink != "" {
			selected = deepLink
		} else if len(summaries) > 0 {
			selected = summaries[0].Conversation.ID
		}
	} else if _, ok := in.known[selected]; !ok {
		selected = ""
	}

	in.state = InboxState{Conversations: summaries, SelectedID: selected}
	state := in.state
	listeners := append(([]func(InboxState))(nil), in.listeners...)
	in.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// Select changes the selected conversation. An id not in the list clears the selection.
func (in *Inbox) Select(conversationID string) {
	in.mu.Lock()
	if _, ok := in.known[conversationID]; ok {
		in.state.SelectedID = conversationID
	} else {
		in.state.SelectedID = ""
	}
	state := in.state
	listeners := append(([]func(InboxState))(nil), in.listeners...)
	in.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// State returns the current list and selection
func (in *Inbox) State() InboxState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// OnChange registers fn to receive every new state
func (in *Inbox) OnChange(fn func(InboxState)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.listeners = append(in.listeners, fn)
}

// Close stops listening to the feed
func (in *Inbox) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.listeners = nil
	in.mu.Unlock()

	err := in.subs.Unsubscribe()
	in.cancel()
	return err
}
