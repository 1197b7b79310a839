package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/auth"
	"github.com/aaronwang/bazaar/internal/conversations"
	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/internal/messaging"
	"github.com/aaronwang/bazaar/internal/notify"
	"github.com/aaronwang/bazaar/internal/offers"
	"github.com/aaronwang/bazaar/shared/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event types pushed to clients
const (
	EventConnected     = "connected"
	EventUnreadCount   = "unread_count"
	EventNewOffer      = "new_offer"
	EventSnapshot      = "snapshot"
	EventInbox         = "inbox"
	EventListingOffers = "listing_offers"
	EventMyOffers      = "my_offers"
	EventSent          = "sent"
	EventError         = "error"
)

// Command types accepted on a conversation socket
const (
	CommandSend  = "send"
	CommandDraft = "draft"
	CommandRead  = "read"

	CommandSelect  = "select"
	CommandRefresh = "refresh"
)

// Event is a server to client frame
type Event struct {
	Type           string                    `json:"type"`
	ClientID       string                    `json:"client_id,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	Count          *int                      `json:"count,omitempty"`
	Offer          *models.Offer             `json:"offer,omitempty"`
	Snapshot       *messaging.Snapshot       `json:"snapshot,omitempty"`
	Inbox          *conversations.InboxState `json:"inbox,omitempty"`
	ListingOffers  []*models.ListingOffer    `json:"listing_offers,omitempty"`
	MyOffers       []*models.BuyerOffer      `json:"my_offers,omitempty"`
	Message        *models.Message           `json:"message,omitempty"`
	Error          string                    `json:"error,omitempty"`
	Kind           string                    `json:"kind,omitempty"`
}

// Command is a client to server frame
type Command struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Handler handles WebSocket connections
type Handler struct {
	manager   *Manager
	counter   *notify.Counter
	ledger    *offers.Ledger
	directory *conversations.Directory
	messages  *messaging.Service
	feed      feed.Subscriber
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager, counter *notify.Counter, ledger *offers.Ledger, directory *conversations.Directory, messages *messaging.Service, sub feed.Subscriber) *Handler {
	return &Handler{
		manager:   manager,
		counter:   counter,
		ledger:    ledger,
		directory: directory,
		messages:  messages,
		feed:      sub,
	}
}

// RegisterRoutes mounts the websocket endpoints on router behind authn
func (h *Handler) RegisterRoutes(router *mux.Router, authn *auth.Authenticator) {
	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(authn.Middleware)
	ws.HandleFunc("/notifications", h.HandleNotifications)
	ws.HandleFunc("/inbox", h.HandleInbox)
	ws.HandleFunc("/offers", h.HandleMyOffers)
	ws.HandleFunc("/listings/{id}/offers", h.HandleListingOffers)
	ws.HandleFunc("/conversations/{id}", h.HandleConversation)
	ws.HandleFunc("/signout", h.SignOut).Methods("POST")

	router.Handle("/stats/ws/{topic}", authn.Middleware(http.HandlerFunc(h.GetStats))).Methods("GET")
}

// NotificationsTopic is the manager topic of a user's notification sockets
func NotificationsTopic(userID string) string { return "notifications:" + userID }

// InboxTopic is the manager topic of a user's inbox sockets
func InboxTopic(userID string) string { return "inbox:" + userID }

// ConversationTopic is the manager topic of a conversation's sockets
func ConversationTopic(conversationID string) string { return "conversation:" + conversationID }

// ListingOffersTopic is the manager topic of a listing owner's offer sockets
func ListingOffersTopic(listingID string) string { return "listing_offers:" + listingID }

// MyOffersTopic is the manager topic of a buyer's offer sockets
func MyOffersTopic(userID string) string { return "my_offers:" + userID }

// HandleNotifications streams the user's unread total and new offers on their listings
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.logger.Warn().Err(err).Msg("[WS] failed to upgrade connection")
		return
	}
	client := newClient(h.manager, uuid.New().String(), NotificationsTopic(userID), userID, conn)
	h.manager.RegisterClient(client)
	client.SendJSON(Event{Type: EventConnected, ClientID: client.ID})

	unread, err := h.counter.SubscribeUnreadCount(client.ctx, userID, func(n int) {
		client.SendJSON(Event{Type: EventUnreadCount, Count: &n})
	})
	if err != nil {
		h.fail(client, err)
		return
	}
	client.OnClose(func() { unread.Unsubscribe() })

	newOffers, err := h.counter.SubscribeNewOfferNotifications(client.ctx, userID, func(o *models.Offer) {
		client.SendJSON(Event{Type: EventNewOffer, Offer: o})
	})
	if err != nil {
		h.fail(client, err)
		return
	}
	client.OnClose(func() { newOffers.Unsubscribe() })

	client.StartReadPump()
}

// HandleInbox streams the user's conversation list. The initial state selects
// the ?conversation= deep link when it is in the list. Clients send
// {"type":"select","conversation_id":...} and {"type":"refresh"}.
func (h *Handler) HandleInbox(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	in, err := h.directory.OpenInbox(r.Context(), h.feed, userID, r.URL.Query().Get("conversation"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		in.Close()
		h.manager.logger.Warn().Err(err).Msg("[WS] failed to upgrade connection")
		return
	}
	client := newClient(h.manager, uuid.New().String(), InboxTopic(userID), userID, conn)
	client.OnClose(func() { in.Close() })
	client.commands = func(raw []byte) { h.handleInboxCommand(client, in, raw) }
	h.manager.RegisterClient(client)

	client.SendJSON(Event{Type: EventConnected, ClientID: client.ID})
	in.OnChange(func(s conversations.InboxState) {
		client.SendJSON(Event{Type: EventInbox, Inbox: &s})
	})
	state := in.State()
	client.SendJSON(Event{Type: EventInbox, Inbox: &state})

	client.StartReadPump()
}

func (h *Handler) handleInboxCommand(client *Client, in *conversations.Inbox, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		client.SendJSON(Event{Type: EventError, Error: "malformed command", Kind: apperr.KindValidation.String()})
		return
	}
	switch cmd.Type {
	case CommandSelect:
		in.Select(cmd.ConversationID)
	case CommandRefresh:
		go in.Refresh(client.ctx)
	default:
		client.SendJSON(Event{Type: EventError, Error: fmt.Sprintf("unknown command %q", cmd.Type), Kind: apperr.KindValidation.String()})
	}
}

// SignOut drops the caller's notification subscriptions and closes their
// notification and inbox sockets
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.counter.SignOut(userID)
	closed := h.manager.CloseTopic(NotificationsTopic(userID)) + h.manager.CloseTopic(InboxTopic(userID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{"closed": closed})
}

// HandleConversation hosts a live message channel for one participant.
// Clients send {"type":"send","content":...}, {"type":"draft",...} and
// {"type":"read"}; every state change is pushed back as a snapshot.
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	convID := mux.Vars(r)["id"]
	if convID == "" {
		http.Error(w, "Conversation ID is required", http.StatusBadRequest)
		return
	}

	ch, err := h.messages.OpenChannel(r.Context(), h.feed, convID, userID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.Close()
		h.manager.logger.Warn().Err(err).Msg("[WS] failed to upgrade connection")
		return
	}
	client := newClient(h.manager, uuid.New().String(), ConversationTopic(convID), userID, conn)
	client.OnClose(func() { ch.Close() })
	client.commands = func(raw []byte) { h.handleCommand(client, ch, raw) }
	h.manager.RegisterClient(client)

	client.SendJSON(Event{Type: EventConnected, ClientID: client.ID, ConversationID: convID})
	ch.OnChange(func(s messaging.Snapshot) {
		client.SendJSON(Event{Type: EventSnapshot, Snapshot: &s})
	})
	snap := ch.Snapshot()
	client.SendJSON(Event{Type: EventSnapshot, Snapshot: &snap})

	client.StartReadPump()
}

// HandleListingOffers streams the offers on one of the caller's listings,
// re-read whenever an offer row for the listing changes
func (h *Handler) HandleListingOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	listingID := mux.Vars(r)["id"]
	if listingID == "" {
		http.Error(w, "Listing ID is required", http.StatusBadRequest)
		return
	}

	load := func(ctx context.Context) (Event, error) {
		list, err := h.ledger.ListListingOffers(ctx, userID, listingID)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventListingOffers, ListingOffers: list}, nil
	}
	filter := feed.Filter{Table: feed.TableOffers, Column: "listing_id", Value: listingID}
	h.streamOffers(w, r, ListingOffersTopic(listingID), userID, filter, load)
}

// HandleMyOffers streams the caller's own offers, re-read whenever one of
// them changes
func (h *Handler) HandleMyOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	load := func(ctx context.Context) (Event, error) {
		list, err := h.ledger.ListMyOffers(ctx, userID)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventMyOffers, MyOffers: list}, nil
	}
	filter := feed.Filter{Table: feed.TableOffers, Column: "buyer_id", Value: userID}
	h.streamOffers(w, r, MyOffersTopic(userID), userID, filter, load)
}

func (h *Handler) streamOffers(w http.ResponseWriter, r *http.Request, topic, userID string, filter feed.Filter, load func(context.Context) (Event, error)) {
	if _, err := load(r.Context()); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.logger.Warn().Err(err).Msg("[WS] failed to upgrade connection")
		return
	}
	client := newClient(h.manager, uuid.New().String(), topic, userID, conn)
	h.manager.RegisterClient(client)
	client.SendJSON(Event{Type: EventConnected, ClientID: client.ID})

	push := func() {
		ev, err := load(client.ctx)
		if err != nil {
			if client.ctx.Err() == nil {
				h.manager.logger.Warn().Err(err).Str("topic", topic).Msg("[WS] failed to reload offers")
				client.SendJSON(errorEvent(err))
			}
			return
		}
		client.SendJSON(ev)
	}
	sub, err := h.feed.Subscribe(client.ctx, filter, func(feed.Change) { push() })
	if err != nil {
		h.fail(client, err)
		return
	}
	client.OnClose(func() { sub.Unsubscribe() })
	// read after subscribing so no change falls between the two
	push()

	client.StartReadPump()
}

func (h *Handler) handleCommand(client *Client, ch *messaging.Channel, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		client.SendJSON(Event{Type: EventError, Error: "malformed command", Kind: apperr.KindValidation.String()})
		return
	}

	switch cmd.Type {
	case CommandSend:
		// the read loop keeps serving drafts while the send is in flight
		go func() {
			msg, err := ch.Send(client.ctx, cmd.Content)
			if err != nil {
				client.SendJSON(errorEvent(err))
				return
			}
			client.SendJSON(Event{Type: EventSent, Message: msg})
		}()
	case CommandDraft:
		ch.SetDraft(cmd.Content)
	case CommandRead:
		if err := ch.MarkRead(client.ctx); err != nil {
			client.SendJSON(errorEvent(err))
		}
	default:
		client.SendJSON(Event{Type: EventError, Error: fmt.Sprintf("unknown command %q", cmd.Type), Kind: apperr.KindValidation.String()})
	}
}

func errorEvent(err error) Event {
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	return Event{Type: EventError, Error: message, Kind: apperr.KindOf(err).String()}
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(client *Client, err error) {
	h.manager.logger.Error().Err(err).Str("user_id", client.UserID).Str("topic", client.Topic).Msg("[WS] failed to start subscriptions")
	client.SendJSON(errorEvent(err))
	h.manager.UnregisterClient(client)
}

// GetStats returns the number of sockets on a topic the caller may watch
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	topic := mux.Vars(r)["topic"]
	if err := h.authorizeTopic(r.Context(), userID, topic); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"topic":       topic,
		"subscribers": h.manager.GetSubscriberCount(topic),
	})
}

// authorizeTopic allows a user's own topics, and the conversation and listing
// topics they could open a socket on
func (h *Handler) authorizeTopic(ctx context.Context, userID, topic string) error {
	const op = "socket stats"

	kind, id, _ := strings.Cut(topic, ":")
	switch kind {
	case "notifications", "inbox", "my_offers":
		if id != userID {
			return apperr.Authorization(op, "not your topic")
		}
		return nil
	case "conversation":
		_, err := h.messages.Conversation(ctx, id, userID)
		return err
	case "listing_offers":
		_, err := h.ledger.ListListingOffers(ctx, userID, id)
		return err
	}
	return apperr.NotFound(op, "unknown topic", nil)
}
