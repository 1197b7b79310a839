package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/bazaar/internal/auth"
	"github.com/aaronwang/bazaar/internal/conversations"
	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/internal/messaging"
	"github.com/aaronwang/bazaar/internal/notify"
	"github.com/aaronwang/bazaar/internal/offers"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/models"
)

type testEnv struct {
	t       *testing.T
	store   *store.MemoryStore
	ledger  *offers.Ledger
	counter *notify.Counter
	manager *Manager
	authn   *auth.Authenticator
	url     string
	httpURL string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := feed.NewHub()
	t.Cleanup(func() { hub.Close() })
	st := store.NewMemoryStore(hub)
	require.NoError(t, st.CreateListing(ctx, &models.Listing{ID: "l1", OwnerID: "seller", Title: "Lamp", Price: 40}))
	lid := "l1"
	require.NoError(t, st.CreateConversation(ctx, &models.Conversation{ID: "c1", ListingID: &lid, BuyerID: "buyer", SellerID: "seller", LastMessageAt: time.Now()}))
	require.NoError(t, st.UpsertProfile(ctx, &models.Profile{ID: "buyer", Username: "bea"}))

	counter := notify.NewCounter(st, hub)
	t.Cleanup(func() { counter.Close() })
	manager := NewManager()
	go manager.Run(ctx)

	authn, err := auth.NewAuthenticator("ws-secret")
	require.NoError(t, err)
	router := mux.NewRouter()
	ledger := offers.NewLedger(st, nil)
	NewHandler(manager, counter, ledger, conversations.NewDirectory(st), messaging.NewService(st), hub).RegisterRoutes(router, authn)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{
		t:       t,
		store:   st,
		ledger:  ledger,
		counter: counter,
		manager: manager,
		authn:   authn,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		httpURL: srv.URL,
	}
}

func (e *testEnv) dial(user, path string) (*websocket.Conn, *http.Response, error) {
	e.t.Helper()
	token, err := e.authn.IssueToken(user, time.Hour)
	require.NoError(e.t, err)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return websocket.DefaultDialer.Dial(e.url+path+sep+"access_token="+token, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil skips events until match accepts one
func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	for i := 0; i < 50; i++ {
		ev := readEvent(t, conn)
		if match(ev) {
			return ev
		}
	}
	t.Fatal("expected event never arrived")
	return Event{}
}

func TestNotificationsSocket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conn, _, err := env.dial("seller", "/ws/notifications")
	require.NoError(t, err)

	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	ev := readEvent(t, conn)
	require.Equal(t, EventUnreadCount, ev.Type)
	require.NotNil(t, ev.Count)
	assert.Equal(t, 0, *ev.Count)
	require.Eventually(t, func() bool {
		return env.manager.GetSubscriberCount(NotificationsTopic("seller")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, env.store.CreateMessage(ctx, &models.Message{ID: "m1", ConversationID: "c1", SenderID: "buyer", Content: "hi", CreatedAt: time.Now()}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventUnreadCount })
	assert.Equal(t, 1, *ev.Count)

	require.NoError(t, env.store.CreateOffer(ctx, &models.Offer{ID: "o1", ListingID: "l1", BuyerID: "buyer", Amount: 30, Status: models.OfferStatusPending}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventNewOffer })
	require.NotNil(t, ev.Offer)
	assert.Equal(t, "o1", ev.Offer.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.manager.GetSubscriberCount(NotificationsTopic("seller")) == 0 && env.counter.Active() == 0
	}, 2*time.Second, 10*time.Millisecond, "closing the socket releases the unread tracker")
}

func TestConversationSocketSend(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dial("buyer", "/ws/conversations/c1")
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, "c1", ev.ConversationID)
	ev = readEvent(t, conn)
	require.Equal(t, EventSnapshot, ev.Type)
	assert.Empty(t, ev.Snapshot.Messages)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSend, Content: "  is it still for sale?  "}))
	sent := readUntil(t, conn, func(e Event) bool { return e.Type == EventSent })
	require.NotNil(t, sent.Message)
	assert.Equal(t, "is it still for sale?", sent.Message.Content)

	stored, err := env.store.GetMessage(context.Background(), sent.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "buyer", stored.SenderID)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSend, Content: "   "}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventError })
	assert.Equal(t, "validation", ev.Kind)

	require.NoError(t, conn.WriteJSON(Command{Type: "shout"}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, ev.Error, "unknown command")
}

func TestConversationSocketRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dial("stranger", "/ws/conversations/c1")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = env.dial("buyer", "/ws/conversations/missing")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.url+"/ws/notifications", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInboxSocketKeepsSelection(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dial("seller", "/ws/inbox?conversation=c1")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	ev := readUntil(t, conn, func(e Event) bool { return e.Type == EventInbox })
	require.NotNil(t, ev.Inbox)
	require.Len(t, ev.Inbox.Conversations, 1)
	assert.Equal(t, "c1", ev.Inbox.SelectedID)

	lid := "l1"
	require.NoError(t, env.store.CreateConversation(context.Background(), &models.Conversation{ID: "c2", ListingID: &lid, BuyerID: "buyer2", SellerID: "seller"}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventInbox && len(e.Inbox.Conversations) == 2 })
	assert.Equal(t, "c1", ev.Inbox.SelectedID, "background refresh keeps the selection")

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSelect, ConversationID: "c2"}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventInbox && e.Inbox.SelectedID == "c2" })
	assert.Len(t, ev.Inbox.Conversations, 2)

	require.NoError(t, conn.WriteJSON(Command{Type: CommandSelect, ConversationID: "nope"}))
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventInbox && e.Inbox.SelectedID == "" })
	assert.Len(t, ev.Inbox.Conversations, 2)
}

func TestSignOutClosesSockets(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dial("seller", "/ws/notifications")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	assert.Equal(t, EventUnreadCount, readEvent(t, conn).Type)
	require.Eventually(t, func() bool {
		return env.manager.GetSubscriberCount(NotificationsTopic("seller")) == 1
	}, time.Second, 5*time.Millisecond)

	token, err := env.authn.IssueToken("seller", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.httpURL+"/ws/signout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body["closed"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return env.counter.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestListingOffersSocketFollowsOfferChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conn, _, err := env.dial("seller", "/ws/listings/l1/offers")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	ev := readUntil(t, conn, func(e Event) bool { return e.Type == EventListingOffers })
	assert.Empty(t, ev.ListingOffers)
	require.Eventually(t, func() bool {
		return env.manager.GetSubscriberCount(ListingOffersTopic("l1")) == 1
	}, time.Second, 5*time.Millisecond)

	offer, err := env.ledger.SubmitOffer(ctx, "buyer", "l1", 30, "")
	require.NoError(t, err)
	ev = readUntil(t, conn, func(e Event) bool { return e.Type == EventListingOffers && len(e.ListingOffers) == 1 })
	assert.Equal(t, offer.ID, ev.ListingOffers[0].ID)
	assert.Equal(t, models.OfferStatusPending, ev.ListingOffers[0].Status)
	assert.Equal(t, "bea", ev.ListingOffers[0].Buyer.Username)

	_, err = env.ledger.DeclineOffer(ctx, "seller", offer.ID)
	require.NoError(t, err)
	ev = readUntil(t, conn, func(e Event) bool {
		return e.Type == EventListingOffers && len(e.ListingOffers) == 1 && e.ListingOffers[0].Status == models.OfferStatusDeclined
	})
	assert.Equal(t, offer.ID, ev.ListingOffers[0].ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.manager.GetSubscriberCount(ListingOffersTopic("l1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMyOffersSocketSeesAcceptance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	offer, err := env.ledger.SubmitOffer(ctx, "buyer", "l1", 35, "")
	require.NoError(t, err)

	conn, _, err := env.dial("buyer", "/ws/offers")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventConnected, readEvent(t, conn).Type)
	ev := readUntil(t, conn, func(e Event) bool { return e.Type == EventMyOffers })
	require.Len(t, ev.MyOffers, 1)
	assert.Equal(t, models.OfferStatusPending, ev.MyOffers[0].Status)
	require.NotNil(t, ev.MyOffers[0].Listing)
	assert.Equal(t, "Lamp", ev.MyOffers[0].Listing.Title)

	_, err = env.ledger.AcceptOffer(ctx, "seller", offer.ID)
	require.NoError(t, err)
	ev = readUntil(t, conn, func(e Event) bool {
		return e.Type == EventMyOffers && len(e.MyOffers) == 1 && e.MyOffers[0].Status == models.OfferStatusAccepted
	})
	assert.Equal(t, offer.ID, ev.MyOffers[0].ID)
}

func TestListingOffersSocketIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dial("buyer", "/ws/listings/l1/offers")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = env.dial("seller", "/ws/listings/missing/offers")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsRequireAuthentication(t *testing.T) {
	env := newTestEnv(t)

	get := func(user, topic string) int {
		req, err := http.NewRequest(http.MethodGet, env.httpURL+"/stats/ws/"+topic, nil)
		require.NoError(t, err)
		if user != "" {
			token, err := env.authn.IssueToken(user, time.Hour)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("", NotificationsTopic("seller")))
	assert.Equal(t, http.StatusForbidden, get("stranger", NotificationsTopic("seller")))
	assert.Equal(t, http.StatusForbidden, get("stranger", ConversationTopic("c1")))
	assert.Equal(t, http.StatusForbidden, get("buyer", ListingOffersTopic("l1")))
	assert.Equal(t, http.StatusNotFound, get("seller", "everything"))

	assert.Equal(t, http.StatusOK, get("seller", NotificationsTopic("seller")))
	assert.Equal(t, http.StatusOK, get("buyer", ConversationTopic("c1")))
	assert.Equal(t, http.StatusOK, get("seller", ListingOffersTopic("l1")))
}
