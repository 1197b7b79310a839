package feed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func mustChange(t *testing.T, table string, op Operation, r interface{}) Change {
	t.Helper()
	c, err := NewChange(table, op, r, nil)
	require.NoError(t, err)
	return c
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) ids(t *testing.T) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, c := range r.changes {
		var v row
		require.NoError(t, c.Decode(&v))
		ids = append(ids, v.ID)
	}
	return ids
}

func TestFilterMatches(t *testing.T) {
	c := mustChange(t, TableMessages, OpInsert, row{ID: "m1", ConversationID: "c1"})

	assert.True(t, Filter{Table: TableMessages}.Matches(c))
	assert.False(t, Filter{Table: TableOffers}.Matches(c))
	assert.True(t, Filter{Table: TableMessages, Ops: []Operation{OpInsert}}.Matches(c))
	assert.False(t, Filter{Table: TableMessages, Ops: []Operation{OpUpdate, OpDelete}}.Matches(c))
	assert.True(t, Filter{Table: TableMessages, Column: "conversation_id", Value: "c1"}.Matches(c))
	assert.False(t, Filter{Table: TableMessages, Column: "conversation_id", Value: "c2"}.Matches(c))
	assert.False(t, Filter{Table: TableMessages, Column: "missing", Value: "c1"}.Matches(c))
	assert.False(t, Filter{Table: TableMessages, Match: func(Change) bool { return false }}.Matches(c))
}

func TestChangeDecodeDelete(t *testing.T) {
	c, err := NewChange(TableMessages, OpDelete, nil, row{ID: "gone"})
	require.NoError(t, err)

	var v row
	require.NoError(t, c.Decode(&v))
	assert.Equal(t, "gone", v.ID)

	empty := Change{Table: TableMessages, Op: OpDelete}
	assert.Error(t, empty.Decode(&v))
}

func TestHubDeliversMatchingChangesInOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	rec := &recorder{}
	_, err := hub.Subscribe(ctx, Filter{Table: TableMessages, Ops: []Operation{OpInsert}, Column: "conversation_id", Value: "c1"}, rec.handle)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "1", ConversationID: "c1"})))
	require.NoError(t, hub.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "x", ConversationID: "c2"})))
	require.NoError(t, hub.Publish(ctx, mustChange(t, TableMessages, OpUpdate, row{ID: "y", ConversationID: "c1"})))
	require.NoError(t, hub.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "2", ConversationID: "c1"})))

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, rec.ids(t))
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	rec := &recorder{}
	sub, err := hub.Subscribe(ctx, Filter{Table: TableMessages}, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Count())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, hub.Count())

	require.NoError(t, hub.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "1"})))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.len())
}

func TestHubContextCancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := hub.Subscribe(ctx, Filter{Table: TableOffers}, func(Change) {})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubRejectsFilterWithoutTable(t *testing.T) {
	_, err := NewHub().Subscribe(context.Background(), Filter{}, func(Change) {})
	assert.Error(t, err)
}

func TestHubFullQueueDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(WithBufferSize(1))
	defer hub.Close()
	ctx := context.Background()

	release := make(chan struct{})
	rec := &recorder{}
	_, err := hub.Subscribe(ctx, Filter{Table: TableMessages}, func(c Change) {
		<-release
		rec.handle(c)
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "m"}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	require.Eventually(t, func() bool { return rec.len() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Less(t, rec.len(), 10)
}

func TestParseNotification(t *testing.T) {
	payload := `{"table":"offers","op":"INSERT","new":{"id":"o1","listing_id":"l1"},"old":null,"commit_time":"2026-03-01T10:00:00.123456+00:00"}`

	c, err := ParseNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, TableOffers, c.Table)
	assert.Equal(t, OpInsert, c.Op)
	assert.Nil(t, c.Old)
	assert.Equal(t, 2026, c.CommitTime.Year())
	assert.True(t, Filter{Table: TableOffers, Column: "listing_id", Value: "l1"}.Matches(c))

	_, err = ParseNotification(`{"op":"INSERT"}`)
	assert.Error(t, err)
	_, err = ParseNotification(`not json`)
	assert.Error(t, err)
}

func TestSubscriptionsUnsubscribeAll(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	var subs Subscriptions
	for i := 0; i < 3; i++ {
		s, err := hub.Subscribe(ctx, Filter{Table: TableMessages}, func(Change) {})
		require.NoError(t, err)
		subs = append(subs, s)
	}
	subs = append(subs, nil)
	require.Equal(t, 3, hub.Count())
	require.NoError(t, subs.Unsubscribe())
	assert.Equal(t, 0, hub.Count())
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("BAZAAR_TEST_REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("BAZAAR_TEST_REDIS_ADDR not set")
	}
	bus, err := NewRedisBus(addr, "", 0)
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()
	rec := &recorder{}
	sub, err := bus.Subscribe(ctx, Filter{Table: TableMessages, Column: "conversation_id", Value: "c1"}, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "r1", ConversationID: "c1"})))
	require.NoError(t, bus.Publish(ctx, mustChange(t, TableMessages, OpInsert, row{ID: "r2", ConversationID: "c9"})))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNATSBusRoundTrip(t *testing.T) {
	url := os.Getenv("BAZAAR_TEST_NATS_URL")
	if url == "" || testing.Short() {
		t.Skip("BAZAAR_TEST_NATS_URL not set")
	}
	bus, err := NewNATSBus(url)
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()
	rec := &recorder{}
	sub, err := bus.Subscribe(ctx, Filter{Table: TableOffers, Ops: []Operation{OpInsert}}, rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, mustChange(t, TableOffers, OpInsert, row{ID: "o1"})))
	require.NoError(t, bus.Publish(ctx, mustChange(t, TableOffers, OpUpdate, row{ID: "o1"})))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNATSBusRetainsChanges(t *testing.T) {
	url := os.Getenv("BAZAAR_TEST_NATS_URL")
	if url == "" || testing.Short() {
		t.Skip("BAZAAR_TEST_NATS_URL not set")
	}
	bus, err := NewNATSBus(url)
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()
	require.NoError(t, bus.EnsureStream(ctx, time.Hour))

	js, err := jetstream.New(bus.conn)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, ChangeStream)
	require.NoError(t, err)
	before, err := stream.Info(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, mustChange(t, TableListings, OpUpdate, row{ID: "l1"})))
	require.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs > before.State.Msgs
	}, 2*time.Second, 20*time.Millisecond)
}
