// Package feed delivers row-level change notifications on named tables to filtered subscribers.
//
// A Change is produced by the store (triggers in Postgres, or the in-memory store directly) and
// travels over one of the Bus implementations: the in-process Hub, NATS subjects, or Redis Pub/Sub
// channels. Subscribers register a Filter and receive matching changes until they unsubscribe.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of row change
type Operation string

// Operation constants, spelled as Postgres TG_OP reports them
const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Table names carried by changes
const (
	TableListings      = "listings"
	TableOffers        = "offers"
	TableTransactions  = "transactions"
	TableConversations = "conversations"
	TableMessages      = "messages"
)

// Change is a single row-level change notification
type Change struct {
	Table      string          `json:"table"`
	Op         Operation       `json:"op"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// NewChange builds a change from the new and old row values (either may be nil)
func NewChange(table string, op Operation, newRow, oldRow interface{}) (Change, error) {
	c := Change{Table: table, Op: op, CommitTime: time.Now().UTC()}
	if newRow != nil {
		data, err := json.Marshal(newRow)
		if err != nil {
			return Change{}, fmt.Errorf("failed to marshal new row: %w", err)
		}
		c.New = data
	}
	if oldRow != nil {
		data, err := json.Marshal(oldRow)
		if err != nil {
			return Change{}, fmt.Errorf("failed to marshal old row: %w", err)
		}
		c.Old = data
	}
	return c, nil
}

// Row returns the row the change is about: the new row, or the old one for deletes
func (c Change) Row() json.RawMessage {
	if !isNull(c.New) {
		return c.New
	}
	return c.Old
}

// Decode unmarshals the change's row into v
func (c Change) Decode(v interface{}) error {
	row := c.Row()
	if isNull(row) {
		return fmt.Errorf("change on %s carries no row", c.Table)
	}
	return json.Unmarshal(row, v)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Filter selects the changes a subscriber is interested in.
// Table is required. Ops empty means every operation. Column/Value is an
// equality predicate on the row ("rows in Table where Column = Value").
// Match, when set, is evaluated last.
type Filter struct {
	Table  string
	Ops    []Operation
	Column string
	Value  string
	Match  func(Change) bool
}

// Matches reports whether c passes the filter
func (f Filter) Matches(c Change) bool {
	if c.Table != f.Table {
		return false
	}
	if len(f.Ops) > 0 {
		found := false
		for _, op := range f.Ops {
			if op == c.Op {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Column != "" {
		var row map[string]interface{}
		if err := json.Unmarshal(c.Row(), &row); err != nil {
			return false
		}
		v, ok := row[f.Column]
		if !ok || v == nil || fmt.Sprint(v) != f.Value {
			return false
		}
	}
	if f.Match != nil && !f.Match(c) {
		return false
	}
	return true
}

func (f Filter) validate() error {
	if f.Table == "" {
		return fmt.Errorf("filter table is required")
	}
	return nil
}

// Handler receives matching changes. Changes for one subscription are delivered
// sequentially, in publish order.
type Handler func(Change)

// Subscription is an active registration; Unsubscribe stops delivery
type Subscription interface {
	Unsubscribe() error
}

// Subscriber registers filtered handlers
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)
}

// Publisher emits changes to subscribers
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Bus is a transport that both publishes and subscribes
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Subject returns the NATS subject carrying changes for a table
func Subject(table string) string {
	return "changes." + table
}

// Channel returns the Redis Pub/Sub channel carrying changes for a table
func Channel(table string) string {
	return "changes:" + table
}

// Subscriptions tears down a group of subscriptions together
type Subscriptions []Subscription

// Unsubscribe unsubscribes all and returns the first error
func (s Subscriptions) Unsubscribe() error {
	var first error
	for _, sub := range s {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
