package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSBus carries changes over NATS core subjects "changes.<table>"
type NATSBus struct {
	conn     *nats.Conn
	ownsConn bool
}

// NewNATSBus connects to NATS and returns a bus that owns the connection
func NewNATSBus(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("bazaar-feed"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{conn: conn, ownsConn: true}, nil
}

// NewNATSBusFromConn wraps an existing connection; Close leaves it open
func NewNATSBusFromConn(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

// Publish sends the change on its table subject
func (b *NATSBus) Publish(ctx context.Context, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := b.conn.Publish(Subject(c.Table), data); err != nil {
		return fmt.Errorf("failed to publish change to NATS: %w", err)
	}
	return nil
}

// Subscribe listens on the filter's table subject. NATS invokes the callback
// sequentially per subscription.
func (b *NATSBus) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	subject := Subject(filter.Table)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var c Change
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal change")
			return
		}
		if filter.Matches(c) {
			handler(c)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	ns := &natsSubscription{sub: sub}
	go func() {
		<-ctx.Done()
		ns.Unsubscribe()
	}()
	return ns, nil
}

// ChangeStream is the JetStream stream that retains published changes
const ChangeStream = "ROW_CHANGES"

// EnsureStream creates or updates a file-backed JetStream stream capturing
// every "changes.>" subject for maxAge. Live subscribers are unaffected; the
// stream only keeps history for audit and replay.
func (b *NATSBus) EnsureStream(ctx context.Context, maxAge time.Duration) error {
	js, err := jetstream.New(b.conn)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        ChangeStream,
		Description: "Row changes relayed from postgres",
		Subjects:    []string{Subject(">")},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	log.Info().Str("stream", ChangeStream).Dur("max_age", maxAge).Msg("[JETSTREAM] stream ready")
	return nil
}

// Close drains and closes the connection if the bus owns it
func (b *NATSBus) Close() error {
	if !b.ownsConn {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
