package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the Postgres NOTIFY channel the row triggers write to
const NotifyChannel = "row_changes"

// PGRelay forwards Postgres row-change notifications to a Publisher
type PGRelay struct {
	dsn          string
	pub          Publisher
	pingInterval time.Duration
}

// NewPGRelay creates a relay from the database at dsn to pub
func NewPGRelay(dsn string, pub Publisher) *PGRelay {
	return &PGRelay{dsn: dsn, pub: pub, pingInterval: 90 * time.Second}
}

// Run listens until ctx is cancelled. The listener reconnects on its own;
// notifications raised while disconnected are lost.
func (r *PGRelay) Run(ctx context.Context) error {
	listener := pq.NewListener(r.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("[relay] listener event")
		}
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Warn().Msg("[relay] disconnected from Postgres")
		case pq.ListenerEventReconnected:
			log.Info().Msg("[relay] reconnected to Postgres")
		}
	})
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	log.Info().Str("channel", NotifyChannel).Msg("[relay] listening for row changes")

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			r.forward(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("[relay] ping failed")
				}
			}()
		}
	}
}

func (r *PGRelay) forward(ctx context.Context, payload string) {
	c, err := ParseNotification(payload)
	if err != nil {
		log.Warn().Err(err).Msg("[relay] dropping malformed notification")
		return
	}
	if err := r.pub.Publish(ctx, c); err != nil {
		log.Error().Err(err).Str("table", c.Table).Msg("[relay] failed to publish change")
	}
}

// ParseNotification decodes a trigger payload into a Change
func ParseNotification(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if c.Table == "" || c.Op == "" {
		return Change{}, fmt.Errorf("notification missing table or op")
	}
	if isNull(c.New) {
		c.New = nil
	}
	if isNull(c.Old) {
		c.Old = nil
	}
	if c.CommitTime.IsZero() {
		c.CommitTime = time.Now().UTC()
	}
	return c, nil
}
