package feed

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 256

// Hub is an in-process Bus. Each subscription gets a buffered queue and its
// own delivery goroutine so one slow handler cannot block the others.
type Hub struct {
	mu         sync.RWMutex
	subs       map[*hubSubscription]struct{}
	bufferSize int
	logger     zerolog.Logger
}

type hubSubscription struct {
	hub     *Hub
	filter  Filter
	handler Handler
	send    chan Change
	done    chan struct{}
	once    sync.Once
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithBufferSize sets the per-subscription queue length
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithHubLogger sets the hub logger
func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates an in-process change bus
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:       make(map[*hubSubscription]struct{}),
		bufferSize: defaultBufferSize,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers handler for changes matching filter. The subscription
// ends on Unsubscribe or when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	s := &hubSubscription{
		hub:     h,
		filter:  filter,
		handler: handler,
		send:    make(chan Change, h.bufferSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()

	h.logger.Debug().Str("table", filter.Table).Str("column", filter.Column).Str("value", filter.Value).Msg("feed subscription registered")
	return s, nil
}

// Publish delivers c to every matching subscription. A subscription whose
// queue is full misses the change.
func (h *Hub) Publish(ctx context.Context, c Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if !s.filter.Matches(c) {
			continue
		}
		select {
		case s.send <- c:
		default:
			h.logger.Warn().Str("table", c.Table).Str("op", string(c.Op)).Msg("feed subscriber queue full, change dropped")
		}
	}
	return nil
}

// Count returns the number of live subscriptions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone
func (h *Hub) Close() error {
	h.mu.RLock()
	subs := make([]*hubSubscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

func (s *hubSubscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.send:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(c)
		}
	}
}

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.done)
	})
	return nil
}
