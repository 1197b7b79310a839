package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	maxMessage = 8 << 10
)

// Manager manages all WebSocket connections
type Manager struct {
	// topic -> set of clients, guarded by mu; only Run mutates it
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	// Channels for managing connections
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger zerolog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	Topic  string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	onClose  []func()
	commands func([]byte)
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the connection logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a new WebSocket manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the manager's main loop and closes every client when ctx ends.
// This should run in a goroutine
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case <-ctx.Done():
			m.mu.RLock()
			var all []*Client
			for _, set := range m.clients {
				for c := range set {
					all = append(all, c)
				}
			}
			m.mu.RUnlock()
			for _, c := range all {
				m.unregisterClient(c)
			}
			return
		}
	}
}

// RegisterClient adds a client to the manager
func (m *Manager) RegisterClient(client *Client) {
	select {
	case m.register <- client:
	case <-m.done:
		client.close()
		client.Conn.Close()
	}
}

// UnregisterClient removes a client from the manager
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	set, ok := m.clients[client.Topic]
	if !ok {
		set = make(map[*Client]struct{})
		m.clients[client.Topic] = set
	}
	set[client] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug().Str("client_id", client.ID).Str("topic", client.Topic).Msg("[WS] client registered")

	// Start goroutine to handle writes for this client
	go client.writePump()
}

// unregisterClient removes a client and closes its connection
func (m *Manager) unregisterClient(client *Client) {
	m.mu.Lock()
	set, ok := m.clients[client.Topic]
	if ok {
		if _, member := set[client]; !member {
			ok = false
		}
		delete(set, client)
		if len(set) == 0 {
			delete(m.clients, client.Topic)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	// teardown may call into the store; keep it off the manager loop
	go client.close()
	m.logger.Debug().Str("client_id", client.ID).Str("topic", client.Topic).Msg("[WS] client unregistered")
}

// GetSubscriberCount returns the number of clients on a topic
func (m *Manager) GetSubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[topic])
}

// CloseTopic disconnects every client on topic and returns how many there were
func (m *Manager) CloseTopic(topic string) int {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients[topic]))
	for c := range m.clients[topic] {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		m.UnregisterClient(c)
	}
	return len(clients)
}

func newClient(m *Manager, id, topic, userID string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      id,
		Topic:   topic,
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer), // Buffered channel for non-blocking sends
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnClose registers fn to run once when the client goes away
func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// SendJSON queues v for the client. A client whose queue is full is
// disconnected rather than allowed to stall its producers.
func (c *Client) SendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.manager.logger.Error().Err(err).Str("client_id", c.ID).Msg("[WS] failed to encode event")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.Send <- payload:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.manager.logger.Warn().Str("client_id", c.ID).Msg("[WS] send queue full, disconnecting client")
		go c.manager.UnregisterClient(c)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	close(c.Send)
	c.mu.Unlock()

	c.cancel()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.manager.UnregisterClient(c)
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.manager.UnregisterClient(c)
				return
			}
		}
	}
}

// readPump pumps messages from the websocket connection to the command handler
func (c *Client) readPump() {
	defer c.manager.UnregisterClient(c)

	c.Conn.SetReadLimit(maxMessage)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Warn().Err(err).Str("client_id", c.ID).Msg("[WS] read error")
			}
			return
		}
		if c.commands != nil {
			c.commands(message)
		}
	}
}

// StartReadPump starts the read pump for this client
func (c *Client) StartReadPump() {
	go c.readPump()
}
