// Package broadcast fans stream cycles out to WebSocket clients.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/eventbus"
)

const (
	DefaultMaxClients = 100
	DefaultSendBuffer = 256
	writeTimeout      = 10 * time.Second
	pongTimeout       = 60 * time.Second
	pingInterval      = 30 * time.Second
	maxMessageSize    = 4096
)

// Message types exchanged with clients.
const (
	TypeConnection            = "connection"
	TypeSubscribe             = "subscribe"
	TypeUnsubscribe           = "unsubscribe"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeStockUpdates          = "stock_updates"
	TypeStatus                = "status"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Message is the JSON envelope sent to clients.
type Message struct {
	Type     string      `json:"type"`
	Status   string      `json:"status,omitempty"`
	ClientID string      `json:"client_id,omitempty"`
	Symbols  []string    `json:"symbols,omitempty"`
	Count    int         `json:"count,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Time     string      `json:"time"`
}

// request is what clients send.
type request struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type Config struct {
	MaxClients    int
	FilterEnabled bool
	SendBuffer    int
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	sub  *models.Subscription
}

type command struct {
	client *client
	req    request
	err    string
}

// Server owns the set of connected clients. The hub goroutine is the only
// writer of the client set, subscriptions and send channels.
type Server struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
	status   func() interface{}

	register   chan *client
	unregister chan *client
	commands   chan command
	batches    chan []models.Record
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	clientCount atomic.Int64
	sent        atomic.Int64
	dropped     atomic.Int64
	writers     sync.WaitGroup
}

// New creates the server and starts its hub.
func New(cfg Config, log *zap.Logger) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	s := &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		commands:   make(chan command, 64),
		batches:    make(chan []models.Record, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// SetStatusSource installs the function whose result is attached to status replies.
func (s *Server) SetStatusSource(fn func() interface{}) {
	s.status = fn
}

// Attach subscribes the server to stream cycles on bus.
func (s *Server) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicStreamCycle, "broadcast", func(ctx context.Context, payload interface{}) {
		if cycle, ok := payload.(eventbus.StreamCycle); ok {
			s.Broadcast(cycle.Records)
		}
	})
}

// Broadcast queues one cycle's records for fan-out. It returns false once
// the server is shut down.
func (s *Server) Broadcast(records []models.Record) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	if len(records) == 0 {
		return true
	}
	select {
	case s.batches <- records:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) ClientCount() int {
	return int(s.clientCount.Load())
}

// Stats returns delivery counters for status endpoints.
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"client_count":    s.ClientCount(),
		"max_clients":     s.cfg.MaxClients,
		"filter_enabled":  s.cfg.FilterEnabled,
		"messages_sent":   s.sent.Load(),
		"clients_dropped": s.dropped.Load(),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func encode(msg Message) []byte {
	msg.Time = now()
	data, _ := json.Marshal(msg)
	return data
}

func (s *Server) run() {
	defer close(s.done)
	clients := make(map[*client]bool)

	// deliver never blocks: a client whose buffer is full is dropped.
	deliver := func(c *client, data []byte) {
		select {
		case c.send <- data:
			s.sent.Add(1)
		default:
			delete(clients, c)
			close(c.send)
			s.clientCount.Store(int64(len(clients)))
			s.dropped.Add(1)
			s.log.Warn("Dropped slow WebSocket client", zap.String("client_id", c.id))
		}
	}

	for {
		select {
		case <-s.quit:
			closing := encode(Message{Type: TypeConnection, Status: "closing"})
			for c := range clients {
				select {
				case c.send <- closing:
				default:
				}
				close(c.send)
			}
			s.clientCount.Store(0)
			s.log.Info("Broadcast hub stopped", zap.Int("clients", len(clients)))
			return

		case c := <-s.register:
			if len(clients) >= s.cfg.MaxClients {
				c.send <- encode(Message{Type: TypeError, Error: "server at capacity"})
				close(c.send)
				s.log.Warn("WebSocket client rejected: max clients reached", zap.Int("max_clients", s.cfg.MaxClients))
				continue
			}
			clients[c] = true
			s.clientCount.Store(int64(len(clients)))
			deliver(c, encode(Message{Type: TypeConnection, Status: "connected", ClientID: c.id}))
			s.log.Info("WebSocket client connected", zap.String("client_id", c.id), zap.Int("clients", len(clients)))

		case c := <-s.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
				s.clientCount.Store(int64(len(clients)))
				s.log.Info("WebSocket client disconnected", zap.String("client_id", c.id), zap.Int("clients", len(clients)))
			}

		case cmd := <-s.commands:
			if !clients[cmd.client] {
				continue
			}
			if reply := s.handle(cmd); reply != nil {
				deliver(cmd.client, reply)
			}

		case batch := <-s.batches:
			var all []byte
			for c := range clients {
				if !s.cfg.FilterEnabled || c.sub.All() {
					if all == nil {
						all = encode(Message{Type: TypeStockUpdates, Count: len(batch), Data: batch})
					}
					deliver(c, all)
					continue
				}
				filtered := make([]models.Record, 0, len(batch))
				for _, r := range batch {
					if c.sub.Matches(r.Symbol) {
						filtered = append(filtered, r)
					}
				}
				if len(filtered) == 0 {
					continue
				}
				deliver(c, encode(Message{Type: TypeStockUpdates, Count: len(filtered), Data: filtered}))
			}
		}
	}
}

// handle applies one client request and returns the reply.
func (s *Server) handle(cmd command) []byte {
	c := cmd.client
	if cmd.err != "" {
		return encode(Message{Type: TypeError, Error: cmd.err})
	}
	switch cmd.req.Type {
	case TypeSubscribe:
		c.sub.Subscribe(cmd.req.Symbols)
		return encode(Message{Type: TypeSubscriptionConfirmed, Symbols: c.sub.Symbols(), Status: "subscribed"})
	case TypeUnsubscribe:
		c.sub.Unsubscribe(cmd.req.Symbols)
		return encode(Message{Type: TypeSubscriptionConfirmed, Symbols: c.sub.Symbols(), Status: "unsubscribed"})
	case TypePing:
		return encode(Message{Type: TypePong})
	case TypeStatus:
		data := map[string]interface{}{
			"client_id":      c.id,
			"connected_at":   c.sub.ConnectedAt,
			"subscriptions":  c.sub.Symbols(),
			"client_count":   s.ClientCount(),
			"filter_enabled": s.cfg.FilterEnabled,
		}
		if s.status != nil {
			data["stream"] = s.status()
		}
		return encode(Message{Type: TypeStatus, Data: data})
	default:
		return encode(Message{Type: TypeError, Error: "unknown message type: " + cmd.req.Type})
	}
}

// HandleWebSocket upgrades the request and registers the client with the hub.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if s.ClientCount() >= s.cfg.MaxClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		sub:  models.NewSubscription("", time.Now().UTC()),
	}
	c.sub.ClientID = c.id

	select {
	case s.register <- c:
	case <-s.done:
		conn.Close()
		return
	}

	s.writers.Add(1)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		s.writers.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		cmd := command{client: c}
		if err := json.Unmarshal(message, &cmd.req); err != nil {
			cmd.err = "malformed message: " + err.Error()
		} else if cmd.req.Type == "" {
			cmd.err = "message type is required"
		}

		select {
		case s.commands <- cmd:
		case <-s.done:
			return
		}
	}
}

// Shutdown sends every client a closing notice, closes their sockets and
// waits for the writers to flush until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done

	flushed := make(chan struct{})
	go func() {
		s.writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
