// Package stream serves a collection's change events over websocket.
//
// Every client first receives a snapshot of the collection and then one
// message per change. A client may narrow the feed to a single entity with
// the "id" query parameter. Clients that fall behind by more than the send
// buffer are disconnected rather than slowing the collection down.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/semlayer/collection"
	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/metric"
)

// Message types
const (
	TypeSnapshot = "snapshot"
	TypeAdded    = string(collection.Added)
	TypeChanged  = string(collection.Changed)
	TypeDeleted  = string(collection.Deleted)
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// Envelope is one message sent to a client.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SnapshotItem is one entry of a snapshot payload.
type SnapshotItem struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

type client struct {
	conn   *websocket.Conn
	filter string
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Server streams events of one collection.
type Server[T any] struct {
	coll     *collection.Collection[T]
	path     string
	bufSize  int
	upgrader websocket.Upgrader
	accepts  *rate.Limiter // Nil when unlimited
	routes   []func(*http.ServeMux)
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	unsub   func()
	server  *http.Server
	stopped bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*options)

type options struct {
	path    string
	bufSize int
	metrics *metric.Metrics
	logger  *slog.Logger
	origin  func(*http.Request) bool
	rate    rate.Limit
	burst   int
	routes  []func(*http.ServeMux)
}

// WithPath sets the websocket endpoint path. Default "/events".
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithBufferSize sets how many messages may queue per client. Default 256.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufSize = n
		}
	}
}

// WithMetrics tracks connected clients on the core metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(o *options) { o.origin = fn }
}

// WithAcceptRate limits new connections to perSecond with the given burst.
// Connections over the limit get 429 Too Many Requests. Default 50/s, burst 10;
// a non-positive rate disables the limit.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rate = rate.Limit(perSecond)
		o.burst = burst
	}
}

// WithRoutes lets register add handlers to the server's mux, next to the
// websocket endpoint.
func WithRoutes(register func(*http.ServeMux)) Option {
	return func(o *options) {
		if register != nil {
			o.routes = append(o.routes, register)
		}
	}
}

// New creates a Server for coll and subscribes to it.
func New[T any](coll *collection.Collection[T], opts ...Option) *Server[T] {
	o := options{path: "/events", bufSize: 256, logger: slog.Default(), rate: 50, burst: 10}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server[T]{
		coll:    coll,
		path:    o.path,
		bufSize: o.bufSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     o.origin,
		},
		routes:  o.routes,
		metrics: o.metrics,
		logger:  o.logger.With("component", "stream", "path", o.path),
		clients: make(map[*client]struct{}),
	}
	if o.rate > 0 {
		s.accepts = rate.NewLimiter(o.rate, max(o.burst, 1))
	}
	s.unsub = coll.On(collection.ChannelAll, s.handleEvent)
	return s
}

// Handler returns the HTTP handler serving the endpoint.
func (s *Server[T]) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	for _, register := range s.routes {
		register(mux)
	}
	return mux
}

// Start listens on addr and serves until Stop. It returns nil after Stop.
func (s *Server[T]) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "stream", "Start", "listen "+addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It closes ln and returns nil at once if
// Stop already ran.
func (s *Server[T]) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("event stream listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "stream", "Serve", "serve")
	}
	return nil
}

// Stop unsubscribes from the collection, disconnects every client and shuts
// the HTTP server down.
func (s *Server[T]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.server
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.unsub()
	for _, c := range clients {
		c.close()
	}

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = errors.WrapTransient(shutdownErr, "stream", "Stop", "shutdown server")
		}
	}
	s.wg.Wait()
	return err
}

// ClientCount returns the number of connected clients.
func (s *Server[T]) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server[T]) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.accepts != nil && !s.accepts.Allow() {
		if s.metrics != nil {
			s.metrics.RecordError("stream", errors.ErrorTransient.String())
		}
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("stream", errors.ErrorInvalid.String())
		}
		return
	}

	c := &client{
		conn:   conn,
		filter: r.URL.Query().Get("id"),
		send:   make(chan []byte, s.bufSize),
		done:   make(chan struct{}),
	}

	// The snapshot is queued under the lock so no event can slip in ahead
	// of it. Changes racing the snapshot may be delivered once more.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	snapshot, err := s.snapshot(c.filter)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("encode snapshot", "error", err)
		_ = conn.Close()
		return
	}
	c.send <- snapshot
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.wg.Add(2)
	s.mu.Unlock()

	s.recordClients(count)
	s.logger.Debug("client connected", "remote", r.RemoteAddr, "filter", c.filter)

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server[T]) snapshot(filter string) ([]byte, error) {
	items := []SnapshotItem{}
	for _, e := range s.coll.Entries() {
		if filter != "" && e.ID != filter {
			continue
		}
		value, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		items = append(items, SnapshotItem{ID: e.ID, Value: value})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeSnapshot, ID: filter, Timestamp: time.Now().UnixMilli(), Payload: payload})
}

// handleEvent fans one collection event out to the matching clients.
func (s *Server[T]) handleEvent(evt collection.Event[T]) {
	if !collection.IsKeyed(evt.Channel) {
		return
	}

	value, err := json.Marshal(evt.Value)
	if err != nil {
		s.logger.Error("encode event", "id", evt.ID, "error", err)
		return
	}
	msg, err := json.Marshal(Envelope{
		Type:      string(evt.Kind),
		ID:        evt.ID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   value,
	})
	if err != nil {
		s.logger.Error("encode envelope", "id", evt.ID, "error", err)
		return
	}

	var slow []*client
	s.mu.RLock()
	for c := range s.clients {
		if c.filter != "" && c.filter != evt.ID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("disconnecting slow client", "remote", c.conn.RemoteAddr().String())
		s.remove(c)
	}
}

func (s *Server[T]) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.remove(c)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop only handles control frames; the feed is one-way.
func (s *Server[T]) readLoop(c *client) {
	defer s.wg.Done()
	defer s.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server[T]) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()

	c.close()
	if ok {
		s.recordClients(count)
	}
}

func (s *Server[T]) recordClients(n int) {
	if s.metrics != nil {
		s.metrics.StreamClients.Set(float64(n))
	}
}
