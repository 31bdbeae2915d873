// Package natsclient manages the NATS connection used by the JetStream KV
// document store.
//
// The client dials with bounded retries, keeps track of the connection state
// reported by nats.go, and hands out JetStream KV buckets. Callers learn about
// a connection that is gone for good through OnClosed.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/health"
	"github.com/c360/semlayer/metric"
	"github.com/c360/semlayer/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected     = errors.New("not connected to NATS")
	ErrAlreadyConnected = errors.New("already connected to NATS")
	ErrClientClosed     = errors.New("nats client closed")
)

// Client owns one NATS connection and its JetStream context.
type Client struct {
	url    string
	status atomic.Int32
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	// active is the connection whose close handler ends the client.
	active atomic.Pointer[nats.Conn]

	// Connection options
	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	connectRetry  retry.Config
	username      string
	password      string
	token         string

	metrics *metric.Metrics

	onDisconnect func(error)
	onReconnect  func()

	hooksMu     sync.Mutex
	nextHook    int
	closedHooks map[int]func()
	closedCh    chan struct{}
	closedOnce  sync.Once

	mu sync.RWMutex
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsclient", "NewClient", "url is required")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		name:          "semlayer",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		connectRetry:  retry.Quick(),
		closedHooks:   make(map[int]func()),
		closedCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(int32(StatusDisconnected))
	return c, nil
}

// URL returns the server URL the client dials.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics != nil {
		c.metrics.RecordStoreStatus("natskv", s == StatusConnected)
	}
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Connect dials the server, retrying according to the connect retry config,
// and sets up JetStream.
func (c *Client) Connect(ctx context.Context) error {
	switch c.Status() {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		return errors.WrapInvalid(ErrAlreadyConnected, "natsclient", "Connect", "dial "+c.url)
	case StatusClosed:
		return errors.WrapFatal(ErrClientClosed, "natsclient", "Connect", "dial "+c.url)
	}
	c.setStatus(StatusConnecting)

	conn, err := retry.DoWithResult(ctx, c.connectRetry, func() (*nats.Conn, error) {
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("NATS dial failed", "url", c.url, "error", err)
		}
		return conn, err
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "natsclient", "Connect", "dial "+c.url)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapFatal(err, "natsclient", "Connect", "create jetstream context")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()
	c.active.Store(conn)
	c.setStatus(StatusConnected)

	c.logger.Info("connected to NATS", "url", conn.ConnectedUrlRedacted(), "server", conn.ConnectedServerName())
	return nil
}

// dial runs nats.Connect in a goroutine so ctx can abandon it.
func (c *Client) dial(ctx context.Context) (*nats.Conn, error) {
	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	return opts
}

// Close drains the connection, falling back to a hard close when ctx ends
// first. Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	if conn == nil {
		c.fireClosed()
		return nil
	}

	if err := conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed, closing", "error", err)
		conn.Close()
	}

	select {
	case <-c.closedCh:
	case <-ctx.Done():
		conn.Close()
		c.fireClosed()
		return errors.WrapTransient(ctx.Err(), "natsclient", "Close", "drain connection")
	}
	return nil
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.Status() {
		case StatusConnected:
			return nil
		case StatusClosed:
			return errors.WrapFatal(ErrClientClosed, "natsclient", "WaitForConnection", "wait")
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ErrNotConnected, "natsclient", "WaitForConnection", "wait")
		case <-ticker.C:
		}
	}
}

// Conn returns the underlying connection, nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// OnClosed registers fn to run once the connection is permanently closed,
// either by Close or by exhausting reconnects. It returns an unsubscribe func.
func (c *Client) OnClosed(fn func()) func() {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	id := c.nextHook
	c.nextHook++
	c.closedHooks[id] = fn
	return func() {
		c.hooksMu.Lock()
		delete(c.closedHooks, id)
		c.hooksMu.Unlock()
	}
}

// CreateKeyValueBucket returns the named bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "CreateKeyValueBucket", "bucket "+cfg.Bucket)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "natsclient", "CreateKeyValueBucket", "lookup bucket "+cfg.Bucket)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// Another client may have created it between the lookup and here.
		if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "natsclient", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
	c.logger.Info("created KV bucket", "bucket", cfg.Bucket, "history", cfg.History)
	return kv, nil
}

// GetKeyValueBucket returns an existing bucket.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "GetKeyValueBucket", "bucket "+name)
	}
	kv, err := js.KeyValue(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "natsclient", "GetKeyValueBucket", "bucket "+name)
	}
	return kv, nil
}

// Health reports the connection state as a health status.
func (c *Client) Health() health.Status {
	s := c.Status()
	var st health.Status
	switch s {
	case StatusConnected:
		st = health.NewHealthy("natsclient", "connected to "+c.url)
	case StatusConnecting, StatusReconnecting:
		st = health.NewDegraded("natsclient", s.String())
	default:
		st = health.NewUnhealthy("natsclient", s.String())
	}
	return st
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.Status() == StatusClosed {
		return
	}
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	} else {
		c.logger.Info("NATS disconnected")
	}
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrlRedacted())
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	if c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *Client) handleClosed(conn *nats.Conn) {
	if c.active.Load() != conn {
		return
	}
	c.logger.Info("NATS connection closed")
	c.fireClosed()
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
	if c.metrics != nil {
		c.metrics.RecordError("natsclient", errors.Classify(err).String())
	}
}

func (c *Client) fireClosed() {
	c.closedOnce.Do(func() {
		c.setStatus(StatusClosed)
		close(c.closedCh)

		c.hooksMu.Lock()
		hooks := make([]func(), 0, len(c.closedHooks))
		for id := 0; id < c.nextHook; id++ {
			if fn, ok := c.closedHooks[id]; ok {
				hooks = append(hooks, fn)
			}
		}
		c.closedHooks = make(map[int]func())
		c.hooksMu.Unlock()

		for _, fn := range hooks {
			fn()
		}
	})
}

func (c *Client) String() string {
	return fmt.Sprintf("natsclient(%s, %s)", c.url, c.Status())
}
