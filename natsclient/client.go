// Package natsclient manages the NATS connection for the platform with a
// circuit breaker around connection and JetStream operations. It owns the
// single connection every agent shares; the broker and context store build
// on the primitives exposed here.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/metric"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus.
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
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker. All methods are
// safe for concurrent use.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	username      string
	password      string
	clientName    string

	metrics *metric.Metrics

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client with optional configuration. Connect must be
// called before any bus operation.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.NATSConnected.Set(1)
		} else {
			c.metrics.NATSConnected.Set(0)
		}
		if status == StatusCircuitOpen {
			c.metrics.NATSCircuitBreaker.Set(1)
		} else {
			c.metrics.NATSCircuitBreaker.Set(0)
		}
	}
}

// IsHealthy returns true if the connection is established.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total failure count since the last successful
// operation.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit backoff duration.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// GetConnection returns the underlying NATS connection. Callers needing
// inbox subscriptions for request/reply go through here.
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// SetConnection sets the NATS connection (for testing).
func (c *Client) SetConnection(conn *nats.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	if conn != nil && conn.IsConnected() {
		c.setStatus(StatusConnected)
	}
}

// recordFailure counts a failure and opens the circuit past the threshold.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)
	if circuitFailures < c.circuitThreshold {
		return
	}

	currentBackoff := c.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > c.maxBackoff {
		newBackoff = c.maxBackoff
	}
	c.backoff.Store(newBackoff)
	c.circuitFailures.Store(0)

	currentStatus := c.Status()
	if currentStatus != StatusCircuitOpen {
		if c.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			if c.metrics != nil {
				c.metrics.NATSCircuitBreaker.Set(1)
				c.metrics.NATSConnected.Set(0)
			}
			c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuitFailures, currentBackoff)
			time.AfterFunc(currentBackoff, c.testCircuit)
		}
	} else {
		c.logger.Printf("Circuit breaker still open, increased backoff to %v", newBackoff)
	}
}

// resetCircuit clears failure state after a successful operation.
func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// testCircuit moves an open circuit to half-open so the next operation can
// probe the server.
func (c *Client) testCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker test: moving from open to disconnected")
		c.setStatus(StatusDisconnected)
	}
}

// guard checks circuit and connection state before an operation.
func (c *Client) guard() error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to NATS at %s", c.url)

	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}

	return nil
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Close drains subscriptions and closes the connection. Safe to call more
// than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain"))
		}

		c.conn.Close()
		c.conn = nil
	}

	c.username = ""
	c.password = ""
	c.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// GetStatus returns a point-in-time status snapshot.
func (c *Client) GetStatus() *Status {
	status := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
	}
	if rtt, err := c.RTT(); err == nil {
		status.RTT = rtt
	}
	return status
}

// Publish publishes on a core NATS subject, bypassing JetStream. Used for
// replies and gateway fan-out where at-most-once is acceptable.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Subscribe subscribes to a core NATS subject. Handlers receive a context
// with a 30-second processing deadline.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to match cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream",
			fmt.Sprintf("ensure stream %s", cfg.Name))
	}

	c.resetCircuit()
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer on a stream. Pull
// consumers created here are fetched by the broker's dispatch loops.
func (c *Client) EnsureConsumer(
	ctx context.Context, streamName string, cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("client is closed"),
			"Client", "EnsureConsumer", "check client state")
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureConsumer",
			fmt.Sprintf("ensure consumer %s on %s", cfg.Durable, streamName))
	}

	c.resetCircuit()
	return consumer, nil
}

// PublishToStream publishes a message into JetStream with an ack.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if err := c.guard(); err != nil {
		return err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream",
			fmt.Sprintf("publish to %s", subject))
	}

	c.resetCircuit()
	return nil
}

// CreateKeyValueBucket creates or reuses a KV bucket. TTL in the config
// applies per key and slides on every put.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// Lost a creation race; the bucket is there now.
		if isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				c.recordFailure()
				return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket",
					fmt.Sprintf("access existing bucket %s", cfg.Bucket))
			}
			c.resetCircuit()
			return bucket, nil
		}
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	c.logger.Printf("Created KV bucket: %s", cfg.Bucket)
	c.resetCircuit()
	return bucket, nil
}

// Connection event handlers.

func (c *Client) handleDisconnect(_ *nats.Conn, _ error) {
	c.setStatus(StatusReconnecting)
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Errorf("NATS error: %v", err)
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

// isAlreadyExistsError checks if an error indicates a bucket already exists.
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
