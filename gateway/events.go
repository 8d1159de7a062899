package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/natsclient"
	"github.com/krishio/agrimesh/pkg/timestamp"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventMessage is the wire format sent to websocket observers.
type EventMessage struct {
	Type      string             `json:"type"` // "broadcast"
	Timestamp int64              `json:"timestamp"`
	Envelope  *envelope.Envelope `json:"envelope"`
}

// observer is one connected websocket client. Writes are serialized through
// writeMu since gorilla connections allow a single writer.
type observer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
}

func (o *observer) send(messageType int, data []byte) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return o.conn.WriteMessage(messageType, data)
}

func (o *observer) close() {
	o.closed.Do(func() { _ = o.conn.Close() })
}

// EventRelay subscribes to the broadcast subject tier and fans every
// envelope out to connected websocket observers. Observers are read-only;
// inbound websocket frames other than control messages are discarded.
type EventRelay struct {
	client   *natsclient.Client
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	observers map[*observer]struct{}
	started   bool
}

func newEventRelay(client *natsclient.Client, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		client: client,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observers connect from UI origins on the trusted network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		observers: make(map[*observer]struct{}),
	}
}

// start subscribes to the broadcast wildcard on core NATS. Stream consumers
// are unaffected: the relay listens alongside them.
func (r *EventRelay) start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if r.client != nil {
		if err := r.client.Subscribe(ctx, envelope.BroadcastWildcard(), r.handleBroadcast); err != nil {
			return err
		}
	}
	r.started = true
	return nil
}

func (r *EventRelay) stop() {
	r.mu.Lock()
	observers := make([]*observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.observers = make(map[*observer]struct{})
	r.started = false
	r.mu.Unlock()

	for _, o := range observers {
		o.close()
	}
}

func (r *EventRelay) observerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// handleBroadcast relays one broadcast envelope to every observer. Slow or
// dead observers are dropped rather than allowed to stall the relay.
func (r *EventRelay) handleBroadcast(_ context.Context, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		r.logger.Debug("skipping undecodable broadcast", "error", err)
		return
	}

	msg := EventMessage{Type: "broadcast", Timestamp: timestamp.Now(), Envelope: env}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("failed to encode event message", "error", err)
		return
	}

	r.mu.RLock()
	observers := make([]*observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o.send(websocket.TextMessage, payload); err != nil {
			r.logger.Debug("dropping observer", "error", err)
			r.remove(o)
		}
	}
}

func (r *EventRelay) remove(o *observer) {
	r.mu.Lock()
	delete(r.observers, o)
	r.mu.Unlock()
	o.close()
}

// handleWebsocket upgrades the connection and keeps it registered until the
// client goes away.
func (r *EventRelay) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	o := &observer{conn: conn}
	r.mu.Lock()
	r.observers[o] = struct{}{}
	count := len(r.observers)
	r.mu.Unlock()
	r.logger.Info("observer connected", "remote", req.RemoteAddr, "observers", count)

	go r.writePings(o)
	go r.readLoop(o)
}

// readLoop drains inbound frames so control messages are processed, and
// detects disconnects.
func (r *EventRelay) readLoop(o *observer) {
	defer r.remove(o)

	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	o.conn.SetReadLimit(4096)

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *EventRelay) writePings(o *observer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := o.send(websocket.PingMessage, nil); err != nil {
			r.remove(o)
			return
		}
	}
}
