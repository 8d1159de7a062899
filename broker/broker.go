// Package broker is the bus adapter: it owns envelope identity, routes
// messages onto the JetStream stream by target and priority, runs per-agent
// dispatch loops that drain higher tiers first, and implements request/reply
// over private inboxes. Agents talk to the broker, never to NATS directly.
package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/metric"
	"github.com/krishio/agrimesh/natsclient"
)

const (
	// maxDeliveries bounds redelivery of failing messages before they are
	// terminated. Three attempts covers transient hiccups without letting a
	// poison message starve a tier.
	maxDeliveries = 3

	fetchBatch = 16

	// idleWait is how long a dispatch loop sleeps after finding every tier
	// empty.
	idleWait = 50 * time.Millisecond
)

// Handler processes one inbound envelope. A nil return acknowledges the
// message; a transient error requests redelivery; an invalid error
// terminates it.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Snapshotter records published envelopes for replay. *contextstore.Store
// satisfies it.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, env *envelope.Envelope) error
}

// ContextResolver reconstructs a conversation's effective context from the
// prior message ids attached to an inbound envelope. *contextstore.Store
// satisfies it.
type ContextResolver interface {
	ResolveChain(ctx context.Context, messageIDs []string) (*envelope.Context, error)
}

// Option configures a Broker.
type Option func(*Broker)

// WithMetrics attaches the platform metrics set.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithSnapshotter records every stream publish for later replay.
func WithSnapshotter(s Snapshotter) Option {
	return func(b *Broker) { b.snapshots = s }
}

// WithContextResolver attaches resolved conversation context to inbound
// messages carrying prior message ids before they reach the handler.
func WithContextResolver(r ContextResolver) Option {
	return func(b *Broker) { b.resolver = r }
}

// WithBroadcastRate caps broadcast publishes per second. Broadcasts fan out
// to every agent, so a runaway publisher multiplies load across the whole
// mesh.
func WithBroadcastRate(perSecond float64, burst int) Option {
	return func(b *Broker) { b.broadcastLimiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithRequestTimeout sets the default request/reply deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Broker) { b.requestTimeout = d }
}

// Broker routes envelopes between agents over NATS JetStream.
type Broker struct {
	client           *natsclient.Client
	logger           *slog.Logger
	metrics          *metric.Metrics
	snapshots        Snapshotter
	resolver         ContextResolver
	broadcastLimiter *rate.Limiter
	requestTimeout   time.Duration

	mu    sync.Mutex
	loops []*dispatchLoop
}

// New creates a broker over a connected client.
func New(client *natsclient.Client, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		client:           client,
		logger:           logger.With("component", "broker"),
		broadcastLimiter: rate.NewLimiter(rate.Limit(10), 20),
		requestTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize ensures the stream exists. Idempotent across restarts and
// across agents racing at startup.
func (b *Broker) Initialize(ctx context.Context) error {
	_, err := b.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        envelope.StreamName,
		Description: "agent-to-agent messages, all priorities",
		Subjects:    envelope.StreamSubjects(),
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      24 * time.Hour,
	})
	if err != nil {
		return errors.Wrap(err, "Broker", "Initialize", "ensure stream")
	}
	return nil
}

// Publish validates the envelope, assigns bus identity, and routes it.
// ID and Timestamp must be unset: identity belongs to the bus, assigned
// exactly once here. Responses carrying a ReplyTo bypass the stream and go
// straight to the requester's inbox.
func (b *Broker) Publish(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Broker", "Publish", "nil envelope")
	}
	if env.ID != "" || env.Timestamp != 0 {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Broker", "Publish",
			"id and timestamp are bus-assigned and must be empty")
	}
	if err := env.Validate(); err != nil {
		return err
	}

	env.ID = uuid.NewString()
	env.Timestamp = time.Now().UnixMilli()

	data, err := env.Encode()
	if err != nil {
		return err
	}

	if env.Type == envelope.TypeResponse && env.ReplyTo != "" {
		if err := b.client.Publish(ctx, env.ReplyTo, data); err != nil {
			return errors.WrapTransient(stderrors.Join(errors.ErrBusUnavailable, err),
				"Broker", "Publish", "publish reply")
		}
		b.countPublished(env.Source, env.ReplyTo)
		return nil
	}

	subjects := envelope.ResolveSubjects(env)
	g, gctx := errgroup.WithContext(ctx)
	for _, subject := range subjects {
		subject := subject
		g.Go(func() error {
			if err := b.client.PublishToStream(gctx, subject, data); err != nil {
				return errors.WrapTransient(stderrors.Join(errors.ErrBusUnavailable, err),
					"Broker", "Publish", fmt.Sprintf("publish to %s", subject))
			}
			b.countPublished(env.Source, subject)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if b.snapshots != nil {
		if err := b.snapshots.SaveSnapshot(ctx, env); err != nil {
			b.logger.Warn("snapshot save failed", "message_id", env.ID, "error", err)
		}
	}
	return nil
}

// Broadcast publishes an envelope to every agent, subject to the broadcast
// rate limit.
func (b *Broker) Broadcast(ctx context.Context, env *envelope.Envelope) error {
	if env != nil {
		env.Type = envelope.TypeBroadcast
		env.Targets = nil
	}
	if err := b.broadcastLimiter.Wait(ctx); err != nil {
		return errors.WrapTransient(err, "Broker", "Broadcast", "rate limit wait")
	}
	return b.Publish(ctx, env)
}

// Subscribe binds an agent's handler to its directed and broadcast subjects
// across every priority tier and starts the dispatch loop. The loop runs
// until ctx is cancelled or the returned subscription is stopped.
func (b *Broker) Subscribe(ctx context.Context, agent envelope.AgentType, handler Handler) (*Subscription, error) {
	if !agent.IsValid() {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown agent type %q", agent),
			"Broker", "Subscribe", "validate agent")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"),
			"Broker", "Subscribe", "validate handler")
	}

	// One durable consumer per tier; the loop drains critical first.
	tiers := []envelope.Priority{
		envelope.PriorityCritical,
		envelope.PriorityHigh,
		envelope.PriorityNormal,
		envelope.PriorityLow,
	}

	consumers := make([]jetstream.Consumer, 0, len(tiers))
	for _, p := range tiers {
		consumer, err := b.client.EnsureConsumer(ctx, envelope.StreamName, jetstream.ConsumerConfig{
			Durable:        envelope.ConsumerName(agent, p),
			FilterSubjects: envelope.FilterSubjects(agent, p),
			AckPolicy:      jetstream.AckExplicitPolicy,
			MaxDeliver:     maxDeliveries,
			AckWait:        30 * time.Second,
		})
		if err != nil {
			return nil, errors.Wrap(err, "Broker", "Subscribe",
				fmt.Sprintf("create consumer for %s p%d", agent, p))
		}
		consumers = append(consumers, consumer)
	}

	loop := newDispatchLoop(b, agent, consumers, handler)
	b.mu.Lock()
	b.loops = append(b.loops, loop)
	b.mu.Unlock()

	loop.start(ctx)
	return &Subscription{loop: loop}, nil
}

// Close stops every dispatch loop.
func (b *Broker) Close() {
	b.mu.Lock()
	loops := b.loops
	b.loops = nil
	b.mu.Unlock()

	for _, loop := range loops {
		loop.stop()
	}
}

func (b *Broker) countPublished(source envelope.AgentType, subject string) {
	if b.metrics != nil {
		b.metrics.MessagesPublished.WithLabelValues(string(source), subject).Inc()
	}
}

// Subscription is the handle for one agent's dispatch loop.
type Subscription struct {
	loop *dispatchLoop
}

// Stop halts dispatch and waits for the in-flight handler to return.
func (s *Subscription) Stop() {
	s.loop.stop()
}
