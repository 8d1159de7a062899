package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
)

// streamMsg is the slice of jetstream.Msg the dispatcher touches, narrowed
// so tests can feed synthetic messages through handleMsg.
type streamMsg interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

// dispatchLoop drains one agent's consumers, highest priority tier first,
// and runs the handler serially. Serial dispatch is deliberate: an agent's
// handler sees messages one at a time so its own state needs no locking.
type dispatchLoop struct {
	broker    *Broker
	agent     envelope.AgentType
	consumers []jetstream.Consumer // ordered critical..low
	handler   Handler

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newDispatchLoop(b *Broker, agent envelope.AgentType, consumers []jetstream.Consumer, handler Handler) *dispatchLoop {
	return &dispatchLoop{
		broker:    b,
		agent:     agent,
		consumers: consumers,
		handler:   handler,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *dispatchLoop) start(ctx context.Context) {
	go d.run(ctx)
}

func (d *dispatchLoop) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *dispatchLoop) run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		if !d.sweep(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-time.After(idleWait):
			}
		}
	}
}

// sweep fetches one batch per tier, highest first, stopping at the first
// tier that yields messages. Returns false when every tier was empty.
func (d *dispatchLoop) sweep(ctx context.Context) bool {
	for _, consumer := range d.consumers {
		batch, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			d.broker.logger.Warn("fetch failed",
				"agent", d.agent, "error", err)
			continue
		}

		processed := false
		for msg := range batch.Messages() {
			processed = true
			d.handleMsg(ctx, msg)

			select {
			case <-ctx.Done():
				return true
			case <-d.stopCh:
				return true
			default:
			}
		}
		if err := batch.Error(); err != nil {
			d.broker.logger.Warn("fetch batch error", "agent", d.agent, "error", err)
		}
		if processed {
			// Re-sweep from the top so a critical message arriving while
			// we drained a lower tier is not kept waiting.
			return true
		}
	}
	return false
}

// handleMsg decodes, expiry-checks, and dispatches one message, then acks
// according to the outcome.
func (d *dispatchLoop) handleMsg(ctx context.Context, msg streamMsg) {
	agentLabel := string(d.agent)

	env, err := envelope.Decode(msg.Data())
	if err != nil {
		d.broker.logger.Error("dropping undecodable message",
			"agent", d.agent, "error", err)
		d.countError(agentLabel, "invalid")
		_ = msg.Term()
		return
	}

	if d.broker.metrics != nil {
		d.broker.metrics.MessagesReceived.WithLabelValues(agentLabel, string(env.Type)).Inc()
	}

	if env.Expired(time.Now()) {
		d.broker.logger.Warn("dropping expired message",
			"agent", d.agent, "message_id", env.ID, "ttl_seconds", env.TTL)
		d.countProcessed(agentLabel, env.Type, "expired")
		_ = msg.Term()
		return
	}

	d.resolveContext(ctx, env)

	start := time.Now()
	err = d.handler(ctx, env)
	if d.broker.metrics != nil {
		d.broker.metrics.ObserveHandler(agentLabel, string(env.Type), time.Since(start))
	}

	if err == nil {
		d.countProcessed(agentLabel, env.Type, "ok")
		_ = msg.Ack()
		return
	}

	d.countError(agentLabel, errors.Classify(err).String())

	if errors.IsInvalid(err) {
		// Redelivery cannot fix a message the handler rejects.
		d.broker.logger.Error("terminating rejected message",
			"agent", d.agent, "message_id", env.ID, "error", err)
		d.countProcessed(agentLabel, env.Type, "rejected")
		_ = msg.Term()
		return
	}

	deliveries := uint64(1)
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		deliveries = meta.NumDelivered
	}
	if deliveries >= maxDeliveries {
		d.broker.logger.Error("delivery ceiling reached, terminating message",
			"agent", d.agent, "message_id", env.ID, "deliveries", deliveries, "error", err)
		d.countProcessed(agentLabel, env.Type, "exhausted")
		_ = msg.Term()
		return
	}

	d.broker.logger.Warn("handler failed, requesting redelivery",
		"agent", d.agent, "message_id", env.ID, "delivery", deliveries, "error", err)
	d.countProcessed(agentLabel, env.Type, "retried")
	_ = msg.Nak()
}

// resolveContext folds the contexts of the message's prior-message chain
// under its own attached context, so the handler sees the conversation's
// effective state. Resolution failures leave the attached context as-is:
// less context beats a dropped message.
func (d *dispatchLoop) resolveContext(ctx context.Context, env *envelope.Envelope) {
	resolver := d.broker.resolver
	if resolver == nil || env.Context == nil || len(env.Context.PriorMessageIDs) == 0 {
		return
	}

	chain, err := resolver.ResolveChain(ctx, env.Context.PriorMessageIDs)
	if err != nil {
		d.broker.logger.Warn("context chain resolution failed",
			"agent", d.agent, "message_id", env.ID, "error", err)
		return
	}
	if chain == nil {
		return
	}
	env.Context = chain.Merge(env.Context)
}

func (d *dispatchLoop) countProcessed(agent string, msgType envelope.MessageType, status string) {
	if d.broker.metrics != nil {
		d.broker.metrics.MessagesProcessed.WithLabelValues(agent, string(msgType), status).Inc()
	}
}

func (d *dispatchLoop) countError(agent, class string) {
	if d.broker.metrics != nil {
		d.broker.metrics.ErrorsTotal.WithLabelValues(agent, class).Inc()
	}
}
