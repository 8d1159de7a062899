package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
)

// Request publishes a REQUEST envelope and blocks until the matching
// RESPONSE arrives on a private inbox or the deadline passes. The reply is
// matched by correlation id; stale replies from earlier timed-out requests
// on a reused inbox are ignored.
func (b *Broker) Request(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if env == nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedEnvelope, "Broker", "Request", "nil envelope")
	}
	if env.Type != envelope.TypeRequest {
		return nil, errors.WrapInvalid(errors.ErrMalformedEnvelope, "Broker", "Request",
			fmt.Sprintf("request requires type %s, got %s", envelope.TypeRequest, env.Type))
	}
	if len(env.Targets) != 1 {
		return nil, errors.WrapInvalid(errors.ErrMalformedEnvelope, "Broker", "Request",
			"request/reply takes exactly one target")
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	conn := b.client.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrBusUnavailable, "Broker", "Request", "bus not connected")
	}

	correlationID := uuid.NewString()
	inbox := nats.NewInbox()

	sub, err := conn.SubscribeSync(inbox)
	if err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrBusUnavailable, err),
			"Broker", "Request", "subscribe reply inbox")
	}
	defer func() { _ = sub.Unsubscribe() }()

	env.CorrelationID = correlationID
	env.ReplyTo = inbox

	if err := b.Publish(ctx, env); err != nil {
		return nil, err
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, err := sub.NextMsgWithContext(deadline)
		if err != nil {
			if stderrors.Is(err, context.DeadlineExceeded) {
				b.countTimeout(env.Source, env.Targets[0])
				return nil, errors.WrapTransient(errors.ErrRequestTimeout, "Broker", "Request",
					fmt.Sprintf("no reply from %s within %v", env.Targets[0], timeout))
			}
			return nil, errors.WrapTransient(err, "Broker", "Request", "await reply")
		}

		reply, err := envelope.Decode(msg.Data)
		if err != nil {
			b.logger.Warn("discarding undecodable reply", "inbox", inbox, "error", err)
			continue
		}
		if reply.CorrelationID != correlationID {
			b.logger.Debug("discarding mismatched reply",
				"want", correlationID, "got", reply.CorrelationID)
			continue
		}
		return reply, nil
	}
}

func (b *Broker) countTimeout(source envelope.AgentType, target envelope.AgentType) {
	if b.metrics != nil {
		b.metrics.RequestTimeouts.WithLabelValues(string(source), string(target)).Inc()
	}
}
