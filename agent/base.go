package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/krishio/agrimesh/broker"
	"github.com/krishio/agrimesh/config"
	"github.com/krishio/agrimesh/contextstore"
	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/metric"
)

// State represents the lifecycle state of an agent.
type State int32

// Lifecycle states.
const (
	StateCreated State = iota
	StateInitialized
	StateStarted
	StateStopped
	StateFailed
)

// String returns a string representation of the agent state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscription is the handle returned by a bus subscription.
type Subscription interface {
	Stop()
}

// Bus is what an agent needs from the broker. Narrowed to an interface so
// agent logic tests run against an in-memory fake.
type Bus interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
	Broadcast(ctx context.Context, env *envelope.Envelope) error
	Request(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)
	Subscribe(ctx context.Context, agent envelope.AgentType, handler broker.Handler) (Subscription, error)
}

// ContextStore is the slice of the context store agents use.
type ContextStore interface {
	Get(ctx context.Context, ref contextstore.EntityRef) (*contextstore.State, error)
	Update(ctx context.Context, ref contextstore.EntityRef, sliceName string, data map[string]any, messageID string) error
}

// brokerBus adapts *broker.Broker to the Bus interface.
type brokerBus struct {
	*broker.Broker
}

func (b brokerBus) Subscribe(ctx context.Context, agent envelope.AgentType, handler broker.Handler) (Subscription, error) {
	return b.Broker.Subscribe(ctx, agent, handler)
}

// NewBrokerBus wraps a broker for use as an agent Bus.
func NewBrokerBus(b *broker.Broker) Bus {
	return brokerBus{b}
}

// EventFunc handles inbound EVENT and BROADCAST envelopes.
type EventFunc func(ctx context.Context, env *envelope.Envelope) error

// Option configures a BaseAgent.
type Option func(*BaseAgent)

// WithMetrics attaches the platform metrics set.
func WithMetrics(m *metric.Metrics) Option {
	return func(a *BaseAgent) { a.metrics = m }
}

// WithConfig applies per-agent settings. A zero request timeout keeps the
// default.
func WithConfig(cfg config.AgentConfig) Option {
	return func(a *BaseAgent) {
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = a.cfg.RequestTimeout
		}
		a.cfg = cfg
	}
}

// WithEventHandler sets the handler for EVENT and BROADCAST envelopes.
// Agents without one silently acknowledge events.
func WithEventHandler(fn EventFunc) Option {
	return func(a *BaseAgent) { a.onEvent = fn }
}

// WithVersion sets the semantic version reported in the declaration.
func WithVersion(version string) Option {
	return func(a *BaseAgent) { a.version = version }
}

// WithTags sets the declaration's capability tags.
func WithTags(tags ...string) Option {
	return func(a *BaseAgent) { a.tags = tags }
}

// WithDependencies declares the agents this agent calls at runtime.
func WithDependencies(deps ...envelope.AgentType) Option {
	return func(a *BaseAgent) { a.dependsOn = deps }
}

// BaseAgent implements the shared agent contract. Specialized agents embed
// it, register capabilities, and let it run the protocol.
type BaseAgent struct {
	agentType envelope.AgentType
	bus       Bus
	store     ContextStore
	logger    *slog.Logger
	metrics   *metric.Metrics
	cfg       config.AgentConfig
	onEvent   EventFunc
	version   string
	tags      []string
	dependsOn []envelope.AgentType

	capabilities map[string]Capability
	state        atomic.Int32
	sub          Subscription
}

// NewBaseAgent creates an agent bound to a bus and context store.
func NewBaseAgent(agentType envelope.AgentType, bus Bus, store ContextStore, logger *slog.Logger, opts ...Option) (*BaseAgent, error) {
	if !agentType.IsValid() {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown agent type %q", agentType),
			"BaseAgent", "NewBaseAgent", "validate agent type")
	}
	if bus == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("bus is required"),
			"BaseAgent", "NewBaseAgent", "validate bus")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &BaseAgent{
		agentType:    agentType,
		bus:          bus,
		store:        store,
		logger:       logger.With("agent", string(agentType)),
		capabilities: make(map[string]Capability),
		version:      "0.1.0",
		cfg: config.AgentConfig{
			RequestTimeout: config.Duration(10 * time.Second),
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	// Every agent answers introspection so peers can discover its
	// operations and dependencies.
	a.capabilities[OpDescribe] = Capability{
		Operation:   OpDescribe,
		Description: "report this agent's capability declaration",
		Handler: func(context.Context, *Request) (any, error) {
			return a.Declaration(), nil
		},
	}
	return a, nil
}

// Type returns the agent's type.
func (a *BaseAgent) Type() envelope.AgentType {
	return a.agentType
}

// State returns the current lifecycle state.
func (a *BaseAgent) State() State {
	return State(a.state.Load())
}

// Logger returns the agent-scoped logger.
func (a *BaseAgent) Logger() *slog.Logger {
	return a.logger
}

// RegisterCapability declares an operation. Must be called before Start.
func (a *BaseAgent) RegisterCapability(cap Capability) error {
	if a.State() == StateStarted {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"BaseAgent", "RegisterCapability", "register after start")
	}
	if cap.Operation == "" || cap.Handler == nil {
		return errors.WrapInvalid(fmt.Errorf("capability needs operation and handler"),
			"BaseAgent", "RegisterCapability", "validate capability")
	}
	if _, exists := a.capabilities[cap.Operation]; exists {
		return errors.WrapInvalid(fmt.Errorf("operation %q already registered", cap.Operation),
			"BaseAgent", "RegisterCapability", "check duplicate")
	}
	a.capabilities[cap.Operation] = cap
	return nil
}

// Capabilities lists registered operation names.
func (a *BaseAgent) Capabilities() []string {
	names := make([]string, 0, len(a.capabilities))
	for name := range a.capabilities {
		names = append(names, name)
	}
	return names
}

// Declaration builds the agent's capability declaration from its registered
// operations, sorted by operation name for stable output.
func (a *BaseAgent) Declaration() Declaration {
	ops := make([]OperationInfo, 0, len(a.capabilities))
	for _, c := range a.capabilities {
		ops = append(ops, OperationInfo{
			Operation:    c.Operation,
			Description:  c.Description,
			InputSchema:  c.InputSchema,
			OutputSchema: c.OutputSchema,
		})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Operation < ops[j].Operation })

	return Declaration{
		Agent:      a.agentType,
		Version:    a.version,
		Tags:       append([]string(nil), a.tags...),
		Operations: ops,
		DependsOn:  append([]envelope.AgentType(nil), a.dependsOn...),
	}
}

// Initialize prepares the agent. Setup only, no I/O.
func (a *BaseAgent) Initialize() error {
	if !a.state.CompareAndSwap(int32(StateCreated), int32(StateInitialized)) {
		return errors.WrapInvalid(
			fmt.Errorf("initialize from state %s", a.State()),
			"BaseAgent", "Initialize", "check state")
	}
	return nil
}

// Start subscribes the agent to its subjects and begins dispatch.
func (a *BaseAgent) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateInitialized), int32(StateStarted)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "BaseAgent", "Start", "check state")
	}

	sub, err := a.bus.Subscribe(ctx, a.agentType, a.dispatch)
	if err != nil {
		a.state.Store(int32(StateFailed))
		a.setStatusMetric()
		return errors.Wrap(err, "BaseAgent", "Start", "subscribe")
	}
	a.sub = sub
	a.setStatusMetric()

	a.logger.Info("agent started", "capabilities", a.Capabilities())
	return nil
}

// Stop halts dispatch. The in-flight handler gets until timeout to finish.
func (a *BaseAgent) Stop(timeout time.Duration) error {
	if !a.state.CompareAndSwap(int32(StateStarted), int32(StateStopped)) {
		return errors.WrapInvalid(errors.ErrNotStarted, "BaseAgent", "Stop", "check state")
	}

	if a.sub != nil {
		done := make(chan struct{})
		go func() {
			a.sub.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			a.setStatusMetric()
			return errors.WrapTransient(
				fmt.Errorf("dispatch did not stop within %v", timeout),
				"BaseAgent", "Stop", "await dispatch stop")
		}
	}

	a.setStatusMetric()
	a.logger.Info("agent stopped")
	return nil
}

func (a *BaseAgent) setStatusMetric() {
	if a.metrics != nil {
		a.metrics.AgentStatus.WithLabelValues(string(a.agentType)).Set(float64(a.State()))
	}
}

// dispatch routes one inbound envelope. Handler panics are contained here:
// a panicking operation produces a failed RESPONSE, never a crashed agent.
func (a *BaseAgent) dispatch(ctx context.Context, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("handler panic recovered",
				"message_id", env.ID, "panic", r, "stack", string(debug.Stack()))
			if env.Type == envelope.TypeRequest {
				err = a.reply(ctx, env, FailResult(env.ID, fmt.Sprintf("internal error: %v", r)))
			} else {
				err = nil
			}
		}
	}()

	switch env.Type {
	case envelope.TypeRequest:
		return a.handleRequest(ctx, env)
	case envelope.TypeContextUpdate:
		return a.handleContextUpdate(ctx, env)
	case envelope.TypeEvent, envelope.TypeBroadcast:
		if a.onEvent == nil {
			return nil
		}
		return a.onEvent(ctx, env)
	case envelope.TypeResponse:
		// Replies normally arrive on inboxes; one landing here means the
		// requester gave up. Nothing to do.
		a.logger.Debug("ignoring stray response", "message_id", env.ID)
		return nil
	default:
		return errors.WrapInvalid(errors.ErrMalformedEnvelope,
			"BaseAgent", "dispatch", fmt.Sprintf("unhandled type %s", env.Type))
	}
}

// handleRequest runs the named operation and always produces a RESPONSE.
// Business failures become failed results; only reply transport errors
// propagate to the dispatch loop.
func (a *BaseAgent) handleRequest(ctx context.Context, env *envelope.Envelope) error {
	var req Request
	if err := env.UnmarshalPayload(&req); err != nil {
		return a.reply(ctx, env, FailResult(env.ID, "malformed request payload"))
	}
	req.MessageID = env.ID
	if env.Context != nil {
		req.Context = &ContextInfo{
			FarmerID: env.Context.FarmerID,
			FPOID:    env.Context.FPOID,
			Location: env.Context.Location,
			CropType: env.Context.CropType,
			Season:   env.Context.Season,
			Metadata: env.Context.Metadata,
		}
	}

	cap, ok := a.capabilities[req.Operation]
	if !ok {
		a.logger.Warn("unknown operation requested",
			"operation", req.Operation, "from", env.Source)
		return a.reply(ctx, env, FailResult(env.ID,
			fmt.Sprintf("unknown operation %q", req.Operation)))
	}

	data, err := cap.Handler(ctx, &req)
	if err != nil {
		a.logger.Warn("operation failed",
			"operation", req.Operation, "message_id", env.ID, "error", err)
		a.countError(err)
		return a.reply(ctx, env, FailResult(env.ID, err.Error()))
	}

	return a.reply(ctx, env, OkResult(env.ID, data))
}

// reply sends a RESPONSE for a REQUEST. Replies ride at high priority so a
// backlog of new work never starves an answer someone is waiting on.
func (a *BaseAgent) reply(ctx context.Context, req *envelope.Envelope, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.WrapInvalid(err, "BaseAgent", "reply", "encode result")
	}

	response := &envelope.Envelope{
		Type:          envelope.TypeResponse,
		Source:        a.agentType,
		Targets:       []envelope.AgentType{req.Source},
		Payload:       payload,
		Priority:      envelope.PriorityHigh,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
	}

	if err := a.bus.Publish(ctx, response); err != nil {
		return errors.WrapTransient(err, "BaseAgent", "reply", "publish response")
	}
	return nil
}

// handleContextUpdate folds the payload into the context store.
func (a *BaseAgent) handleContextUpdate(ctx context.Context, env *envelope.Envelope) error {
	if a.store == nil {
		return nil
	}

	var update struct {
		Entity contextstore.EntityRef `json:"entity"`
		Slice  string                 `json:"slice"`
		Data   map[string]any         `json:"data"`
	}
	if err := env.UnmarshalPayload(&update); err != nil {
		return errors.WrapInvalid(err, "BaseAgent", "handleContextUpdate", "decode update")
	}
	if update.Slice == "" {
		update.Slice = string(env.Source)
	}

	return a.store.Update(ctx, update.Entity, update.Slice, update.Data, env.ID)
}

// SendMessage publishes a directed envelope to one agent.
func (a *BaseAgent) SendMessage(
	ctx context.Context,
	msgType envelope.MessageType,
	target envelope.AgentType,
	payload any,
	priority envelope.Priority,
) error {
	env, err := envelope.New(msgType, a.agentType, payload)
	if err != nil {
		return err
	}
	env.Targets = []envelope.AgentType{target}
	env.Priority = priority
	return a.bus.Publish(ctx, env)
}

// RequestFromAgent performs a request/reply round trip to another agent and
// decodes the result. A reply carrying a failed result is returned as an
// ErrHandlerFailed so callers can distinguish remote business failures from
// transport problems.
func (a *BaseAgent) RequestFromAgent(
	ctx context.Context,
	target envelope.AgentType,
	operation string,
	params any,
	timeout time.Duration,
) (*Result, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.WrapInvalid(err, "BaseAgent", "RequestFromAgent", "encode params")
	}

	env, err := envelope.New(envelope.TypeRequest, a.agentType, Request{
		Operation: operation,
		Params:    rawParams,
	})
	if err != nil {
		return nil, err
	}
	env.Targets = []envelope.AgentType{target}
	env.Priority = envelope.PriorityNormal

	if timeout <= 0 {
		timeout = a.cfg.RequestTimeout.Std()
	}

	reply, err := a.bus.Request(ctx, env, timeout)
	if err != nil {
		a.countError(err)
		return nil, err
	}

	result, err := DecodeResult(reply.Payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "BaseAgent", "RequestFromAgent", "decode result")
	}
	if !result.Success {
		return result, errors.WrapInvalid(
			fmt.Errorf("%w: %s %s: %s", errors.ErrHandlerFailed, target, operation, result.Error),
			"BaseAgent", "RequestFromAgent", "remote operation")
	}
	return result, nil
}

// BroadcastEvent publishes a payload to every agent.
func (a *BaseAgent) BroadcastEvent(ctx context.Context, payload any, priority envelope.Priority) error {
	env, err := envelope.New(envelope.TypeBroadcast, a.agentType, payload)
	if err != nil {
		return err
	}
	env.Priority = priority
	return a.bus.Broadcast(ctx, env)
}

// GetContext reads an entity's state, degrading to empty state with a
// warning when the store is unreachable. Agents keep answering with less
// context rather than failing the conversation.
func (a *BaseAgent) GetContext(ctx context.Context, ref contextstore.EntityRef) *contextstore.State {
	if a.store == nil {
		return &contextstore.State{}
	}
	state, err := a.store.Get(ctx, ref)
	if err != nil {
		a.logger.Warn("context unavailable, continuing without it",
			"entity", ref.String(), "error", err)
	}
	if state == nil {
		state = &contextstore.State{}
	}
	return state
}

// UpdateContext writes this agent's slice of an entity's state.
func (a *BaseAgent) UpdateContext(ctx context.Context, ref contextstore.EntityRef, data map[string]any, messageID string) error {
	if a.store == nil {
		return nil
	}
	return a.store.Update(ctx, ref, string(a.agentType), data, messageID)
}

func (a *BaseAgent) countError(err error) {
	if a.metrics != nil {
		a.metrics.ErrorsTotal.WithLabelValues(string(a.agentType), errors.Classify(err).String()).Inc()
	}
}
