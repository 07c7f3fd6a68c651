// Package transcriber runs rules: named expressions bound to a set of topics.
//
// A rule is invoked when a delivered message matches one of its topics, and again
// on a fixed delay for as long as its expression asks to continue. Invocations of
// one rule never overlap; different rules run independently.
package transcriber

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/internal/metrics"
	"github.com/rmacdonaldsmith/mqagents/internal/routingtable"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

// DefaultDelay is the delay between a continuation request and the next tick
const DefaultDelay = 500 * time.Millisecond

var (
	// ErrEmptyName is returned when a rule has no name
	ErrEmptyName = errors.New("rule name cannot be empty")
	// ErrNilExpression is returned when a rule has no expression
	ErrNilExpression = errors.New("rule expression cannot be nil")
	// ErrExpressionPanic wraps a panic recovered from an expression
	ErrExpressionPanic = errors.New("expression panicked")
)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	delay   time.Duration
}

// Option configures a Rule or an Aggregator
type Option func(*options)

// WithLogger sets the parent logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics to record invocations on
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDelay overrides the continuation delay. Rules only.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

func buildOptions(opts []Option) options {
	o := options{delay: DefaultDelay}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.delay <= 0 {
		o.delay = DefaultDelay
	}
	return o
}

// Rule pairs a topic set with an expression.
//
// mu serializes every invocation of the expression, whether triggered by a
// message or by a tick, so the expression may mutate its State freely.
type Rule struct {
	name    string
	topics  *routingtable.SubscriptionSet
	expr    transcribe.Expression
	logger  *zap.Logger
	metrics *metrics.Metrics
	delay   time.Duration
	now     func() time.Time

	mu        sync.Mutex
	active    bool
	state     transcribe.State
	timer     *time.Timer // non-nil while a tick is pending
	publisher transcribe.Publisher
}

// NewRule compiles topics and creates a rule. An invalid topic pattern is
// returned as an error wrapping routingtable.ErrInvalidTopic or
// routingtable.ErrUnsupportedWildcard.
func NewRule(name string, topics []string, expr transcribe.Expression, opts ...Option) (*Rule, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if expr == nil {
		return nil, ErrNilExpression
	}

	o := buildOptions(opts)
	logger := o.logger.Named(name)

	set, err := routingtable.Compile(topics, logger)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}

	return &Rule{
		name:    name,
		topics:  set,
		expr:    expr,
		logger:  logger,
		metrics: o.metrics,
		delay:   o.delay,
		now:     time.Now,
		state:   transcribe.State{},
	}, nil
}

// Name returns the rule name
func (r *Rule) Name() string {
	return r.name
}

// Topics returns the rule's compiled topic set
func (r *Rule) Topics() *routingtable.SubscriptionSet {
	return r.topics
}

// SetPublisher sets where outbound messages go. Without one they are dropped.
func (r *Rule) SetPublisher(p transcribe.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// OnConnected starts a fresh State and activates the rule.
func (r *Rule) OnConnected(ts time.Time, connectCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = transcribe.State{}
	r.active = true
	r.logger.Debug("Connected", zap.Int("connect_count", connectCount))
}

// OnDisconnected deactivates the rule. A pending tick is left to notice this
// itself and stop.
func (r *Rule) OnDisconnected(ts time.Time, clean bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	r.logger.Debug("Disconnected", zap.Bool("clean", clean))
}

// OnReceive offers a message to the rule and reports whether the rule claimed it.
// An unmatched topic has no side effects. A failing expression is logged and
// schedules nothing, but the message still counts as claimed.
func (r *Rule) OnReceive(ts time.Time, topic string, message []byte, qos byte, retain bool) bool {
	matched, ok := r.topics.Match(topic)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	payload := &transcribe.Payload{
		Topic:   topic,
		Message: message,
		QoS:     qos,
		Retain:  retain,
	}
	result, err := r.evaluate(r.context(ts, matched), payload, metrics.TriggerReceive)
	if err != nil {
		return true
	}

	r.emit(result.Outbound)
	if result.Continuation == transcribe.Reschedule && r.timer == nil {
		r.timer = time.AfterFunc(r.delay, r.tick)
	}
	return true
}

// Pending reports whether a tick is scheduled
func (r *Rule) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Rule) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timer = nil
	if !r.active {
		r.logger.Debug("Tick while inactive, not rescheduling")
		return
	}

	result, err := r.evaluate(r.context(r.now(), ""), nil, metrics.TriggerTick)
	if err != nil {
		return
	}

	r.emit(result.Outbound)
	if result.Continuation == transcribe.Reschedule {
		r.timer = time.AfterFunc(r.delay, r.tick)
	}
}

// context builds the invocation context. Caller holds mu.
func (r *Rule) context(ts time.Time, matched string) transcribe.Context {
	return transcribe.Context{
		Timestamp: ts,
		Rule:      r.name,
		Matched:   matched,
		State:     r.state,
		Logger:    r.logger,
	}
}

// evaluate runs the expression, recovering panics. Failures are logged and
// counted here; callers only need to stop on a non-nil error.
func (r *Rule) evaluate(ctx transcribe.Context, payload *transcribe.Payload, trigger string) (result transcribe.Result, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = transcribe.Result{}
			err = fmt.Errorf("%w: %v", ErrExpressionPanic, rec)
			r.logger.Error("Expression panicked",
				zap.String("trigger", trigger),
				zap.String("matched", ctx.Matched),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		} else if err != nil {
			r.logger.Error("Expression failed",
				zap.String("trigger", trigger),
				zap.String("matched", ctx.Matched),
				zap.Error(err))
		}
		r.metrics.RuleInvoked(r.name, trigger, time.Since(start), err)
	}()

	return r.expr.Evaluate(ctx, payload)
}

// emit publishes msg if there is one. Caller holds mu.
func (r *Rule) emit(msg *transcribe.Message) {
	if msg == nil {
		return
	}
	if r.publisher == nil {
		r.logger.Debug("No publisher, dropping message", zap.String("topic", msg.Topic))
		return
	}
	r.publisher.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
}
