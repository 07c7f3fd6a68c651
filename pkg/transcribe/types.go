package transcribe

import (
	"time"

	"go.uber.org/zap"
)

// DefaultQoS is the QoS level used when a message does not specify one.
const DefaultQoS byte = 2

// State is the scratch space owned by a single rule. It is created empty on every
// new connection and discarded on disconnect.
type State map[string]any

// Context carries per-invocation information into an expression
type Context struct {
	// Timestamp is the time the invocation was triggered
	Timestamp time.Time

	// Rule is the name of the rule running the expression
	Rule string

	// Matched is the subscription pattern that matched the inbound topic.
	// Empty for scheduled (tick) invocations.
	Matched string

	// State is the rule's private state for the current connection
	State State

	// Logger is the rule's named logger
	Logger *zap.Logger
}

// IsTick reports whether this invocation was scheduled rather than triggered by a message.
func (c Context) IsTick() bool {
	return c.Matched == ""
}

// Payload is an inbound broker message
type Payload struct {
	Topic   string
	Message []byte
	QoS     byte
	Retain  bool
}

// Message is an outbound message. Topic is relative to the service topic prefix.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// NewMessage creates a non-retained message at the default QoS.
func NewMessage(topic string, payload []byte) *Message {
	return &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     DefaultQoS,
	}
}

// Retained returns a copy of the message with the retain flag set.
func (m *Message) Retained() *Message {
	c := *m
	c.Retain = true
	return &c
}

// Continuation tells the rule whether to schedule another invocation
type Continuation int

const (
	// Done stops scheduling; any pending tick is cleared
	Done Continuation = iota

	// Reschedule asks for another invocation after the rule's fixed delay
	Reschedule
)

// String returns the string representation of Continuation
func (c Continuation) String() string {
	switch c {
	case Done:
		return "done"
	case Reschedule:
		return "reschedule"
	default:
		return "unknown"
	}
}

// Result is what an expression returns
type Result struct {
	// Outbound is published when non-nil
	Outbound *Message

	// Continuation requests (or not) a scheduled re-invocation
	Continuation Continuation
}

// Emit returns a result publishing msg with no continuation.
func Emit(msg *Message) Result {
	return Result{Outbound: msg}
}

// Again returns a result with no outbound message that asks for another tick.
func Again() Result {
	return Result{Continuation: Reschedule}
}

// Continue returns a copy of r that asks for another tick.
func (r Result) Continue() Result {
	r.Continuation = Reschedule
	return r
}

// Expression is the user logic attached to a rule.
// payload is nil for scheduled invocations.
type Expression interface {
	Evaluate(ctx Context, payload *Payload) (Result, error)
}

// ExpressionFunc adapts an ordinary function to the Expression interface
type ExpressionFunc func(ctx Context, payload *Payload) (Result, error)

// Evaluate calls f(ctx, payload).
func (f ExpressionFunc) Evaluate(ctx Context, payload *Payload) (Result, error) {
	return f(ctx, payload)
}

// Publisher sends outbound messages on behalf of rules
type Publisher interface {
	// Publish sends message under the service prefix joined with subtopic
	Publish(subtopic string, message []byte, qos byte, retain bool)
}
