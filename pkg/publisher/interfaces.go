package publisher

import (
	"time"
)

// Handler reacts to lifecycle events of a broker connection
type Handler interface {
	// OnConnected is called after every successful (re)connection, once the
	// configured subscriptions have been issued. connectCount starts at 1.
	OnConnected(ts time.Time, connectCount int)

	// OnDisconnected is called when the connection drops (clean=false) or is
	// closed by the manager (clean=true).
	OnDisconnected(ts time.Time, clean bool)

	// OnInterval is called once per publish interval while connected.
	OnInterval(ts time.Time)

	// OnReceive is called for every message delivered on a subscription.
	OnReceive(ts time.Time, topic string, message []byte, qos byte, retain bool)
}

// Subscription is a broker-level subscription request
type Subscription struct {
	// Pattern is a literal topic or a prefix followed by the multi-level wildcard '#'
	Pattern string

	// QoS is the requested quality of service
	QoS byte
}

// State represents the lifecycle state of a broker session
type State int

// Possible lifecycle states
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateStopped
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StatusListener observes lifecycle state transitions
type StatusListener interface {
	ConnectionStateChanged(state State)
}

// BrokerClient is the subset of an MQTT client the lifecycle manager needs.
// Implementations deliver events through the Callbacks they were built with.
type BrokerClient interface {
	// Connect starts an asynchronous connection and the background network loop.
	// Reconnection after a lost connection is the client's responsibility.
	Connect() error

	// Disconnect stops the network loop and closes the connection. It does not
	// fire any callback.
	Disconnect()

	// Publish sends a message.
	Publish(topic string, payload []byte, qos byte, retain bool) error

	// Subscribe issues a subscription; messages arrive through Callbacks.OnMessage.
	Subscribe(pattern string, qos byte) error
}

// Callbacks are the events a BrokerClient delivers to the lifecycle manager
type Callbacks struct {
	OnConnect        func()
	OnConnectError   func(err error)
	OnConnectionLost func(err error)
	OnReconnecting   func()
	OnMessage        func(topic string, payload []byte, qos byte, retain bool)
}

// ConnectOptions holds everything a ClientFactory needs to build a client
type ConnectOptions struct {
	Host       string
	Port       int
	ClientID   string
	Username   string
	Password   string
	CACertPath string

	// Credentials, when set, is consulted on every (re)connect instead of
	// Username/Password.
	Credentials func() (username, password string)

	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration

	// MaxReconnectInterval caps the client's reconnect backoff
	MaxReconnectInterval time.Duration
}

// ClientFactory builds a BrokerClient wired to the given callbacks
type ClientFactory func(opts ConnectOptions, cb Callbacks) (BrokerClient, error)
