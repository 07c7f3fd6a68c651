package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/internal/metrics"
	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

var (
	// ErrNilConfig is returned when no configuration is given
	ErrNilConfig = errors.New("config cannot be nil")
	// ErrNilHandler is returned when Run is called without a handler
	ErrNilHandler = errors.New("handler cannot be nil")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("publisher is already running")
)

// Option configures an IntervalPublisher
type Option func(*IntervalPublisher)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *IntervalPublisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics to record on
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *IntervalPublisher) {
		p.metrics = m
	}
}

// WithClientFactory replaces the paho client factory
func WithClientFactory(factory publisher.ClientFactory) Option {
	return func(p *IntervalPublisher) {
		p.factory = factory
	}
}

// WithStatusListener registers a listener for state transitions
func WithStatusListener(listener publisher.StatusListener) Option {
	return func(p *IntervalPublisher) {
		p.listener = listener
	}
}

// WithClock replaces the local wall clock
func WithClock(now func() time.Time) Option {
	return func(p *IntervalPublisher) {
		p.now = now
	}
}

// IntervalPublisher owns one broker session and drives a Handler from it.
//
// Two goroutines touch the session: the client's callback goroutine and the
// one blocked in Run. The session fields are atomics for that reason.
type IntervalPublisher struct {
	config   *Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	factory  publisher.ClientFactory
	listener publisher.StatusListener
	now      func() time.Time

	// Session
	connected    atomic.Bool
	connectCount atomic.Int64
	stop         atomic.Bool
	state        atomic.Int32

	mu      sync.RWMutex
	client  publisher.BrokerClient
	handler publisher.Handler
	running bool
}

// Ensure IntervalPublisher can serve as a rule publisher
var _ transcribe.Publisher = (*IntervalPublisher)(nil)

// NewIntervalPublisher creates a publisher. The configuration is defaulted and
// validated here; nothing connects until Run.
func NewIntervalPublisher(config *Config, opts ...Option) (*IntervalPublisher, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &IntervalPublisher{
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named(config.Name)
	if p.factory == nil {
		p.factory = NewPahoFactory(p.logger)
	}
	return p, nil
}

// Config returns the effective configuration
func (p *IntervalPublisher) Config() *Config {
	return p.config
}

// State returns the current lifecycle state
func (p *IntervalPublisher) State() publisher.State {
	return publisher.State(p.state.Load())
}

// Connected reports whether the broker session is up
func (p *IntervalPublisher) Connected() bool {
	return p.connected.Load()
}

// ConnectCount returns the number of successful connections so far
func (p *IntervalPublisher) ConnectCount() int {
	return int(p.connectCount.Load())
}

func (p *IntervalPublisher) setState(s publisher.State) {
	if publisher.State(p.state.Swap(int32(s))) == s {
		return
	}
	p.logger.Debug("State changed", zap.Stringer("state", s))
	if p.listener != nil {
		p.listener.ConnectionStateChanged(s)
	}
}

// Run connects and blocks until Stop is called, ctx is cancelled or the
// maintenance window is reached. Broker connection failures are not returned;
// they show as State and in the logs while the client retries.
func (p *IntervalPublisher) Run(ctx context.Context, handler publisher.Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.handler = handler
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	// A Stop that arrived before Run still counts
	if p.stop.Load() {
		p.logger.Info("Stopped before start")
		return nil
	}
	p.connected.Store(false)
	p.connectCount.Store(0)

	client, err := p.factory(p.config.connectOptions(), p.callbacks())
	if err != nil {
		return fmt.Errorf("failed to create broker client: %w", err)
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Debug("Connecting to broker",
		zap.String("host", p.config.Host),
		zap.Int("port", p.config.Port),
		zap.Bool("tls", p.config.CACertPath != ""))
	p.setState(publisher.StateConnecting)
	if err := client.Connect(); err != nil {
		p.setState(publisher.StateStopped)
		return fmt.Errorf("failed to start broker client: %w", err)
	}

	for !p.stop.Load() {
		p.idleWait(ctx)

		now := p.now()
		if p.connected.Load() {
			p.metrics.Interval()
			handler.OnInterval(now)
		}
		if MaintenanceDue(now, p.config.Interval, p.config.MaintenanceFactor) {
			p.logger.Info("Scheduled maintenance termination at midnight")
			p.stop.Store(true)
		}
	}

	wasConnected := p.connected.Swap(false)
	client.Disconnect()
	p.setState(publisher.StateStopped)
	if wasConnected {
		p.metrics.Disconnected(true)
		handler.OnDisconnected(p.now(), true)
	}
	p.logger.Info("Publisher stopped", zap.Int("connect_count", p.ConnectCount()))
	return nil
}

// Stop asks Run to return. It is observed within one PollInterval and does not
// interrupt an OnInterval call in progress. Stop before Run makes Run return at
// once; a stopped publisher is not restarted.
func (p *IntervalPublisher) Stop() {
	if p.stop.Swap(true) {
		return
	}
	p.logger.Warn("Stop signal received")
}

// idleWait sleeps for one interval in PollInterval steps, returning early on
// Stop or ctx. The last step is shortened to what is left of the interval.
func (p *IntervalPublisher) idleWait(ctx context.Context) {
	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	for remaining := p.config.Interval; remaining > 0 && !p.stop.Load(); {
		step := min(remaining, p.config.PollInterval)
		timer.Reset(step)
		select {
		case <-ctx.Done():
			p.logger.Info("Context done, stopping", zap.Error(ctx.Err()))
			p.stop.Store(true)
			return
		case <-timer.C:
		}
		remaining -= step
	}
}

// Publish sends message to the prefix joined with subtopic. In dry-run mode the
// message is only logged, with the same record a live publish logs at debug.
func (p *IntervalPublisher) Publish(subtopic string, message []byte, qos byte, retain bool) {
	topic := JoinTopic(p.config.TopicPrefix, subtopic)

	level := zap.DebugLevel
	if p.config.DryRun {
		level = p.config.DryRunLevel
	}
	if ce := p.logger.Check(level, "MQTT publish"); ce != nil {
		ce.Write(
			zap.String("topic", topic),
			zap.Uint8("qos", qos),
			zap.Bool("retain", retain),
			zap.ByteString("message", message))
	}

	p.metrics.Published(p.config.DryRun)
	if p.config.DryRun {
		return
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		p.logger.Warn("Publish before Run, dropping", zap.String("topic", topic))
		return
	}
	if err := client.Publish(topic, message, qos, retain); err != nil {
		p.logger.Error("Publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *IntervalPublisher) callbacks() publisher.Callbacks {
	return publisher.Callbacks{
		OnConnect:        p.onConnect,
		OnConnectError:   p.onConnectError,
		OnConnectionLost: p.onConnectionLost,
		OnReconnecting:   p.onReconnecting,
		OnMessage:        p.onMessage,
	}
}

func (p *IntervalPublisher) currentHandler() (publisher.Handler, publisher.BrokerClient) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handler, p.client
}

func (p *IntervalPublisher) onConnect() {
	handler, client := p.currentHandler()

	p.connected.Store(true)
	count := int(p.connectCount.Add(1))
	p.metrics.Connected()
	p.setState(publisher.StateConnected)
	p.logger.Debug("Connected to broker", zap.Int("connect_count", count))

	for _, sub := range p.config.Subscriptions {
		if err := client.Subscribe(sub.Pattern, sub.QoS); err != nil {
			p.logger.Warn("Subscribe failed",
				zap.String("topic", sub.Pattern),
				zap.Uint8("qos", sub.QoS),
				zap.Error(err))
			continue
		}
		p.logger.Debug("Subscribed", zap.String("topic", sub.Pattern), zap.Uint8("qos", sub.QoS))
	}

	handler.OnConnected(p.now(), count)
}

func (p *IntervalPublisher) onConnectError(err error) {
	// A pending connect is aborted by the disconnect at shutdown
	if p.stop.Load() {
		p.logger.Debug("Connect aborted", zap.Error(err))
		return
	}
	p.connected.Store(false)
	p.setState(publisher.StateDisconnected)
	p.logger.Warn("Connection error", zap.Error(err))
}

func (p *IntervalPublisher) onConnectionLost(err error) {
	handler, _ := p.currentHandler()

	p.connected.Store(false)
	p.metrics.Disconnected(false)
	p.setState(publisher.StateDisconnected)
	p.logger.Warn("Disconnected from broker", zap.Error(err))

	handler.OnDisconnected(p.now(), false)
}

func (p *IntervalPublisher) onReconnecting() {
	p.setState(publisher.StateConnecting)
}

func (p *IntervalPublisher) onMessage(topic string, payload []byte, qos byte, retain bool) {
	handler, _ := p.currentHandler()

	p.metrics.Received()
	p.logger.Info("MQTT receive",
		zap.String("topic", topic),
		zap.Uint8("qos", qos),
		zap.Bool("retain", retain),
		zap.ByteString("message", payload))

	handler.OnReceive(p.now(), topic, payload, qos, retain)
}

// JoinTopic joins a topic prefix and subtopic the way a path join does: an empty
// subtopic yields the prefix, and a subtopic starting with '/' replaces it.
func JoinTopic(prefix, subtopic string) string {
	switch {
	case subtopic == "":
		return prefix
	case prefix == "", strings.HasPrefix(subtopic, "/"):
		return subtopic
	case strings.HasSuffix(prefix, "/"):
		return prefix + subtopic
	default:
		return prefix + "/" + subtopic
	}
}

// MaintenanceDue reports whether local time t falls in the midnight maintenance
// window, the first interval*factor seconds of the day at minute resolution.
// A zero factor disables the window.
func MaintenanceDue(t time.Time, interval time.Duration, factor float64) bool {
	if factor <= 0 {
		return false
	}
	sinceMidnight := t.Hour()*3600 + t.Minute()*60
	return float64(sinceMidnight) < interval.Seconds()*factor
}
