package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

type sentMessage struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

// fakeClient records calls and lets tests fire the callbacks a real client would
type fakeClient struct {
	mu           sync.Mutex
	opts         publisher.ConnectOptions
	cb           publisher.Callbacks
	connects     int
	disconnects  int
	sent         []sentMessage
	subscribed   []publisher.Subscription
	connectErr   error
	connectOnRun bool
}

func (f *fakeClient) factory(opts publisher.ConnectOptions, cb publisher.Callbacks) (publisher.BrokerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	f.cb = cb
	return f, nil
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	f.connects++
	connect := f.connectOnRun
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if connect {
		go f.cb.OnConnect()
	}
	return nil
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{topic, string(payload), qos, retain})
	return nil
}

func (f *fakeClient) Subscribe(pattern string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, publisher.Subscription{Pattern: pattern, QoS: qos})
	return nil
}

func (f *fakeClient) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeClient) Subscribed() []publisher.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publisher.Subscription(nil), f.subscribed...)
}

func (f *fakeClient) Callbacks() publisher.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

type event struct {
	Kind      string
	Count     int
	Clean     bool
	Topic     string
	Connected bool
}

// recordingHandler records lifecycle events along with the publisher's view of the session
type recordingHandler struct {
	mu     sync.Mutex
	p      *IntervalPublisher
	events []event
}

func (h *recordingHandler) add(e event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.Connected = h.p.Connected()
	h.events = append(h.events, e)
}

func (h *recordingHandler) OnConnected(_ time.Time, count int) {
	h.add(event{Kind: "connected", Count: count})
}

func (h *recordingHandler) OnDisconnected(_ time.Time, clean bool) {
	h.add(event{Kind: "disconnected", Clean: clean})
}

func (h *recordingHandler) OnInterval(time.Time) {
	h.add(event{Kind: "interval"})
}

func (h *recordingHandler) OnReceive(_ time.Time, topic string, _ []byte, _ byte, _ bool) {
	h.add(event{Kind: "receive", Topic: topic})
}

func (h *recordingHandler) Events() []event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event(nil), h.events...)
}

func (h *recordingHandler) count(kind string) int {
	n := 0
	for _, e := range h.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type stateRecorder struct {
	mu     sync.Mutex
	states []publisher.State
}

func (r *stateRecorder) ConnectionStateChanged(s publisher.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) States() []publisher.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publisher.State(nil), r.states...)
}

// noon keeps the maintenance window out of the way
func noon() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
}

func testConfig() *Config {
	return NewConfig("test", "broker.local", time.Second).
		WithPollInterval(5 * time.Millisecond).
		WithTopicPrefix("home/test")
}

func newTestPublisher(t *testing.T, config *Config, client *fakeClient, opts ...Option) (*IntervalPublisher, *recordingHandler) {
	t.Helper()
	opts = append([]Option{WithClientFactory(client.factory), WithClock(noon)}, opts...)
	p, err := NewIntervalPublisher(config, opts...)
	require.NoError(t, err)
	return p, &recordingHandler{p: p}
}

func runAsync(p *IntervalPublisher, ctx context.Context, h publisher.Handler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, h) }()
	return done
}

func TestNewIntervalPublisher_Validation(t *testing.T) {
	_, err := NewIntervalPublisher(nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	_, err = NewIntervalPublisher(NewConfig("svc", "host", 500*time.Millisecond))
	assert.ErrorIs(t, err, ErrIntervalTooShort)

	p, err := NewIntervalPublisher(NewConfig("svc", "host", time.Second))
	require.NoError(t, err)
	assert.Equal(t, publisher.StateIdle, p.State())
}

func TestRun_NilHandler(t *testing.T) {
	p, _ := newTestPublisher(t, testConfig(), &fakeClient{})
	assert.ErrorIs(t, p.Run(context.Background(), nil), ErrNilHandler)
}

func TestRun_ConnectSubscribesBeforeOnConnected(t *testing.T) {
	client := &fakeClient{connectOnRun: true}
	subs := []publisher.Subscription{{Pattern: "a/#", QoS: 2}, {Pattern: "b", QoS: 1}}
	states := &stateRecorder{}
	p, h := newTestPublisher(t, testConfig().WithSubscriptions(subs), client, WithStatusListener(states))

	done := runAsync(p, context.Background(), h)
	require.Eventually(t, func() bool { return h.count("connected") == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, subs, client.Subscribed())
	assert.Equal(t, 1, p.ConnectCount())
	assert.Equal(t, publisher.StateConnected, p.State())
	assert.Equal(t, event{Kind: "connected", Count: 1, Connected: true}, h.Events()[0])

	p.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, publisher.StateStopped, p.State())
	assert.Equal(t, 1, client.disconnects)
	last := h.Events()[len(h.Events())-1]
	assert.Equal(t, event{Kind: "disconnected", Clean: true}, last)
	assert.Equal(t, []publisher.State{
		publisher.StateConnecting, publisher.StateConnected, publisher.StateStopped,
	}, states.States())
}

func TestRun_IntervalOnlyWhileConnected(t *testing.T) {
	client := &fakeClient{}
	p, h := newTestPublisher(t, testConfig(), client)

	// Shrink the interval below the validated minimum to keep the test fast
	p.config.Interval = 20 * time.Millisecond

	done := runAsync(p, context.Background(), h)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, h.count("interval"), "no interval before connecting")

	client.Callbacks().OnConnect()
	require.Eventually(t, func() bool { return h.count("interval") >= 2 }, time.Second, time.Millisecond)

	client.Callbacks().OnConnectionLost(errors.New("EOF"))
	assert.False(t, p.Connected())
	assert.Equal(t, publisher.StateDisconnected, p.State())

	// Let an interval that passed the check before the loss finish
	time.Sleep(30 * time.Millisecond)
	intervals := h.count("interval")

	time.Sleep(80 * time.Millisecond)
	p.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, intervals, h.count("interval"), "no interval after disconnect")

	// The lost connection is reported unclean, with connected already false
	var lost []event
	for _, e := range h.Events() {
		if e.Kind == "disconnected" {
			lost = append(lost, e)
		}
	}
	require.Len(t, lost, 1, "no clean disconnect when the session was already down")
	assert.Equal(t, event{Kind: "disconnected", Clean: false, Connected: false}, lost[0])
}

func TestRun_ReconnectIncrementsCount(t *testing.T) {
	client := &fakeClient{connectOnRun: true}
	p, h := newTestPublisher(t, testConfig(), client)
	done := runAsync(p, context.Background(), h)

	require.Eventually(t, func() bool { return h.count("connected") == 1 }, time.Second, time.Millisecond)
	client.Callbacks().OnConnectionLost(errors.New("reset"))
	client.Callbacks().OnReconnecting()
	assert.Equal(t, publisher.StateConnecting, p.State())
	client.Callbacks().OnConnect()

	assert.Equal(t, 2, p.ConnectCount())
	assert.Equal(t, event{Kind: "connected", Count: 2, Connected: true}, h.Events()[2])

	p.Stop()
	require.NoError(t, <-done)
}

func TestRun_MessagesReachHandler(t *testing.T) {
	client := &fakeClient{connectOnRun: true}
	p, h := newTestPublisher(t, testConfig(), client)
	done := runAsync(p, context.Background(), h)
	require.Eventually(t, func() bool { return h.count("connected") == 1 }, time.Second, time.Millisecond)

	client.Callbacks().OnMessage("a/b", []byte("1"), 2, true)
	assert.Equal(t, 1, h.count("receive"))
	assert.Equal(t, "a/b", h.Events()[1].Topic)

	p.Stop()
	require.NoError(t, <-done)
}

func TestRun_ConnectErrorLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := &fakeClient{}
	p, h := newTestPublisher(t, testConfig(), client, WithLogger(zap.New(core)))
	done := runAsync(p, context.Background(), h)

	require.Eventually(t, func() bool { return p.State() == publisher.StateConnecting }, time.Second, time.Millisecond)
	client.Callbacks().OnConnectError(errors.New("not authorized"))

	assert.False(t, p.Connected())
	assert.Equal(t, publisher.StateDisconnected, p.State())
	assert.Equal(t, 1, logs.FilterMessage("Connection error").Len())

	p.Stop()
	require.NoError(t, <-done)
	assert.Empty(t, h.Events())
}

func TestRun_SynchronousConnectFailure(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("bad url")}
	p, h := newTestPublisher(t, testConfig(), client)

	err := p.Run(context.Background(), h)
	assert.ErrorContains(t, err, "bad url")
	assert.Equal(t, publisher.StateStopped, p.State())
}

func TestRun_AlreadyRunning(t *testing.T) {
	client := &fakeClient{}
	p, h := newTestPublisher(t, testConfig(), client)
	done := runAsync(p, context.Background(), h)
	require.Eventually(t, func() bool { return p.State() == publisher.StateConnecting }, time.Second, time.Millisecond)

	assert.ErrorIs(t, p.Run(context.Background(), h), ErrAlreadyRunning)

	p.Stop()
	require.NoError(t, <-done)
}

func TestRun_StopObservedWithinPollInterval(t *testing.T) {
	client := &fakeClient{}
	config := testConfig()
	config.Interval = time.Hour
	p, h := newTestPublisher(t, config, client)
	done := runAsync(p, context.Background(), h)
	require.Eventually(t, func() bool { return p.State() == publisher.StateConnecting }, time.Second, time.Millisecond)

	start := time.Now()
	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRun_ContextCancelStops(t *testing.T) {
	client := &fakeClient{}
	config := testConfig()
	config.Interval = time.Hour
	p, h := newTestPublisher(t, config, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx, h)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StopBeforeRun(t *testing.T) {
	client := &fakeClient{connectOnRun: true}
	p, h := newTestPublisher(t, testConfig(), client)

	p.Stop()
	done := runAsync(p, context.Background(), h)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run ignored an earlier Stop")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Zero(t, client.connects)
	assert.Nil(t, client.cb.OnConnect, "no client created")
	assert.Empty(t, h.Events())
}

func TestIdleWait_ShortensLastStep(t *testing.T) {
	client := &fakeClient{}
	config := testConfig().WithPollInterval(400 * time.Millisecond)
	p, _ := newTestPublisher(t, config, client)

	// Not a whole number of poll steps
	p.config.Interval = 600 * time.Millisecond

	start := time.Now()
	p.idleWait(context.Background())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 600*time.Millisecond)
	assert.Less(t, elapsed, 780*time.Millisecond, "waited a whole extra poll step")
}

func TestRun_MaintenanceWindowStops(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	client := &fakeClient{connectOnRun: true}
	p, h := newTestPublisher(t, testConfig(), client,
		WithLogger(zap.New(core)),
		WithClock(func() time.Time { return time.Date(2024, 6, 1, 0, 0, 30, 0, time.Local) }))

	// 00:00 is inside any window; a short interval reaches the check quickly
	p.config.Interval = 10 * time.Millisecond

	done := runAsync(p, context.Background(), h)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("maintenance window did not stop Run")
	}
	assert.Equal(t, 1, logs.FilterMessage("Scheduled maintenance termination at midnight").Len())
}

func TestMaintenanceDue(t *testing.T) {
	at := func(h, m, s int) time.Time { return time.Date(2024, 3, 10, h, m, s, 0, time.Local) }
	interval := 300 * time.Second

	tests := []struct {
		name   string
		t      time.Time
		factor float64
		want   bool
	}{
		{"00:03 is inside 450s", at(0, 3, 0), 1.5, true},
		{"00:10 is outside 450s", at(0, 10, 0), 1.5, false},
		{"seconds are ignored", at(0, 7, 59), 1.5, true},
		{"00:08 is 480s", at(0, 8, 0), 1.5, false},
		{"midnight", at(0, 0, 0), 1.5, true},
		{"noon", at(12, 0, 0), 1.5, false},
		{"zero factor disables", at(0, 0, 0), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaintenanceDue(tt.t, interval, tt.factor))
		})
	}
}

func TestJoinTopic(t *testing.T) {
	tests := []struct {
		prefix, sub, want string
	}{
		{"home/time", "", "home/time"},
		{"home/time", "UTC", "home/time/UTC"},
		{"home/time/", "UTC", "home/time/UTC"},
		{"home/time", "UTC/unix", "home/time/UTC/unix"},
		{"", "UTC", "UTC"},
		{"", "", ""},
		{"home/time", "/abs/topic", "/abs/topic"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinTopic(tt.prefix, tt.sub), "JoinTopic(%q, %q)", tt.prefix, tt.sub)
	}
}

func TestPublish_LiveSends(t *testing.T) {
	client := &fakeClient{connectOnRun: true}
	p, h := newTestPublisher(t, testConfig(), client)
	done := runAsync(p, context.Background(), h)
	require.Eventually(t, func() bool { return p.Connected() }, time.Second, time.Millisecond)

	p.Publish("UTC", []byte("[2024]"), 2, true)
	p.Publish("", []byte("root"), 0, false)

	assert.Equal(t, []sentMessage{
		{"home/test/UTC", "[2024]", 2, true},
		{"home/test", "root", 0, false},
	}, client.Sent())

	p.Stop()
	require.NoError(t, <-done)
}

func TestPublish_DryRunLogsSameRecordWithoutSending(t *testing.T) {
	publishOnce := func(dryRun bool) (*fakeClient, []observer.LoggedEntry) {
		core, logs := observer.New(zapcore.DebugLevel)
		client := &fakeClient{connectOnRun: true}
		config := testConfig().WithDryRun(dryRun, zapcore.WarnLevel)
		p, h := newTestPublisher(t, config, client, WithLogger(zap.New(core)))
		done := runAsync(p, context.Background(), h)
		require.Eventually(t, func() bool { return p.Connected() }, time.Second, time.Millisecond)

		p.Publish("Local", []byte("[1,2]"), 2, false)

		p.Stop()
		require.NoError(t, <-done)
		return client, logs.FilterMessage("MQTT publish").All()
	}

	liveClient, live := publishOnce(false)
	dryClient, dry := publishOnce(true)

	assert.Len(t, liveClient.Sent(), 1)
	assert.Empty(t, dryClient.Sent(), "dry run never reaches the client")

	require.Len(t, live, 1)
	require.Len(t, dry, 1)
	assert.Equal(t, live[0].Message, dry[0].Message)
	assert.Equal(t, live[0].ContextMap(), dry[0].ContextMap())
	assert.Equal(t, zapcore.DebugLevel, live[0].Level)
	assert.Equal(t, zapcore.WarnLevel, dry[0].Level)
}

func TestPublish_BeforeRunDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p, _ := newTestPublisher(t, testConfig(), &fakeClient{}, WithLogger(zap.New(core)))

	p.Publish("x", []byte("y"), 2, false)
	assert.Equal(t, 1, logs.FilterMessage("Publish before Run, dropping").Len())
}
