package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/mqagents/internal/healthsrv"
	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

const transcribeConfig = `
broker:
  host: localhost
service:
  interval: 1s
  poll_interval: 10ms
  maintenance_factor: 0
transcriber:
  rules:
    - name: doors
      topics: ["home/doors/#"]
      forward:
        to: "alerts/{suffix}"
        path: state
    - name: meters
      topics: ["meter/a", "meter/#"]
      script: |
        function transcribe(ctx, msg) { return null; }
`

type fakeClient struct {
	mu         sync.Mutex
	cb         publisher.Callbacks
	subscribed []string
	published  map[string]string
}

func (c *fakeClient) Connect() error {
	go c.cb.OnConnect()
	return nil
}

func (c *fakeClient) Disconnect() {}

func (c *fakeClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = string(payload)
	return nil
}

func (c *fakeClient) Subscribe(pattern string, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, pattern)
	return nil
}

func (c *fakeClient) snapshot() ([]string, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	published := make(map[string]string, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	return append([]string(nil), c.subscribed...), published
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "mqagent v0.1.0\n", out)
}

func TestClockListCalendars(t *testing.T) {
	out, err := execute(t, context.Background(), "clock", "--list-calendars")
	require.NoError(t, err)
	assert.Contains(t, out, "ISOWeek")
	assert.Contains(t, out, "Julian")
}

func TestCheckCommand(t *testing.T) {
	path := writeConfig(t, transcribeConfig)

	out, err := execute(t, context.Background(), "check", "transcribe", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Agent: transcribe (transcribe)")
	assert.Contains(t, out, "Rules: 2")
	assert.Contains(t, out, "Subscribe: home/doors/# (qos 2)")
	assert.Contains(t, out, "Subscribe: meter/# (qos 2)")
	assert.NotContains(t, out, "Subscribe: meter/a")
	assert.Contains(t, out, "Configuration OK")

	_, err = execute(t, context.Background(), "check", "feed", "--config", path)
	assert.Error(t, err, "feed section missing")
}

func TestHealthCommand(t *testing.T) {
	_, err := execute(t, context.Background(), "health")
	assert.Error(t, err, "no address configured")

	srv := healthsrv.NewServer("127.0.0.1:0", "clock", nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	out, err := execute(t, context.Background(), "health", "--addr", srv.Addr())
	assert.ErrorIs(t, err, errNotServing)
	assert.Contains(t, out, "NOT_SERVING")

	srv.ConnectionStateChanged(publisher.StateConnected)
	out, err = execute(t, context.Background(), "health", "--addr", srv.Addr(), "--service", "clock", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"SERVING"}`, out)
}

func TestTranscribeAgent(t *testing.T) {
	path := writeConfig(t, transcribeConfig)

	client := &fakeClient{published: map[string]string{}}
	clientFactory = func(opts publisher.ConnectOptions, cb publisher.Callbacks) (publisher.BrokerClient, error) {
		client.cb = cb
		return client, nil
	}
	defer func() { clientFactory = nil }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "transcribe", "--config", path)
		done <- err
	}()

	require.Eventually(t, func() bool {
		subs, _ := client.snapshot()
		return len(subs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Subscriptions are issued before the rules are activated
	time.Sleep(20 * time.Millisecond)
	client.cb.OnMessage("home/doors/front", []byte(`{"state":"open"}`), 0, false)

	require.Eventually(t, func() bool {
		_, published := client.snapshot()
		return published["alerts/front"] == "open"
	}, 2*time.Second, 10*time.Millisecond)

	subs, _ := client.snapshot()
	assert.ElementsMatch(t, []string{"home/doors/#", "meter/#"}, subs)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}
