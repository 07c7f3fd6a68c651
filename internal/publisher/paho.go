package publisher

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

var bridgeOnce sync.Once

// BridgePahoLogs routes the paho client's internal error and warning logs to
// logger. Only the first call has an effect.
func BridgePahoLogs(logger *zap.Logger) {
	bridgeOnce.Do(func() {
		named := logger.Named("paho")
		mqtt.ERROR = zap.NewStdLog(named)
		mqtt.CRITICAL = zap.NewStdLog(named)
		if l, err := zap.NewStdLogAt(named, zap.WarnLevel); err == nil {
			mqtt.WARN = l
		}
	})
}

// BrokerURL renders the paho broker URL for the given options
func BrokerURL(opts publisher.ConnectOptions) string {
	scheme := "tcp"
	if opts.CACertPath != "" {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port)
}

// pahoClient adapts a paho client to publisher.BrokerClient
type pahoClient struct {
	client  mqtt.Client
	cb      publisher.Callbacks
	logger  *zap.Logger
	timeout time.Duration
}

// Ensure pahoClient implements publisher.BrokerClient
var _ publisher.BrokerClient = (*pahoClient)(nil)

// NewPahoFactory returns a ClientFactory backed by the Eclipse paho client, with
// automatic reconnection and connect retry enabled.
func NewPahoFactory(logger *zap.Logger) publisher.ClientFactory {
	return func(opts publisher.ConnectOptions, cb publisher.Callbacks) (publisher.BrokerClient, error) {
		co := mqtt.NewClientOptions().
			AddBroker(BrokerURL(opts)).
			SetClientID(opts.ClientID).
			SetCleanSession(true).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(5 * time.Second).
			SetConnectTimeout(opts.ConnectTimeout).
			SetMaxReconnectInterval(opts.MaxReconnectInterval)

		if opts.Credentials != nil {
			co.SetCredentialsProvider(func() (string, string) {
				return opts.Credentials()
			})
		} else {
			co.SetUsername(opts.Username)
			co.SetPassword(opts.Password)
		}

		if opts.CACertPath != "" {
			tlsConfig, err := LoadTLSConfig(opts.CACertPath)
			if err != nil {
				return nil, err
			}
			co.SetTLSConfig(tlsConfig)
		}

		c := &pahoClient{
			cb:      cb,
			logger:  logger.Named("paho"),
			timeout: opts.ConnectTimeout,
		}

		co.SetOnConnectHandler(func(mqtt.Client) {
			if cb.OnConnect != nil {
				cb.OnConnect()
			}
		})
		co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if cb.OnConnectionLost != nil {
				cb.OnConnectionLost(err)
			}
		})
		co.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			if cb.OnReconnecting != nil {
				cb.OnReconnecting()
			}
		})
		co.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if cb.OnMessage != nil {
				cb.OnMessage(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
			}
		})

		c.client = mqtt.NewClient(co)
		return c, nil
	}
}

// Connect starts connecting in the background. Failures of the first attempt
// are reported through OnConnectError while paho keeps retrying.
func (c *pahoClient) Connect() error {
	token := c.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil && c.cb.OnConnectError != nil {
			c.cb.OnConnectError(err)
		}
	}()
	return nil
}

// Disconnect closes the connection, giving in-flight work 250ms to finish
func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// Publish queues a message. It does not wait for delivery.
func (c *pahoClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	token := c.client.Publish(topic, qos, retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

// Subscribe subscribes and waits for the broker's acknowledgement
func (c *pahoClient) Subscribe(pattern string, qos byte) error {
	token := c.client.Subscribe(pattern, qos, nil)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe %q: timed out after %s", pattern, c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %q: %w", pattern, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		c.logger.Debug("Subscription granted", zap.Any("granted", st.Result()))
	}
	return nil
}
