// Package publisher implements the connection lifecycle manager: one broker
// session, a fixed-interval publish loop and a daily maintenance stop.
package publisher

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

const (
	// DefaultPort is the plain MQTT port
	DefaultPort = 1883
	// DefaultTLSPort is the MQTT over TLS port, used when a CA file is configured
	DefaultTLSPort = 8883
	// MinInterval is the shortest allowed publish interval
	MinInterval = time.Second
	// DefaultMaintenanceFactor scales the interval into the midnight maintenance window
	DefaultMaintenanceFactor = 1.5
	// DefaultPollInterval is how often the idle wait checks for a stop request
	DefaultPollInterval = time.Second
)

var (
	// ErrEmptyName is returned when the service name is empty
	ErrEmptyName = errors.New("service name cannot be empty")
	// ErrEmptyHost is returned when the broker host is empty
	ErrEmptyHost = errors.New("broker host cannot be empty")
	// ErrInvalidPort is returned when the broker port is out of range
	ErrInvalidPort = errors.New("broker port must be between 1 and 65535")
	// ErrIntervalTooShort is returned for publish intervals under MinInterval
	ErrIntervalTooShort = errors.New("interval must be at least 1s")
	// ErrInvalidMaintenanceFactor is returned for a negative maintenance factor
	ErrInvalidMaintenanceFactor = errors.New("maintenance factor cannot be negative")
)

// Config holds configuration for an IntervalPublisher
type Config struct {
	// Name identifies the service in logs and the default client ID
	Name string

	// Broker connection. A non-empty CACertPath enables TLS.
	Host       string
	Port       int
	Username   string
	Password   string
	CACertPath string
	ClientID   string

	// Credentials, when set, supplies username and password on every connect
	Credentials func() (username, password string)

	// TopicPrefix is joined with every published subtopic
	TopicPrefix string

	// Interval between OnInterval calls
	Interval time.Duration

	// DryRun logs publishes at DryRunLevel instead of sending them
	DryRun      bool
	DryRunLevel zapcore.Level

	// MaintenanceFactor sets the midnight window to Interval*MaintenanceFactor.
	// Zero disables the maintenance stop.
	MaintenanceFactor float64

	// PollInterval bounds how long a stop request can go unnoticed
	PollInterval time.Duration

	// Subscriptions are issued on every (re)connect
	Subscriptions []publisher.Subscription

	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
}

// NewConfig creates a configuration with safe defaults
func NewConfig(name, host string, interval time.Duration) *Config {
	return &Config{
		Name:              name,
		Host:              host,
		Interval:          interval,
		DryRunLevel:       zapcore.WarnLevel,
		MaintenanceFactor: DefaultMaintenanceFactor,
		PollInterval:      DefaultPollInterval,
	}
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		if c.CACertPath != "" {
			c.Port = DefaultTLSPort
		} else {
			c.Port = DefaultPort
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("%s-%s", c.Name, uuid.NewString()[:8])
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = 2 * time.Minute
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrEmptyName
	}
	if c.Host == "" {
		return ErrEmptyHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.Interval < MinInterval {
		return fmt.Errorf("%w: %s", ErrIntervalTooShort, c.Interval)
	}
	if c.MaintenanceFactor < 0 {
		return ErrInvalidMaintenanceFactor
	}
	return nil
}

// WithPort sets the broker port
func (c *Config) WithPort(port int) *Config {
	c.Port = port
	return c
}

// WithCredentials sets a static username and password
func (c *Config) WithCredentials(username, password string) *Config {
	c.Username = username
	c.Password = password
	return c
}

// WithCredentialsProvider sets a provider consulted on every connect
func (c *Config) WithCredentialsProvider(provider func() (string, string)) *Config {
	c.Credentials = provider
	return c
}

// WithCACert enables TLS with the given CA certificate file
func (c *Config) WithCACert(path string) *Config {
	c.CACertPath = path
	return c
}

// WithClientID sets the MQTT client identifier
func (c *Config) WithClientID(id string) *Config {
	c.ClientID = id
	return c
}

// WithTopicPrefix sets the publish topic prefix
func (c *Config) WithTopicPrefix(prefix string) *Config {
	c.TopicPrefix = prefix
	return c
}

// WithDryRun enables dry-run publishing, logged at level
func (c *Config) WithDryRun(dryRun bool, level zapcore.Level) *Config {
	c.DryRun = dryRun
	c.DryRunLevel = level
	return c
}

// WithMaintenanceFactor sets the maintenance window factor; 0 disables it
func (c *Config) WithMaintenanceFactor(factor float64) *Config {
	c.MaintenanceFactor = factor
	return c
}

// WithPollInterval sets the stop poll granularity
func (c *Config) WithPollInterval(d time.Duration) *Config {
	c.PollInterval = d
	return c
}

// WithSubscriptions sets the subscriptions issued on connect
func (c *Config) WithSubscriptions(subs []publisher.Subscription) *Config {
	c.Subscriptions = subs
	return c
}

// connectOptions renders the broker part of the configuration
func (c *Config) connectOptions() publisher.ConnectOptions {
	return publisher.ConnectOptions{
		Host:                 c.Host,
		Port:                 c.Port,
		ClientID:             c.ClientID,
		Username:             c.Username,
		Password:             c.Password,
		CACertPath:           c.CACertPath,
		Credentials:          c.Credentials,
		ConnectTimeout:       c.ConnectTimeout,
		MaxReconnectInterval: c.MaxReconnectInterval,
	}
}
