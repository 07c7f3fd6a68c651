// Package config loads the agent configuration file and environment switches
// and turns them into the component configurations.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/mqagents/internal/auth"
	"github.com/rmacdonaldsmith/mqagents/internal/clock"
	"github.com/rmacdonaldsmith/mqagents/internal/expr"
	"github.com/rmacdonaldsmith/mqagents/internal/feed"
	"github.com/rmacdonaldsmith/mqagents/internal/publisher"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

// Agent kinds, one per subcommand
const (
	KindClock      = "clock"
	KindTranscribe = "transcribe"
	KindFeed       = "feed"
)

// Environment switches
const (
	EnvDryRun   = "DRYRUN"
	EnvDebug    = "DEBUG"
	EnvPassword = "MQAGENT_PASSWORD"
)

var defaultIntervals = map[string]time.Duration{
	KindClock:      10 * time.Second,
	KindTranscribe: 60 * time.Second,
	KindFeed:       300 * time.Second,
}

var (
	// ErrUnknownKind is returned for an agent kind without defaults
	ErrUnknownKind = errors.New("unknown agent kind")
	// ErrNoRules is returned when the transcriber has nothing to run
	ErrNoRules = errors.New("transcriber needs at least one rule")
	// ErrRuleExpression is returned when a rule declares zero or several expressions
	ErrRuleExpression = errors.New("rule must declare exactly one of script, script_file or forward")
	// ErrEmptyRuleName is returned for a rule without a name
	ErrEmptyRuleName = errors.New("rule name cannot be empty")
	// ErrDuplicateRule is returned when two rules share a name
	ErrDuplicateRule = errors.New("duplicate rule name")
)

// Config is the root of the configuration file
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Service     ServiceConfig     `yaml:"service"`
	Metrics     ListenConfig      `yaml:"metrics"`
	Health      ListenConfig      `yaml:"health"`
	Clock       ClockConfig       `yaml:"clock"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Feed        feed.Config       `yaml:"feed"`

	// Debug is set from the environment or the command line
	Debug bool `yaml:"debug"`
}

// BrokerConfig describes how to reach the broker
type BrokerConfig struct {
	Host        string    `yaml:"host"`
	Port        int       `yaml:"port"`
	Username    string    `yaml:"username"`
	Password    string    `yaml:"password"`
	CACert      string    `yaml:"ca_cert"`
	ClientID    string    `yaml:"client_id"`
	TopicPrefix string    `yaml:"topic_prefix"`
	JWT         JWTConfig `yaml:"jwt"`
}

// JWTConfig enables signed token passwords when Secret is set
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// ServiceConfig controls the publishing loop
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	Interval     time.Duration `yaml:"interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DryRun       bool          `yaml:"dry_run"`
	DryRunLevel  string        `yaml:"dry_run_level"`
	// MaintenanceFactor scales the midnight window; nil means the default, 0 disables
	MaintenanceFactor *float64 `yaml:"maintenance_factor"`
}

// ListenConfig is an optional listener; an empty Addr disables it
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// Enabled reports whether the listener should run
func (l ListenConfig) Enabled() bool {
	return l.Addr != ""
}

// ClockConfig configures the clock agent
type ClockConfig struct {
	Calendars []string `yaml:"calendars"`
	TimeZones []string `yaml:"time_zones"`
}

// TranscriberConfig configures the transcribe agent
type TranscriberConfig struct {
	Delay time.Duration `yaml:"delay"`
	Rules []RuleConfig  `yaml:"rules"`
}

// RuleConfig declares one transcriber rule
type RuleConfig struct {
	Name       string         `yaml:"name"`
	Topics     []string       `yaml:"topics"`
	Script     string         `yaml:"script"`
	ScriptFile string         `yaml:"script_file"`
	Entry      string         `yaml:"entry"`
	Timeout    time.Duration  `yaml:"timeout"`
	Forward    *ForwardConfig `yaml:"forward"`
}

// ForwardConfig declares a forward expression
type ForwardConfig struct {
	To   string `yaml:"to"`
	Path string `yaml:"path"`
	// QoS of the forwarded message; nil means the default QoS 2
	QoS      *byte `yaml:"qos"`
	Retain   bool  `yaml:"retain"`
	OnChange bool  `yaml:"on_change"`
}

// Load reads a configuration file. An empty path yields an empty configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown fields
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// ApplyEnv applies the environment switches. Any non-empty value enables a switch.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv(EnvDryRun) != "" {
		c.Service.DryRun = true
	}
	if getenv(EnvDebug) != "" {
		c.Debug = true
	}
	if pw := getenv(EnvPassword); pw != "" {
		c.Broker.Password = pw
	}
}

// SetDefaults sets sensible default values for unset fields of one agent kind
func (c *Config) SetDefaults(kind string) error {
	interval, ok := defaultIntervals[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if c.Service.Name == "" {
		c.Service.Name = kind
	}
	if c.Service.Interval <= 0 {
		c.Service.Interval = interval
	}
	if c.Service.DryRunLevel == "" {
		c.Service.DryRunLevel = zapcore.WarnLevel.String()
	}
	if kind == KindFeed {
		c.Feed.SetDefaults()
	}
	return nil
}

// Validate checks the sections one agent kind needs
func (c *Config) Validate(kind string) error {
	if _, err := zapcore.ParseLevel(c.Service.DryRunLevel); err != nil {
		return fmt.Errorf("invalid dry_run_level: %w", err)
	}

	switch kind {
	case KindClock:
		return nil
	case KindFeed:
		return c.Feed.Validate()
	case KindTranscribe:
		return c.Transcriber.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Validate checks rule declarations
func (t *TranscriberConfig) Validate() error {
	if len(t.Rules) == 0 {
		return ErrNoRules
	}
	seen := make(map[string]bool, len(t.Rules))
	for _, r := range t.Rules {
		if r.Name == "" {
			return ErrEmptyRuleName
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name)
		}
		seen[r.Name] = true

		declared := 0
		for _, set := range []bool{r.Script != "", r.ScriptFile != "", r.Forward != nil} {
			if set {
				declared++
			}
		}
		if declared != 1 {
			return fmt.Errorf("%w: rule %s", ErrRuleExpression, r.Name)
		}
		if r.Forward != nil && r.Forward.QoS != nil {
			if err := expr.CheckQoS(int64(*r.Forward.QoS)); err != nil {
				return fmt.Errorf("rule %s: %w", r.Name, err)
			}
		}
	}
	return nil
}

// Publisher builds the publisher configuration. SetDefaults must have run.
func (c *Config) Publisher() (*publisher.Config, error) {
	level, err := zapcore.ParseLevel(c.Service.DryRunLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid dry_run_level: %w", err)
	}

	pc := publisher.NewConfig(c.Service.Name, c.Broker.Host, c.Service.Interval).
		WithPort(c.Broker.Port).
		WithCACert(c.Broker.CACert).
		WithClientID(c.Broker.ClientID).
		WithTopicPrefix(c.Broker.TopicPrefix).
		WithDryRun(c.Service.DryRun, level)
	if c.Service.PollInterval > 0 {
		pc.WithPollInterval(c.Service.PollInterval)
	}
	if c.Service.MaintenanceFactor != nil {
		pc.WithMaintenanceFactor(*c.Service.MaintenanceFactor)
	}

	if c.Broker.JWT.Secret != "" {
		jwtAuth, err := auth.NewJWTAuth(c.Broker.JWT.Secret, c.Broker.JWT.Issuer, c.Broker.JWT.TTL)
		if err != nil {
			return nil, err
		}
		// Tokens carry the client ID, so it must be fixed first
		pc.SetDefaults()
		source := auth.NewTokenSource(jwtAuth, pc.ClientID, pc.TopicPrefix)
		pc.WithCredentialsProvider(source.Credentials)
	} else if c.Broker.Username != "" || c.Broker.Password != "" {
		pc.WithCredentials(c.Broker.Username, c.Broker.Password)
	}

	return pc, nil
}

// ClockService returns the clock section as a clock.Config
func (c *Config) ClockService() clock.Config {
	return clock.Config{
		Calendars: c.Clock.Calendars,
		TimeZones: c.Clock.TimeZones,
	}
}

// Expression builds the rule's expression, reading script files as needed
func (r RuleConfig) Expression() (transcribe.Expression, error) {
	if r.Forward != nil {
		return &expr.Forward{
			To:       r.Forward.To,
			Path:     r.Forward.Path,
			QoS:      r.Forward.QoS,
			Retain:   r.Forward.Retain,
			OnChange: r.Forward.OnChange,
		}, nil
	}

	source := r.Script
	if r.ScriptFile != "" {
		data, err := os.ReadFile(r.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("rule %s: failed to read script: %w", r.Name, err)
		}
		source = string(data)
	}

	var opts []expr.ScriptOption
	if r.Entry != "" {
		opts = append(opts, expr.WithEntryPoint(r.Entry))
	}
	if r.Timeout > 0 {
		opts = append(opts, expr.WithTimeout(r.Timeout))
	}
	script, err := expr.NewScript(r.Name, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return script, nil
}
