// Package feed polls a JSON HTTP endpoint and republishes selected values.
//
// Every interval the feed is fetched (subject to a rate limit) and a retained
// "stamp" message records when and with what status. Each configured value is
// extracted with a gjson path, optionally digested, and published retained
// under its own subtopic.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

const (
	// DefaultTimeout bounds one fetch
	DefaultTimeout = 10 * time.Second
	// MaxBodySize caps the accepted response size
	MaxBodySize = 4 << 20
)

var (
	// ErrEmptyURL is returned when no feed URL is configured
	ErrEmptyURL = errors.New("feed URL cannot be empty")
	// ErrUnknownDigest is returned for an unsupported digest name
	ErrUnknownDigest = errors.New("unknown digest")
	// ErrBadStatus is returned for non-2xx responses
	ErrBadStatus = errors.New("unexpected HTTP status")
)

// Value selects one published value from the feed
type Value struct {
	Topic  string `yaml:"topic"`
	Path   string `yaml:"path"`
	Digest string `yaml:"digest"`
}

// Config holds configuration for the feed service
type Config struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`

	// MinFetchInterval is the shortest time between two fetches; intervals
	// falling inside it publish nothing.
	MinFetchInterval time.Duration `yaml:"min_fetch_interval"`

	Values []Value `yaml:"values"`
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrEmptyURL
	}
	for _, v := range c.Values {
		if _, ok := digests[v.Digest]; !ok {
			return fmt.Errorf("%w: %q for %s", ErrUnknownDigest, v.Digest, v.Topic)
		}
	}
	return nil
}

// Stamp records the outcome of one fetch
type Stamp struct {
	Fetched int64  `json:"fetched"`
	Status  int    `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Service fetches the feed on every interval. It implements publisher.Handler.
type Service struct {
	config  Config
	pub     transcribe.Publisher
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Ensure Service implements publisher.Handler
var _ publisher.Handler = (*Service)(nil)

// NewService creates a feed service publishing through pub. A nil client uses
// http.DefaultClient.
func NewService(pub transcribe.Publisher, config Config, client *http.Client, logger *zap.Logger) (*Service, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feed config: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if config.MinFetchInterval > 0 {
		limit = rate.Every(config.MinFetchInterval)
	}

	return &Service{
		config:  config,
		pub:     pub,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("feed"),
	}, nil
}

// OnConnected does nothing; retained values from the last fetch stay on the broker
func (s *Service) OnConnected(ts time.Time, connectCount int) {}

// OnDisconnected does nothing
func (s *Service) OnDisconnected(ts time.Time, clean bool) {}

// OnReceive does nothing; the feed subscribes to no topics
func (s *Service) OnReceive(ts time.Time, topic string, message []byte, qos byte, retain bool) {}

// OnInterval fetches the feed and publishes the stamp and values
func (s *Service) OnInterval(ts time.Time) {
	if !s.limiter.AllowN(ts, 1) {
		s.logger.Debug("Fetch skipped by rate limit")
		return
	}

	stamp := Stamp{Fetched: ts.Unix()}
	body, status, err := s.fetch()
	stamp.Status = status
	if err != nil {
		stamp.Error = err.Error()
		s.logger.Warn("Feed fetch failed", zap.String("url", s.config.URL), zap.Int("status", status), zap.Error(err))
	}
	s.publishJSON("stamp", stamp)
	if err != nil {
		return
	}

	doc := gjson.ParseBytes(body)
	for _, v := range s.config.Values {
		value := doc.Get(v.Path)
		if !value.Exists() {
			s.logger.Warn("Feed value missing", zap.String("topic", v.Topic), zap.String("path", v.Path))
			continue
		}
		s.publishJSON(v.Topic, digests[v.Digest](value))
	}
}

func (s *Service) fetch() ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, resp.StatusCode, errors.New("response is not valid JSON")
	}
	return body, resp.StatusCode, nil
}

func (s *Service) publishJSON(subtopic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode value", zap.String("topic", subtopic), zap.Error(err))
		return
	}
	s.pub.Publish(subtopic, data, transcribe.DefaultQoS, true)
}
