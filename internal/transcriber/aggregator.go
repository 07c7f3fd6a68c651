package transcriber

import (
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/internal/metrics"
	"github.com/rmacdonaldsmith/mqagents/internal/routingtable"
	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

// Aggregator runs several rules under one broker connection.
//
// The broker is asked for the merged topic set of all rules, but delivery never
// uses it: every message is offered to every rule, each matching on its own set.
type Aggregator struct {
	rules   []*Rule
	merged  *routingtable.SubscriptionSet
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Ensure Aggregator implements publisher.Handler
var _ publisher.Handler = (*Aggregator)(nil)

// NewAggregator creates an aggregator over rules, in delivery order.
func NewAggregator(rules []*Rule, opts ...Option) *Aggregator {
	o := buildOptions(opts)

	sets := make([]*routingtable.SubscriptionSet, len(rules))
	for i, rule := range rules {
		sets[i] = rule.Topics()
	}
	merged := routingtable.Merge(sets...)

	a := &Aggregator{
		rules:   rules,
		merged:  merged,
		logger:  o.logger.Named("aggregator"),
		metrics: o.metrics,
	}
	a.logger.Info("Aggregated transcribers",
		zap.Int("transcribers", len(rules)),
		zap.Int("literals", len(merged.Literals())),
		zap.Int("prefixes", len(merged.Prefixes())))
	return a
}

// Rules returns the aggregated rules
func (a *Aggregator) Rules() []*Rule {
	return a.rules
}

// Subscriptions returns the merged broker subscriptions at the default QoS
func (a *Aggregator) Subscriptions() []publisher.Subscription {
	return a.merged.Subscriptions(transcribe.DefaultQoS)
}

// SetPublisher sets the publisher of every rule
func (a *Aggregator) SetPublisher(p transcribe.Publisher) {
	for _, rule := range a.rules {
		rule.SetPublisher(p)
	}
}

// OnConnected forwards to every rule
func (a *Aggregator) OnConnected(ts time.Time, connectCount int) {
	for _, rule := range a.rules {
		rule.OnConnected(ts, connectCount)
	}
}

// OnDisconnected forwards to every rule
func (a *Aggregator) OnDisconnected(ts time.Time, clean bool) {
	for _, rule := range a.rules {
		rule.OnDisconnected(ts, clean)
	}
}

// OnInterval does nothing; rules are driven by messages and their own ticks.
func (a *Aggregator) OnInterval(ts time.Time) {}

// OnReceive offers the message to every rule
func (a *Aggregator) OnReceive(ts time.Time, topic string, message []byte, qos byte, retain bool) {
	a.Offer(ts, topic, message, qos, retain)
}

// Offer offers the message to every rule in order and returns how many claimed it.
func (a *Aggregator) Offer(ts time.Time, topic string, message []byte, qos byte, retain bool) int {
	claimed := 0
	for _, rule := range a.rules {
		if rule.OnReceive(ts, topic, message, qos, retain) {
			claimed++
		}
	}

	if claimed == 0 {
		a.metrics.Unclaimed()
		a.logger.Warn("Message for topic without transcriber", zap.String("topic", topic))
	} else {
		a.logger.Info("Message processed by transcribers", zap.String("topic", topic), zap.Int("transcribers", claimed))
	}
	return claimed
}
