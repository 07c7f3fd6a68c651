package routingtable

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

// SubscriptionSet holds literal topics and prefix patterns.
//
// Invariants:
//   - prefixes form an antichain: no stored prefix is a prefix of another
//   - no literal is covered by a stored prefix
//
// A set is built once and only read afterwards, so Match is safe for concurrent use.
type SubscriptionSet struct {
	literals map[string]struct{}
	prefixes map[string]struct{}
}

// NewSubscriptionSet creates an empty set. An empty set matches no topic.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{
		literals: make(map[string]struct{}),
		prefixes: make(map[string]struct{}),
	}
}

// Compile builds a set from raw patterns. Overlapping patterns are resolved by
// dropping the narrower entry and logging a warning. An invalid or unsupported
// pattern fails the whole compilation.
func Compile(patterns []string, logger *zap.Logger) (*SubscriptionSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	set := NewSubscriptionSet()
	for _, pattern := range patterns {
		kind, value := Classify(pattern)
		switch kind {
		case KindLiteral:
			if _, exists := set.literals[value]; exists {
				logger.Warn("Duplicate topic", zap.String("topic", value))
				continue
			}
			if p, covered := FindCovering(value, set.prefixes); covered {
				logger.Warn("Topic covered by prefix",
					zap.String("prefix", p+MultiLevelWildcard), zap.String("topic", value))
				continue
			}
			set.literals[value] = struct{}{}

		case KindPrefix:
			removed, ok := set.AddPrefix(value)
			if !ok {
				existing, _ := FindCovering(value, set.prefixes)
				logger.Warn("Topic covered by prefix",
					zap.String("prefix", existing+MultiLevelWildcard),
					zap.String("topic", value+MultiLevelWildcard))
				continue
			}
			if len(removed) > 0 {
				logger.Warn("Prefix covers existing prefixes",
					zap.String("prefix", value+MultiLevelWildcard),
					zap.Strings("removed", withWildcard(removed)))
			}

		case KindUnsupported:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedWildcard, pattern)

		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
		}
	}

	for _, lit := range set.sortedLiterals() {
		if p, covered := FindCovering(lit, set.prefixes); covered {
			logger.Warn("Topic covered by prefix",
				zap.String("prefix", p+MultiLevelWildcard), zap.String("topic", lit))
			delete(set.literals, lit)
		}
	}

	return set, nil
}

// Merge combines sets into one broker-level subscription set: literals are united,
// prefixes are merged keeping the broadest, and literals covered by a merged prefix
// are dropped. The result must not be used to decide delivery to an individual set.
func Merge(sets ...*SubscriptionSet) *SubscriptionSet {
	merged := NewSubscriptionSet()
	for _, s := range sets {
		if s == nil {
			continue
		}
		for p := range s.prefixes {
			merged.AddPrefix(p)
		}
		for lit := range s.literals {
			merged.literals[lit] = struct{}{}
		}
	}
	merged.pruneLiterals()
	return merged
}

// AddPrefix inserts prefix p (stored form, without '#'). If an existing prefix
// already covers p it is not stored and ok is false; otherwise any narrower
// prefixes are removed and returned.
func (s *SubscriptionSet) AddPrefix(p string) (removed []string, ok bool) {
	if _, covered := FindCovering(p, s.prefixes); covered {
		return nil, false
	}
	return InsertPrefix(p, s.prefixes), true
}

// pruneLiterals drops literals covered by a stored prefix and returns them.
func (s *SubscriptionSet) pruneLiterals() []string {
	var dropped []string
	for lit := range s.literals {
		if _, covered := FindCovering(lit, s.prefixes); covered {
			delete(s.literals, lit)
			dropped = append(dropped, lit)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Match resolves topic to the pattern that claims it: an exact literal first,
// else the covering prefix rendered with its trailing '#'.
func (s *SubscriptionSet) Match(topic string) (string, bool) {
	if _, ok := s.literals[topic]; ok {
		return topic, true
	}
	if p, ok := FindCovering(topic, s.prefixes); ok {
		return p + MultiLevelWildcard, true
	}
	return "", false
}

// Literals returns the literal topics in sorted order.
func (s *SubscriptionSet) Literals() []string {
	return s.sortedLiterals()
}

// Prefixes returns the stored prefixes (without '#') in sorted order.
func (s *SubscriptionSet) Prefixes() []string {
	out := make([]string, 0, len(s.prefixes))
	for p := range s.prefixes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of broker subscriptions the set needs.
func (s *SubscriptionSet) Len() int {
	return len(s.literals) + len(s.prefixes)
}

// Subscriptions renders the set as broker subscription requests at the given QoS.
func (s *SubscriptionSet) Subscriptions(qos byte) []publisher.Subscription {
	subs := make([]publisher.Subscription, 0, s.Len())
	for _, lit := range s.sortedLiterals() {
		subs = append(subs, publisher.Subscription{Pattern: lit, QoS: qos})
	}
	for _, p := range s.Prefixes() {
		subs = append(subs, publisher.Subscription{Pattern: p + MultiLevelWildcard, QoS: qos})
	}
	return subs
}

func (s *SubscriptionSet) sortedLiterals() []string {
	out := make([]string, 0, len(s.literals))
	for lit := range s.literals {
		out = append(out, lit)
	}
	sort.Strings(out)
	return out
}

func withWildcard(prefixes []string) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = p + MultiLevelWildcard
	}
	return out
}
