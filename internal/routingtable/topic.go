// Package routingtable classifies subscription patterns and resolves topics against them.
//
// Two kinds of pattern are supported: literal topics, matched exactly, and prefix
// patterns ending in the multi-level wildcard '#', matched by string prefix. The
// single-level wildcard '+' is rejected.
package routingtable

import (
	"errors"
	"sort"
	"strings"
)

const (
	// MultiLevelWildcard marks a prefix pattern when it is the last character
	MultiLevelWildcard = "#"

	// SingleLevelWildcard is not supported
	SingleLevelWildcard = "+"
)

var (
	// ErrInvalidTopic is returned for patterns with more than one '#' or a '#' that is not trailing
	ErrInvalidTopic = errors.New("invalid topic pattern")
	// ErrUnsupportedWildcard is returned for patterns using the single-level wildcard
	ErrUnsupportedWildcard = errors.New("unsupported single-level wildcard in topic pattern")
)

// Kind is the classification of a subscription pattern
type Kind int

const (
	KindInvalid Kind = iota
	KindUnsupported
	KindLiteral
	KindPrefix
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindUnsupported:
		return "unsupported"
	case KindLiteral:
		return "literal"
	case KindPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Classify returns the kind of pattern and its stored form: the pattern itself for
// literals, the pattern without its trailing '#' for prefixes.
func Classify(pattern string) (Kind, string) {
	if strings.Contains(pattern, SingleLevelWildcard) {
		return KindUnsupported, ""
	}

	switch strings.Count(pattern, MultiLevelWildcard) {
	case 0:
		return KindLiteral, pattern
	case 1:
		if strings.HasSuffix(pattern, MultiLevelWildcard) {
			return KindPrefix, strings.TrimSuffix(pattern, MultiLevelWildcard)
		}
	}
	return KindInvalid, ""
}

// Covers reports whether prefix p covers topic (or prefix) t.
func Covers(p, t string) bool {
	return strings.HasPrefix(t, p)
}

// InsertPrefix removes every prefix in set that p covers, then inserts p.
// The removed prefixes are returned in sorted order.
func InsertPrefix(p string, set map[string]struct{}) []string {
	var removed []string
	for q := range set {
		if Covers(p, q) {
			delete(set, q)
			removed = append(removed, q)
		}
	}
	set[p] = struct{}{}
	sort.Strings(removed)
	return removed
}

// FindCovering returns the stored prefix that topic starts with. When set is an
// antichain there is at most one.
func FindCovering(topic string, set map[string]struct{}) (string, bool) {
	for p := range set {
		if Covers(p, topic) {
			return p, true
		}
	}
	return "", false
}
