package expr

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rmacdonaldsmith/mqagents/internal/routingtable"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

var (
	// ErrPathNotFound is returned when a forward's path selects nothing
	ErrPathNotFound = errors.New("path not found in payload")
	// ErrInvalidJSON is returned when a forward with a path receives a non-JSON payload
	ErrInvalidJSON = errors.New("payload is not valid JSON")
)

// Forward republishes matched messages, optionally reduced to one JSON value.
//
// To is the outbound subtopic and may contain the placeholders {topic} (the
// inbound topic) and {suffix} (the inbound topic after the matched prefix).
// Path is a gjson path; when empty the payload is forwarded unchanged. With
// OnChange set, a value equal to the last one forwarded on the same outbound
// topic in this connection is skipped. A nil QoS publishes at
// transcribe.DefaultQoS.
type Forward struct {
	To       string
	Path     string
	QoS      *byte
	Retain   bool
	OnChange bool
}

// Ensure Forward implements transcribe.Expression
var _ transcribe.Expression = (*Forward)(nil)

// Evaluate forwards payload. Ticks are ignored.
func (f *Forward) Evaluate(ctx transcribe.Context, payload *transcribe.Payload) (transcribe.Result, error) {
	if payload == nil {
		return transcribe.Result{}, nil
	}

	body := payload.Message
	if f.Path != "" {
		if !gjson.ValidBytes(body) {
			return transcribe.Result{}, fmt.Errorf("%w: topic %s", ErrInvalidJSON, payload.Topic)
		}
		value := gjson.GetBytes(body, f.Path)
		if !value.Exists() {
			return transcribe.Result{}, fmt.Errorf("%w: %q in topic %s", ErrPathNotFound, f.Path, payload.Topic)
		}
		body = []byte(value.Raw)
		if value.Type == gjson.String {
			body = []byte(value.Str)
		}
	}

	topic := f.topic(ctx.Matched, payload.Topic)
	if f.OnChange {
		key := "forward:" + topic
		if last, ok := ctx.State[key].([]byte); ok && bytes.Equal(last, body) {
			return transcribe.Result{}, nil
		}
		ctx.State[key] = append([]byte(nil), body...)
	}

	msg := transcribe.NewMessage(topic, body)
	if f.QoS != nil {
		if err := CheckQoS(int64(*f.QoS)); err != nil {
			return transcribe.Result{}, err
		}
		msg.QoS = *f.QoS
	}
	msg.Retain = f.Retain
	return transcribe.Emit(msg), nil
}

func (f *Forward) topic(matched, inbound string) string {
	suffix := inbound
	if prefix, ok := strings.CutSuffix(matched, routingtable.MultiLevelWildcard); ok {
		suffix = strings.TrimPrefix(inbound, prefix)
	}
	return strings.NewReplacer("{topic}", inbound, "{suffix}", suffix).Replace(f.To)
}
