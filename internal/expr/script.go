// Package expr provides rule expressions that can be declared in configuration:
// JavaScript functions run by goja, and JSON-path forwards.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

const (
	// DefaultEntryPoint is the function a script must define
	DefaultEntryPoint = "transcribe"
	// DefaultTimeout bounds one script invocation
	DefaultTimeout = time.Second
	// MaxScriptSize is the largest accepted script source
	MaxScriptSize = 64 * 1024
)

var (
	// ErrScriptTooLarge is returned for sources over MaxScriptSize
	ErrScriptTooLarge = errors.New("script exceeds maximum size")
	// ErrNoEntryPoint is returned when the entry point is not a function
	ErrNoEntryPoint = errors.New("entry point is not a function")
	// ErrBadResult is returned when a script returns something other than an object
	ErrBadResult = errors.New("script result must be an object, null or undefined")
	// ErrBadQoS is returned for a QoS level other than 0, 1 or 2
	ErrBadQoS = errors.New("qos must be 0, 1 or 2")
)

// CheckQoS reports whether qos is a valid MQTT QoS level
func CheckQoS(qos int64) error {
	if qos < 0 || qos > 2 {
		return fmt.Errorf("%w, got %d", ErrBadQoS, qos)
	}
	return nil
}

// Script is a JavaScript expression. The script defines a function
//
//	function transcribe(ctx, msg) { ... }
//
// where ctx is {timestamp, rule, matched, tick, state} and msg is
// {topic, payload, qos, retain}, or null on a tick. ctx.state is the rule's
// State; changes made to it persist for the connection. The function returns
// null for nothing, or {topic, payload, qos, retain, continue}. A payload that
// is not a string is published as JSON.
//
// A Script keeps one runtime and must only be used by a single rule, whose
// lock serializes the calls.
type Script struct {
	name    string
	entry   string
	timeout time.Duration

	vm *goja.Runtime
	fn goja.Callable
	// logger for the log() builtin, swapped per call
	logger *zap.Logger
}

// ScriptOption configures a Script
type ScriptOption func(*Script)

// WithEntryPoint sets the function name called on each invocation
func WithEntryPoint(name string) ScriptOption {
	return func(s *Script) {
		s.entry = name
	}
}

// WithTimeout bounds each invocation
func WithTimeout(d time.Duration) ScriptOption {
	return func(s *Script) {
		s.timeout = d
	}
}

// NewScript compiles source and resolves its entry point.
func NewScript(name, source string, opts ...ScriptOption) (*Script, error) {
	if len(source) > MaxScriptSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrScriptTooLarge, MaxScriptSize)
	}

	s := &Script{
		name:    name,
		entry:   DefaultEntryPoint,
		timeout: DefaultTimeout,
		vm:      goja.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	if err := s.vm.Set("log", s.log); err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	if _, err := s.vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(s.vm.Get(s.entry))
	if !ok {
		return nil, fmt.Errorf("script %s: %w: %q", name, ErrNoEntryPoint, s.entry)
	}
	s.fn = fn
	return s, nil
}

func (s *Script) log(call goja.FunctionCall) goja.Value {
	args := make([]any, len(call.Arguments))
	for i, arg := range call.Arguments {
		args[i] = arg.Export()
	}
	s.logger.Info("Script log", zap.String("script", s.name), zap.String("message", fmt.Sprint(args...)))
	return goja.Undefined()
}

// Evaluate calls the entry point. A script that runs past its timeout is
// interrupted and reported as an error.
func (s *Script) Evaluate(ctx transcribe.Context, payload *transcribe.Payload) (transcribe.Result, error) {
	if ctx.Logger != nil {
		s.logger = ctx.Logger
	}

	timer := time.AfterFunc(s.timeout, func() {
		s.vm.Interrupt("execution timeout")
	})
	defer func() {
		timer.Stop()
		s.vm.ClearInterrupt()
	}()

	jsCtx := map[string]any{
		"timestamp": float64(ctx.Timestamp.UnixNano()) / 1e9,
		"rule":      ctx.Rule,
		"matched":   ctx.Matched,
		"tick":      ctx.IsTick(),
		"state":     map[string]any(ctx.State),
	}

	var msg any
	if payload != nil {
		msg = map[string]any{
			"topic":   payload.Topic,
			"payload": string(payload.Message),
			"qos":     int(payload.QoS),
			"retain":  payload.Retain,
		}
	}

	value, err := s.fn(goja.Undefined(), s.vm.ToValue(jsCtx), s.vm.ToValue(msg))
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("script %s: %w", s.name, err)
	}
	return toResult(value)
}

func toResult(value goja.Value) (transcribe.Result, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return transcribe.Result{}, nil
	}

	out, ok := value.Export().(map[string]any)
	if !ok {
		return transcribe.Result{}, fmt.Errorf("%w, got %T", ErrBadResult, value.Export())
	}

	var result transcribe.Result
	if cont, _ := out["continue"].(bool); cont {
		result.Continuation = transcribe.Reschedule
	}

	raw, hasPayload := out["payload"]
	topic, hasTopic := out["topic"].(string)
	if !hasPayload && !hasTopic {
		return result, nil
	}

	var body []byte
	switch v := raw.(type) {
	case nil:
	case string:
		body = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return transcribe.Result{}, fmt.Errorf("encode payload: %w", err)
		}
		body = encoded
	}

	msg := transcribe.NewMessage(topic, body)
	if raw, ok := out["qos"]; ok && raw != nil {
		qos, ok := toInt(raw)
		if !ok {
			return transcribe.Result{}, fmt.Errorf("%w, got %v", ErrBadQoS, raw)
		}
		if err := CheckQoS(qos); err != nil {
			return transcribe.Result{}, err
		}
		msg.QoS = byte(qos)
	}
	if retain, _ := out["retain"].(bool); retain {
		msg.Retain = true
	}
	result.Outbound = msg
	return result, nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// Ensure Script implements transcribe.Expression
var _ transcribe.Expression = (*Script)(nil)
