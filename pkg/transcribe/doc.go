// Package transcribe provides the value types shared between transcription rules and
// the expressions they run.
//
// This package defines the core abstractions an expression author deals with:
//   - Context: Per-invocation information (time, rule name, matched pattern, state, logger)
//   - Payload: The inbound broker message that triggered an invocation
//   - Message: An outbound message to publish under the service topic prefix
//   - Result: What an expression returns (optional outbound message + continuation)
//   - Expression: The interface every expression implements
//
// An expression is invoked in two ways:
//   - On receive: a broker message matched one of the rule's topic patterns.
//     Context.Matched holds the pattern and the payload is non-nil.
//   - On tick: the previous invocation asked for a continuation. The rule calls
//     the expression again after a fixed delay with a nil payload and an empty
//     Context.Matched.
//
// Invocations of one rule never overlap, so an expression may mutate Context.State
// without further locking. State is reset on every new broker connection.
//
// Example usage:
//
//	// Count messages and blink a "busy" flag for a few ticks after each one
//	expr := transcribe.ExpressionFunc(func(ctx transcribe.Context, p *transcribe.Payload) (transcribe.Result, error) {
//		if p != nil {
//			ctx.State["ticks"] = 4
//			return transcribe.Emit(transcribe.NewMessage("busy", []byte("1"))).Continue(), nil
//		}
//		left := ctx.State["ticks"].(int) - 1
//		ctx.State["ticks"] = left
//		if left > 0 {
//			return transcribe.Again(), nil
//		}
//		return transcribe.Emit(transcribe.NewMessage("busy", []byte("0"))), nil
//	})
package transcribe
