// Package recovery catches panics in the tunnel engine's pumps so a bug
// handling one packet, chunk, or connection doesn't take the whole process
// down. Every pump in internal/engine defers one of these at the point
// where it handles a single item, so the for/select loop around it keeps
// running after a panic instead of the goroutine silently dying.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it with the provided logger,
// including a stack trace. Deferred at the top of a goroutine (an engine
// pump's goroutine as a last-resort backstop, a detached send, a session
// reader task); the per-item pump wrappers use RecoverWithCallback.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(e.logger, "engine.Engine.outboundPump.send")
//	    e.sendAndAwaitAck(ctx, pkt)
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}

// RecoverWithCallback recovers a panic, logs it like RecoverWithLog, and
// additionally invokes callback with the recovered value — used where the
// engine needs to count a recovered panic against a metric in addition to
// logging it.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
		if callback != nil {
			callback(r)
		}
	}
}
