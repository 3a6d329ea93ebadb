// Package safego launches background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine under a recover guard. A panicking fn is
// logged with its stack under the given name instead of killing the process.
// Every fire-and-forget goroutine in the server goes through here; a panic in
// a detached goroutine would otherwise terminate it silently.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background goroutine panicked",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
