// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/apex-audit/apex-audit/internal/telemetry"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered, logged with
// its stack and counted under name in telemetry.GoroutinePanicsTotal. Use it for every
// long-lived worker (queue consumers, pollers, periodic jobs, shippers) so one bad
// record cannot silently kill the goroutine that would have processed the next one.
func Go(name string, fn func()) {
	go Run(name, fn)
}

// Run calls fn on the current goroutine with the same recovery as Go. It reports
// whether fn returned normally.
func Run(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.GoroutinePanicsTotal.WithLabelValues(name).Inc()
			slog.Error("recovered panic in background goroutine",
				"goroutine", name, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
