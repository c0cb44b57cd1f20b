// internal/assessment/guard.go
package assessment

import "sync/atomic"

// StartGuard hands out a single start ticket per session lifetime. The
// surrounding caller may re-invoke setup logic (re-initialization, retried
// wiring), so the guard lives on the per-session controller value rather than
// in any single invocation context.
type StartGuard struct {
	granted atomic.Bool
}

// TryAcquire returns true exactly once until Reset is called. All later
// calls return false.
func (g *StartGuard) TryAcquire() bool {
	return g.granted.CompareAndSwap(false, true)
}

// Granted reports whether the ticket has been handed out.
func (g *StartGuard) Granted() bool {
	return g.granted.Load()
}

// Reset voids the ticket. Called only when a new session is explicitly
// begun, or when a start attempt failed before any session came to exist --
// never on mere re-initialization.
func (g *StartGuard) Reset() {
	g.granted.Store(false)
}
