// Package observe holds the scheduling primitives of the change watcher:
// the quiet-period debouncer that collapses mutation bursts into one
// stabilization event, and the internal-navigation guard that keeps the
// engine from mistaking its own DOM writes for host content.
package observe

import (
	"sync"
	"time"
)

// Notice is one qualifying mutation report from the container observer:
// a batch that added or removed child nodes.
type Notice struct {
	Added   int
	Removed int
	At      time.Time
}

// Qualifies reports whether the batch touches the child list at all.
// Attribute/text churn does not restart the quiet period.
func (n Notice) Qualifies() bool {
	return n.Added > 0 || n.Removed > 0
}

// Debouncer restarts a fixed quiet-period timer on every qualifying
// notice. Its channel fires once per burst, when the burst has been quiet
// for the full window. Owned by the session loop; not concurrency-safe.
type Debouncer struct {
	quiet   time.Duration
	timer   *time.Timer
	timerCh <-chan time.Time
	noticed int
}

// NewDebouncer creates a Debouncer with the given quiet window.
// A non-positive window falls back to 800ms.
func NewDebouncer(quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = 800 * time.Millisecond
	}
	return &Debouncer{quiet: quiet}
}

// Note records a qualifying batch and (re)starts the quiet-period timer.
func (d *Debouncer) Note() {
	d.noticed++
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.quiet)
	d.timerCh = d.timer.C
}

// C returns the channel that fires when the burst has stabilized. Nil
// while no notice is pending, which a select simply never picks.
func (d *Debouncer) C() <-chan time.Time {
	return d.timerCh
}

// Pending reports whether notices arrived since the last Settle.
func (d *Debouncer) Pending() bool {
	return d.noticed > 0
}

// Settle consumes the pending burst: returns how many notices it covered
// and disarms the timer.
func (d *Debouncer) Settle() int {
	n := d.noticed
	d.noticed = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
	return n
}

// Guard is the internal-navigation flag. While held, the change watcher
// drops every mutation batch and trigger activations are ignored: the DOM
// writes in flight are the engine's own restore. Released on a timer so
// straggler mutations from the swap stay covered by a short grace period.
type Guard struct {
	mu      sync.Mutex
	held    bool
	release *time.Timer
}

// Acquire raises the flag, cancelling any pending release.
func (g *Guard) Acquire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release != nil {
		g.release.Stop()
		g.release = nil
	}
	g.held = true
}

// ReleaseAfter drops the flag once the grace delay elapses.
func (g *Guard) ReleaseAfter(grace time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release != nil {
		g.release.Stop()
	}
	g.release = time.AfterFunc(grace, func() {
		g.mu.Lock()
		g.held = false
		g.release = nil
		g.mu.Unlock()
	})
}

// Held reports whether an internally-initiated navigation is in progress.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
