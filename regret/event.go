package regret

import (
	"context"
	"time"
)

// EventKind enumerates the journaled engine events.
type EventKind string

const (
	EventBound         EventKind = "bound"          // trigger + container discovered and wired
	EventCaptureOld    EventKind = "capture_old"    // pre-refresh state stored
	EventCaptureNew    EventKind = "capture_new"    // post-refresh state stabilized and stored
	EventUndo          EventKind = "undo"           // old state restored
	EventRedo          EventKind = "redo"           // new state restored
	EventDenied        EventKind = "denied"         // undo/redo refused by precondition
	EventRestoreFailed EventKind = "restore_failed" // swap could not complete
)

// Event is one journaled engine occurrence.
type Event struct {
	Kind   EventKind
	PageID string
	Cards  int    // card count involved, when meaningful
	Detail string // free text: digests, denial reasons, selectors
	At     time.Time
}

// Recorder persists engine events. Implementations must not block the
// session loop on failure; errors are theirs to log.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// nopRecorder is the default when no journal is wired.
type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}
