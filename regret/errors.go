package regret

import "errors"

var (
	// ErrNotReady means the trigger or container cannot currently be
	// located. Retry later; the page may still be rendering.
	ErrNotReady = errors.New("regret: page not ready")

	// ErrDenied means an undo/redo precondition is unmet: the slot is
	// empty or the view already shows the requested state.
	ErrDenied = errors.New("regret: action not permitted")

	// ErrStopped means the session loop is not running.
	ErrStopped = errors.New("regret: session not running")
)
