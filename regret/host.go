package regret

import (
	"context"

	"golang.org/x/net/html"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/reconcile"
)

// Host is the live-page collaborator behind a session. The browser
// implementation speaks CDP; tests substitute an in-memory fake that
// mutates the mirror directly.
//
// Node addressing crosses the boundary as structural XPaths computed on
// the mirror (dom.XPath); the host resolves them against the real page.
// Every handle is volatile: the host re-resolves on each call and reports
// failure rather than acting on a stale reference.
type Host interface {
	// Refresh re-pulls the page into the mirror and returns its root.
	Refresh(ctx context.Context) (*html.Node, error)

	// Apply replays a restore plan against the live container.
	Apply(ctx context.Context, containerXPath string, plan *reconcile.Plan) error

	// BindTrigger (re)attaches the activation hook to the live trigger.
	// Rebinding an already-hooked element must be harmless.
	BindTrigger(ctx context.Context, triggerXPath string) error

	// ObserveContainer scopes child-list mutation reporting to the
	// container; events arrive via Session.MutationObserved.
	ObserveContainer(ctx context.Context, containerXPath string) error

	// ObserveDocument toggles the document-wide discovery backstop;
	// events arrive via Session.DocumentMutated.
	ObserveDocument(ctx context.Context, on bool) error

	// Notify shows a transient in-page notice. Best effort.
	Notify(ctx context.Context, message string)
}
