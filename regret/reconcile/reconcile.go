// Package reconcile rewrites a live container to display a stored snapshot
// while leaving infrastructure children (trigger, loaders, injected UI)
// untouched in place.
//
// The rewrite is computed and applied on the mirror, and also returned as a
// Plan of index-addressed operations so the browser layer can replay the
// exact same swap against the real page.
package reconcile

import (
	"errors"

	"golang.org/x/net/html"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/classify"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/snapshot"
)

// ErrNotRestorable means container or snapshot were missing/empty. Nothing
// was mutated; callers leave their view state untouched.
var ErrNotRestorable = errors.New("reconcile: container or snapshot unavailable")

// Plan is an index-addressed description of one restore, relative to the
// container's element children as they stood before the swap. The applier
// resolves all references first, then removes in one batch, then inserts,
// so the pre-mutation indexes stay valid throughout.
type Plan struct {
	// RemoveIndexes are element-child indexes to remove, ascending.
	RemoveIndexes []int `json:"remove_indexes"`
	// InsertBefore is the element-child index the clones go in front of;
	// -1 appends at the end.
	InsertBefore int `json:"insert_before"`
	// InsertHTML holds the serialised card clones, in order.
	InsertHTML []string `json:"insert_html"`
}

// Restore swaps the container's content children for fresh clones of the
// snapshot. Preserved in place: the trigger's ancestor within the
// container, the engine's own UI, and every child that is not content
// (sentinels included). Either the swap fully completes, or the container
// is left untouched and ErrNotRestorable is returned.
func Restore(rules *classify.Rules, container, trigger *html.Node, snap *snapshot.Snapshot) (*Plan, error) {
	if container == nil || snap.Len() == 0 {
		return nil, ErrNotRestorable
	}

	children := dom.ElementChildren(container)
	triggerHost := dom.ChildContaining(container, trigger)

	plan := &Plan{InsertBefore: -1}
	var removals []*html.Node
	var anchor *html.Node
	for i, child := range children {
		if child == triggerHost || classify.IsOwnUI(child) || !rules.IsContent(child) {
			if anchor == nil {
				anchor = child
				plan.InsertBefore = i
			}
			continue
		}
		removals = append(removals, child)
		plan.RemoveIndexes = append(plan.RemoveIndexes, i)
	}

	clones := snap.Nodes()
	for _, c := range clones {
		plan.InsertHTML = append(plan.InsertHTML, dom.Render(c))
	}

	// All references resolved; mutate in one pass. Removal first, as a
	// batch, then a single ordered insertion run.
	for _, child := range removals {
		container.RemoveChild(child)
	}
	for _, c := range clones {
		if anchor != nil {
			container.InsertBefore(c, anchor)
		} else {
			container.AppendChild(c)
		}
	}

	return plan, nil
}
