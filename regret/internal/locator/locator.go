// Package locator finds the refresh trigger and the feed container inside a
// volatile, host-mutated tree. Lookups are selector-driven with a cached
// fast path: a successful discovery persists a short selector which is
// revalidated on every later call and dropped the moment it stops holding.
package locator

import (
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/classify"
)

// defaultTriggerSelectors are known structural selectors for the refresh
// control, most specific first.
var defaultTriggerSelectors = []string{
	".feed-roll-btn .roll-btn",
	".roll-btn",
	"button.primary-btn.roll-btn",
	".flexible-roll-btn",
}

// defaultTriggerTexts match the control by its label when every structural
// selector misses.
var defaultTriggerTexts = []string{
	"换一换",
	"刷新",
	"refresh",
}

// defaultCardSelectorLists are tried in order; the first list yielding at
// least MinCards matches wins.
var defaultCardSelectorLists = [][]string{
	{".recommended-container .feed-card", ".recommended-container .bili-video-card"},
	{".bili-feed4 .feed-card", ".bili-feed4 .bili-video-card"},
	{".feed-card", ".bili-video-card", ".video-card"},
}

// Options tunes discovery.
type Options struct {
	// MinCards is the minimum content-link count for a region to qualify
	// as the container. Default: 4.
	MinCards int
	// TriggerSelectors overrides the built-in candidate list.
	TriggerSelectors []string
	// TriggerTexts overrides the label fallback patterns.
	TriggerTexts []string
	// CardSelectorLists overrides the structural card selectors.
	CardSelectorLists [][]string
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MinCards <= 0 {
		o.MinCards = 4
	}
	if len(o.TriggerSelectors) == 0 {
		o.TriggerSelectors = defaultTriggerSelectors
	}
	if len(o.TriggerTexts) == 0 {
		o.TriggerTexts = defaultTriggerTexts
	}
	if len(o.CardSelectorLists) == 0 {
		o.CardSelectorLists = defaultCardSelectorLists
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Locator performs trigger and container discovery over a mirror root.
// It is not safe for concurrent use; the session owns one.
type Locator struct {
	opts  Options
	rules *classify.Rules

	// Cached short selectors from the last successful discovery.
	triggerSel   string
	containerSel string
}

// New creates a Locator with the given rules and options.
func New(rules *classify.Rules, opts Options) *Locator {
	opts.defaults()
	return &Locator{opts: opts, rules: rules}
}

// MinCards exposes the configured container threshold.
func (l *Locator) MinCards() int { return l.opts.MinCards }

// FindTrigger locates the refresh control under root. Returns nil when the
// page is not ready; callers retry.
func (l *Locator) FindTrigger(root *html.Node) *html.Node {
	// Fast path: revalidate the cached selector.
	if l.triggerSel != "" {
		if n := dom.Query(root, l.triggerSel); n != nil {
			return n
		}
		l.opts.Logger.Debug("locator: cached trigger selector went stale", "selector", l.triggerSel)
		l.triggerSel = ""
	}

	for _, sel := range l.opts.TriggerSelectors {
		if n := dom.Query(root, sel); n != nil {
			l.triggerSel = shortSelector(n)
			return n
		}
	}

	// Generic fallback: any activatable element whose label or class hints
	// at a refresh action.
	if n := l.findTriggerByText(root); n != nil {
		l.triggerSel = shortSelector(n)
		return n
	}
	return nil
}

// FindContainer locates the feed container under root. The trigger, when
// already known, strengthens the ancestor test; nil is accepted.
func (l *Locator) FindContainer(root, trigger *html.Node) *html.Node {
	if l.containerSel != "" {
		if n := dom.Query(root, l.containerSel); n != nil &&
			l.rules.ContentLinkCount(n) >= l.opts.MinCards {
			return n
		}
		l.opts.Logger.Debug("locator: cached container selector went stale", "selector", l.containerSel)
		l.containerSel = ""
	}

	cards := l.findCards(root)
	if len(cards) < l.opts.MinCards {
		return nil
	}

	container := l.containerFromCard(root, cards[0], trigger)
	if container == nil {
		return nil
	}
	l.containerSel = shortSelector(container)
	return container
}

// Invalidate drops both cached selectors, forcing full rediscovery.
func (l *Locator) Invalidate() {
	l.triggerSel = ""
	l.containerSel = ""
}

// findCards gathers candidate content nodes: first structural selector list
// to reach the threshold wins, otherwise a generic content-link scan.
func (l *Locator) findCards(root *html.Node) []*html.Node {
	for _, list := range l.opts.CardSelectorLists {
		var cards []*html.Node
		for _, sel := range list {
			cards = append(cards, dom.QueryAll(root, sel)...)
		}
		if len(cards) >= l.opts.MinCards {
			return cards
		}
	}

	// Generic fallback: the closest element-ancestor of each content link.
	var cards []*html.Node
	seen := map[*html.Node]bool{}
	for _, a := range dom.QueryAll(root, "a[href]") {
		if !l.rules.MatchesLink(dom.Attr(a, "href")) {
			continue
		}
		card := a.Parent
		if card != nil && dom.IsElement(card) && !seen[card] {
			seen[card] = true
			cards = append(cards, card)
		}
	}
	if len(cards) >= l.opts.MinCards {
		return cards
	}
	return nil
}

// containerFromCard walks up from the first card to the nearest ancestor
// that still holds enough content links and either contains the trigger or
// looks like a grid/flex region.
func (l *Locator) containerFromCard(root, card, trigger *html.Node) *html.Node {
	for n := card.Parent; n != nil && n != root; n = n.Parent {
		if !dom.IsElement(n) {
			continue
		}
		if l.rules.ContentLinkCount(n) < l.opts.MinCards {
			continue
		}
		if trigger != nil && dom.Contains(n, trigger) {
			return n
		}
		if hasGridLayout(n) {
			return n
		}
	}
	return nil
}

func (l *Locator) findTriggerByText(root *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if isActivatable(n) {
			label := dom.Text(n)
			class := strings.ToLower(dom.Attr(n, "class"))
			for _, t := range l.opts.TriggerTexts {
				if strings.Contains(label, t) {
					found = n
					return
				}
			}
			for _, hint := range []string{"roll", "refresh", "change-btn", "shuffle"} {
				if strings.Contains(class, hint) {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func isActivatable(n *html.Node) bool {
	if !dom.IsElement(n) {
		return false
	}
	switch n.DataAtom {
	case atom.Button, atom.A:
		return true
	}
	return strings.EqualFold(dom.Attr(n, "role"), "button")
}

// hasGridLayout approximates a computed-style check on the mirror: inline
// style or class naming indicating a grid/flex region.
func hasGridLayout(n *html.Node) bool {
	style := strings.ToLower(dom.Attr(n, "style"))
	if strings.Contains(style, "display:grid") || strings.Contains(style, "display: grid") ||
		strings.Contains(style, "display:flex") || strings.Contains(style, "display: flex") {
		return true
	}
	class := strings.ToLower(dom.Attr(n, "class"))
	for _, hint := range []string{"grid", "flex", "container", "feed"} {
		if strings.Contains(class, hint) {
			return true
		}
	}
	return false
}

// shortSelector derives a cheap revalidation selector: id when present,
// otherwise tag plus first class, otherwise bare tag.
func shortSelector(n *html.Node) string {
	if id := dom.Attr(n, "id"); id != "" {
		return "#" + id
	}
	if classes := strings.Fields(dom.Attr(n, "class")); len(classes) > 0 {
		return n.Data + "." + classes[0]
	}
	return n.Data
}
