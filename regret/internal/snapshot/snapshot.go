// Package snapshot captures a container's content cards into an immutable,
// detached copy and compares two captures for material difference.
package snapshot

import (
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret/internal/classify"
)

// Snapshot is an ordered sequence of cloned content cards taken at one
// instant. The stored clones are never handed out: Nodes returns fresh
// clones so the snapshot stays reusable for repeated toggling.
type Snapshot struct {
	nodes   []*html.Node
	links   []string // normalised content links, document order
	TakenAt time.Time
}

// Len returns the number of captured cards.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.nodes)
}

// FirstLink returns the normalised identity of the first captured card,
// or "" for an empty snapshot.
func (s *Snapshot) FirstLink() string {
	if s == nil || len(s.links) == 0 {
		return ""
	}
	return s.links[0]
}

// Links returns the normalised content links in capture order.
func (s *Snapshot) Links() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.links...)
}

// Nodes returns fresh detached clones of the captured cards.
func (s *Snapshot) Nodes() []*html.Node {
	if s == nil {
		return nil
	}
	out := make([]*html.Node, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = dom.Clone(n)
	}
	return out
}

// HTML renders the captured cards as one markup string.
func (s *Snapshot) HTML() string {
	if s == nil {
		return ""
	}
	var sb strings.Builder
	for _, n := range s.nodes {
		sb.WriteString(dom.Render(n))
	}
	return sb.String()
}

// mdConverter is shared: converters are safe for concurrent use and
// building one per digest is wasteful.
var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// Digest renders the captured cards as markdown, for journal entries and
// status output. Falls back to the link list when conversion fails.
func (s *Snapshot) Digest() string {
	if s == nil || len(s.nodes) == 0 {
		return ""
	}
	md, err := mdConverter.ConvertString(s.HTML())
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md)
	}
	return strings.Join(s.links, "\n")
}

// Store captures snapshots under one rule set.
type Store struct {
	rules  *classify.Rules
	logger *slog.Logger
}

// NewStore creates a Store. A nil logger falls back to slog.Default().
func NewStore(rules *classify.Rules, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rules: rules, logger: logger}
}

// Capture clones the container's content children in document order.
// Skipped entirely: the engine's own UI, the trigger's ancestor chain, and
// sentinels. Returns nil when no content child was found; an empty capture
// must never overwrite a stored snapshot, so callers get nothing to store.
func (st *Store) Capture(container, trigger *html.Node) *Snapshot {
	if container == nil {
		return nil
	}
	triggerHost := dom.ChildContaining(container, trigger)

	snap := &Snapshot{TakenAt: time.Now()}
	for _, child := range dom.ElementChildren(container) {
		if child == triggerHost || classify.IsOwnUI(child) {
			continue
		}
		if !st.rules.IsContent(child) {
			continue
		}
		clone := dom.Clone(child)
		resolveLazyMedia(clone)
		snap.nodes = append(snap.nodes, clone)
		snap.links = append(snap.links, st.rules.NormalizeLink(st.rules.ContentLink(child)))
	}

	if len(snap.nodes) == 0 {
		st.logger.Debug("snapshot: capture found no content children")
		return nil
	}
	return snap
}

// IsDifferent reports whether two snapshots show materially different
// feeds: differing card counts or a differing first-card identity. Content
// is opaque host markup, so this cheap check deliberately stops there.
func IsDifferent(a, b *Snapshot) bool {
	if a.Len() != b.Len() {
		return true
	}
	return a.FirstLink() != b.FirstLink()
}

// lazySrcAttrs are the deferred-source attributes hosts use before a lazy
// image loads.
var lazySrcAttrs = []string{"data-src", "data-original", "data-lazy-src"}

// lazyBgAttrs carry deferred background images.
var lazyBgAttrs = []string{"data-bg", "data-background-image"}

// resolveLazyMedia rewrites a cloned subtree so media shows immediately on
// restore: deferred sources become live sources, lazy markers are stripped,
// and hiding styles are dropped.
func resolveLazyMedia(n *html.Node) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if dom.IsElement(n) {
			if n.DataAtom == atom.Img || n.DataAtom == atom.Source || n.DataAtom == atom.Video {
				for _, attr := range lazySrcAttrs {
					if v := dom.Attr(n, attr); v != "" {
						dom.SetAttr(n, "src", v)
						dom.DelAttr(n, attr)
						break
					}
				}
				dom.DelAttr(n, "loading")
			}
			for _, attr := range lazyBgAttrs {
				if v := dom.Attr(n, attr); v != "" {
					appendStyle(n, "background-image:url("+v+")")
					dom.DelAttr(n, attr)
					break
				}
			}
			forceVisible(n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
}

// forceVisible drops declarations that keep a lazy placeholder hidden.
func forceVisible(n *html.Node) {
	style := dom.Attr(n, "style")
	if style == "" {
		return
	}
	var kept []string
	for _, decl := range strings.Split(style, ";") {
		d := strings.ToLower(strings.ReplaceAll(decl, " ", ""))
		switch {
		case strings.HasPrefix(d, "display:none"),
			strings.HasPrefix(d, "visibility:hidden"),
			d == "opacity:0", strings.HasPrefix(d, "opacity:0!"):
			continue
		}
		if strings.TrimSpace(decl) != "" {
			kept = append(kept, strings.TrimSpace(decl))
		}
	}
	if len(kept) == 0 {
		dom.DelAttr(n, "style")
		return
	}
	dom.SetAttr(n, "style", strings.Join(kept, "; "))
}

func appendStyle(n *html.Node, decl string) {
	style := strings.TrimRight(strings.TrimSpace(dom.Attr(n, "style")), ";")
	if style == "" {
		dom.SetAttr(n, "style", decl)
		return
	}
	dom.SetAttr(n, "style", style+"; "+decl)
}
