// Package classify decides whether a DOM node is replaceable content (a
// feed card) or infrastructure that must survive every restore (loaders,
// skeletons, scroll sentinels, the engine's own injected UI).
//
// Both predicates are deliberately approximate: they run against markup the
// host versions independently. A sentinel misread as content costs one
// preserved node too few; content misread as sentinel suppresses capture
// entirely, so the keyword net errs toward the former.
package classify

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/dom"
)

// MarkerAttr tags every element the engine itself injects into the page.
// Anything carrying it is never captured and never removed.
const MarkerAttr = "data-regret-pill"

// defaultLinkPattern matches Bilibili video URLs (BV ids) in href values.
var defaultLinkPattern = regexp.MustCompile(`(?i)/video/(bv[0-9a-z]+)`)

// defaultCardHints are class-name substrings that mark an element as card
// styling even when the link heuristic misses.
var defaultCardHints = []string{
	"feed-card",
	"video-card",
	"bili-video-card",
	"card-box",
}

// defaultSentinelHints are class/id/attribute-name substrings that mark
// loaders, placeholders and scroll machinery.
var defaultSentinelHints = []string{
	"skeleton",
	"placeholder",
	"loading",
	"infinite-scroll",
	"sentinel",
	"observer",
	"lazy",
	"pager",
	"load-more",
	"footer",
	"bottom",
}

// sentinelRoles are ARIA roles that mark progress/status machinery.
var sentinelRoles = map[string]bool{
	"status":      true,
	"progressbar": true,
}

// Rules is the configured predicate set. The zero value is unusable; use
// Default or Compile.
type Rules struct {
	linkPattern   *regexp.Regexp
	cardHints     []string
	sentinelHints []string
}

// Default returns the built-in rule set.
func Default() *Rules {
	return &Rules{
		linkPattern:   defaultLinkPattern,
		cardHints:     defaultCardHints,
		sentinelHints: defaultSentinelHints,
	}
}

// Compile builds a rule set from configuration, falling back to the
// defaults for any empty field.
func Compile(linkPattern string, cardHints, sentinelHints []string) (*Rules, error) {
	r := Default()
	if linkPattern != "" {
		re, err := regexp.Compile(linkPattern)
		if err != nil {
			return nil, err
		}
		r.linkPattern = re
	}
	if len(cardHints) > 0 {
		r.cardHints = cardHints
	}
	if len(sentinelHints) > 0 {
		r.sentinelHints = sentinelHints
	}
	return r, nil
}

// IsContent reports whether n is a content card: it carries a content link
// or card-styled classes, and is not a sentinel.
func (r *Rules) IsContent(n *html.Node) bool {
	if !dom.IsElement(n) || IsOwnUI(n) {
		return false
	}
	if r.ContentLink(n) == "" && !r.hasCardHint(n) {
		return false
	}
	return !r.IsSentinel(n)
}

// IsSentinel reports whether n is a non-content placeholder: no content
// link, and either keyword-hinted, ARIA-busy, or empty.
func (r *Rules) IsSentinel(n *html.Node) bool {
	if !dom.IsElement(n) {
		return false
	}
	if r.ContentLink(n) != "" {
		return false
	}
	if r.hasSentinelHint(n) || hasBusyARIA(n) || isEmptyShell(n) {
		return true
	}
	return false
}

// ContentLink returns the first content-identifying link URL inside n
// (or on n itself), or "" when none matches.
func (r *Rules) ContentLink(n *html.Node) string {
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if dom.IsElement(n) && n.DataAtom == atom.A {
			if href := dom.Attr(n, "href"); href != "" && r.linkPattern.MatchString(href) {
				found = href
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

// ContentLinkCount counts distinct content links in a subtree. Used by the
// locator's minimum-card threshold.
func (r *Rules) ContentLinkCount(n *html.Node) int {
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if dom.IsElement(n) && n.DataAtom == atom.A {
			if href := dom.Attr(n, "href"); href != "" && r.linkPattern.MatchString(href) {
				seen[r.linkPattern.FindString(href)] = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return len(seen)
}

// NormalizeLink reduces a content link to its stable identity (the matched
// pattern portion), so query-string churn does not defeat comparison.
func (r *Rules) NormalizeLink(href string) string {
	if m := r.linkPattern.FindString(href); m != "" {
		return strings.ToLower(m)
	}
	return href
}

// MatchesLink reports whether an href value matches the content pattern.
func (r *Rules) MatchesLink(href string) bool {
	return href != "" && r.linkPattern.MatchString(href)
}

// IsOwnUI reports whether n was injected by the engine itself.
func IsOwnUI(n *html.Node) bool {
	return dom.IsElement(n) && dom.HasAttr(n, MarkerAttr)
}

func (r *Rules) hasCardHint(n *html.Node) bool {
	class := strings.ToLower(dom.Attr(n, "class"))
	if class == "" {
		return false
	}
	for _, hint := range r.cardHints {
		if strings.Contains(class, hint) {
			return true
		}
	}
	// Generic card/video styling hints, matched as whole words to keep
	// "discard" or "videos-footer" out.
	for _, word := range strings.Fields(class) {
		if word == "card" || word == "video" || strings.HasSuffix(word, "-card") {
			return true
		}
	}
	return false
}

func (r *Rules) hasSentinelHint(n *html.Node) bool {
	var haystack strings.Builder
	haystack.WriteString(strings.ToLower(dom.Attr(n, "class")))
	haystack.WriteByte(' ')
	haystack.WriteString(strings.ToLower(dom.Attr(n, "id")))
	for _, a := range n.Attr {
		if strings.HasPrefix(a.Key, "data-") {
			haystack.WriteByte(' ')
			haystack.WriteString(strings.ToLower(a.Key))
		}
	}
	s := haystack.String()
	for _, hint := range r.sentinelHints {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

func hasBusyARIA(n *html.Node) bool {
	if strings.EqualFold(dom.Attr(n, "aria-busy"), "true") {
		return true
	}
	return sentinelRoles[strings.ToLower(dom.Attr(n, "role"))]
}

// isEmptyShell approximates "empty with near-zero rendered size" on the
// mirror: no visible text and no media descendants.
func isEmptyShell(n *html.Node) bool {
	if dom.Text(n) != "" {
		return false
	}
	for _, sel := range []string{"img", "video", "picture", "iframe"} {
		if dom.Query(n, sel) != nil {
			return false
		}
	}
	return true
}
