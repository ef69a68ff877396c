package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// QueryAll returns all descendants of root matching a simple CSS selector.
// Supported: tag, .class (repeatable), #id, [attr], [attr=val], and
// space-separated descendant combinators of those parts.
func QueryAll(root *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(root, parts[0])
	for i := 1; i < len(parts); i++ {
		var next []*html.Node
		for _, parent := range matches {
			next = append(next, matchSimple(parent, parts[i])...)
		}
		matches = next
	}
	return matches
}

// Query returns the first match of QueryAll, or nil.
func Query(root *html.Node, selector string) *html.Node {
	// Cheap: QueryAll on small mirrors; the engine only queries one
	// container-sized subtree at a time.
	all := QueryAll(root, selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// Matches reports whether the node itself matches a single selector part
// (no combinators).
func Matches(n *html.Node, selector string) bool {
	return matchesSelector(n, parseSimpleSelector(selector))
}

func matchSimple(root *html.Node, sel string) []*html.Node {
	m := parseSimpleSelector(sel)
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n != root && matchesSelector(n, m) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		rest := sel[idx+1:]
		sel = sel[:idx]
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			s.id = rest[:dot]
			s.classes = append(s.classes, strings.Split(rest[dot+1:], ".")...)
		} else {
			s.id = rest
		}
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.classes = append(s.classes, strings.Split(sel[idx+1:], ".")...)
		sel = sel[:idx]
	}

	s.tag = sel
	return s
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && Attr(n, "id") != s.id {
		return false
	}
	for _, class := range s.classes {
		if class != "" && !HasClass(n, class) {
			return false
		}
	}
	if s.attrKey != "" {
		if s.attrVal != "" {
			if Attr(n, s.attrKey) != s.attrVal {
				return false
			}
		} else if !HasAttr(n, s.attrKey) {
			return false
		}
	}
	return true
}
