package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// XPath returns a structural address for an element: absolute steps with
// 1-based same-tag sibling indexes, e.g. /html/body/div[2]/button. The
// browser layer resolves it against the live page, so the mirror and the
// page must agree on structure for the address to land.
func XPath(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}

	var steps []string
	for ; n != nil && n.Type == html.ElementNode; n = n.Parent {
		idx := 1
		for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && sib.Data == n.Data {
				idx++
			}
		}
		step := n.Data
		if idx > 1 || hasLaterSameTag(n) {
			step = fmt.Sprintf("%s[%d]", n.Data, idx)
		}
		steps = append(steps, step)
	}

	// Reverse into document order.
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return "/" + strings.Join(steps, "/")
}

func hasLaterSameTag(n *html.Node) bool {
	for sib := n.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode && sib.Data == n.Data {
			return true
		}
	}
	return false
}
