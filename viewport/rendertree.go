package viewport

import (
	"strings"

	"github.com/vizcomplete/ttvc/dom"
)

// Elements carrying this attribute/value pair (value match is
// case-insensitive) are excluded from change detection, along with their
// entire subtrees.
const (
	IgnoreAttribute = "data-visuallycomplete"
	IgnoreValue     = "ignore"
)

// isInRenderTree walks from el up to the root checking that every node
// is an element, is not hidden, and is not marked ignored. It relies on
// attribute string checks rather than computed style, so false positives
// are possible; the viewport-intersection step filters those out.
func isInRenderTree(el dom.Element) bool {
	for cur := el; cur != nil; cur = cur.Parent() {
		if !cur.IsElement() || isHidden(cur) || isIgnored(cur) {
			return false
		}
	}
	return true
}

func isHidden(el dom.Element) bool {
	if _, ok := el.Attr("hidden"); ok {
		return true
	}
	style, _ := el.Attr("style")
	return styleHidesElement(style)
}

func isIgnored(el dom.Element) bool {
	v, ok := el.Attr(IgnoreAttribute)
	return ok && strings.EqualFold(v, IgnoreValue)
}

// styleHidesElement applies the inline-style heuristic: a whitespace
// stripped substring match, deliberately avoiding a computed-style (and
// therefore layout-triggering) lookup.
func styleHidesElement(style string) bool {
	if style == "" {
		return false
	}
	style = strings.ReplaceAll(style, " ", "")
	return strings.Contains(style, "visibility:hidden") ||
		strings.Contains(style, "display:none") ||
		strings.Contains(style, "content-visibility:hidden")
}

// nearestElement resolves a mutation target to the element the change is
// attributed to: the node itself, or the parent for text nodes.
func nearestElement(el dom.Element) dom.Element {
	if el == nil {
		return nil
	}
	if el.IsElement() {
		return el
	}
	return el.Parent()
}
