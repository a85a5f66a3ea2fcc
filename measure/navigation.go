package measure

import (
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

// deriveNavigation classifies a navigation and corrects its start time.
//
// Order matters: an explicit cache-restore flag wins; a prerendered page
// whose activation happened after the supplied start is reported as
// prerender with the start pushed up to the activation time; a non-zero
// explicit start marks an SPA navigation; everything else defers to the
// browser's navigation-timing entry.
func deriveNavigation(nav dom.NavigationTiming, start time.Duration, cacheRestore bool) (dom.NavigationType, time.Duration) {
	if cacheRestore {
		return dom.NavigationBackForward, start
	}
	if activation := nav.ActivationStart(); activation > start {
		return NavigationPrerender, activation
	}
	if start > 0 {
		return NavigationScript, start
	}
	return nav.Type(), start
}
