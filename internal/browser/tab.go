package browser

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

//go:embed probe.js
var probeJS string

const bindingName = "__ttvc_binding"

// Tab wraps a Rod page prepared for measurement: stealth applied, the
// probe scheduled for injection at document start, and the JS-to-Go
// binding registered. The probe must be in place before navigation so the
// page is observed from its time origin.
type Tab struct {
	Page    *rod.Page
	PageURL string
	PageID  string
}

// OpenTab creates a prepared tab. Call Env to attach the environment
// adapter, then Navigate.
func OpenTab(mgr *Manager, pageID string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(probeJS); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: schedule probe: %w", err)
	}

	return &Tab{Page: page, PageID: pageID}, nil
}

// Navigate loads the URL. The probe injected at document start reports
// readiness through the binding; the load wait here is bounded, not
// required, since the measurement pipeline has its own load handling.
func (t *Tab) Navigate(ctx context.Context, pageURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.PageURL = pageURL
	if err := t.Page.Context(navCtx).Navigate(pageURL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	return nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
