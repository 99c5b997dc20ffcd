package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab wraps a Rod page opened for one watch target.
type Tab struct {
	Page     *rod.Page
	PageURL  string
	TargetID string
}

// OpenTab creates a new tab, optionally with stealth evasions, applies
// resource blocking and navigates to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL, targetID string, withStealth bool) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, errors.New("browser: no active browser")
	}

	var (
		page *rod.Page
		err  error
	)
	if withStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return &Tab{Page: page, PageURL: pageURL, TargetID: targetID}, nil
}

// Select returns every element matching selector without waiting.
func (t *Tab) Select(ctx context.Context, selector string) (rod.Elements, error) {
	els, err := t.Page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: select %q: %w", selector, err)
	}
	return els, nil
}

// OuterHTML serialises the first element matching selector.
func (t *Tab) OuterHTML(ctx context.Context, selector string) ([]byte, error) {
	res, err := t.Page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		return el ? el.outerHTML : "";
	}`, selector)
	if err != nil {
		return nil, fmt.Errorf("browser: outer html %q: %w", selector, err)
	}
	return []byte(res.Value.Str()), nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
