package watchd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/domobs/changewatch"
	"github.com/hazyhaar/domobs/rodwatch"
	"github.com/hazyhaar/domobs/watchd/internal/browser"
	"github.com/hazyhaar/domobs/watchd/internal/config"
)

// Attachment is everything a target's ChangeWatcher needs from the page.
type Attachment struct {
	// Node is handed to changewatch.Watcher.Init.
	Node changewatch.Node
	// Native builds the in-page observer; nil selects polling.
	Native changewatch.Constructor
	// Snapshot serialises the watched node. An empty on-change dispatch
	// compares its hash with the previous one to decide whether anything
	// changed. Nil disables the check.
	Snapshot func(ctx context.Context) ([]byte, error)
	// Close releases the page.
	Close func() error
}

// Attacher opens the page of a target and locates its node.
type Attacher interface {
	Attach(ctx context.Context, tc config.TargetConfig) (*Attachment, error)
}

// browserAttacher opens one Chrome tab per target.
type browserAttacher struct {
	mgr    *browser.Manager
	logger *slog.Logger
}

func (a *browserAttacher) Attach(ctx context.Context, tc config.TargetConfig) (*Attachment, error) {
	withStealth := tc.Stealth == nil || *tc.Stealth
	tab, err := browser.OpenTab(ctx, a.mgr, tc.URL, tc.ID, withStealth)
	if err != nil {
		return nil, err
	}

	els, err := tab.Select(ctx, tc.Selector)
	if err != nil {
		tab.Close()
		return nil, err
	}
	if len(els) == 0 {
		tab.Close()
		return nil, fmt.Errorf("watchd: selector %q matched nothing on %s", tc.Selector, tc.URL)
	}

	var native changewatch.Constructor
	if tc.Mode != config.ModePolling {
		native, err = rodwatch.Probe(tab.Page, rodwatch.WithLogger(a.logger))
		if err != nil {
			tab.Close()
			return nil, err
		}
		if native == nil && tc.Mode == config.ModeNative {
			tab.Close()
			return nil, fmt.Errorf("watchd: %s has no MutationObserver", tc.URL)
		}
	}

	selector := tc.Selector
	return &Attachment{
		Node:   rodwatch.Selection(els),
		Native: native,
		Snapshot: func(ctx context.Context) ([]byte, error) {
			return tab.OuterHTML(ctx, selector)
		},
		Close: tab.Close,
	}, nil
}
