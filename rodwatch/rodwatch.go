// Package rodwatch plugs a browser's own MutationObserver into changewatch.
// The observer runs inside the page; each batch it reports is serialised,
// handed back through a CDP binding (Runtime.addBinding) and delivered to
// the changewatch dispatch callback.
package rodwatch

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/hazyhaar/domobs/changewatch"
	"github.com/hazyhaar/domobs/idgen"
	"github.com/hazyhaar/domobs/mutation"
)

// BindingName is the page-global function the injected observer calls.
const BindingName = "__domobs_binding"

//go:embed observe.js
var observeJS string

const detectJS = `() => typeof (window.MutationObserver || window.WebKitMutationObserver || window.MozMutationObserver) === 'function'`

const disconnectJS = `(id) => {
	const reg = window.__domobs_observers;
	if (reg && reg[id]) {
		reg[id].disconnect();
		delete reg[id];
	}
}`

// Detect reports whether the page exposes a MutationObserver constructor,
// including the vendor-prefixed variants.
func Detect(page *rod.Page) (bool, error) {
	res, err := page.Eval(detectJS)
	if err != nil {
		return false, fmt.Errorf("rodwatch: detect: %w", err)
	}
	return res.Value.Bool(), nil
}

// Probe returns a Constructor when the page supports MutationObserver, and
// nil otherwise so that changewatch falls back to polling.
func Probe(page *rod.Page, opts ...Option) (changewatch.Constructor, error) {
	ok, err := Detect(page)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return NewConstructor(page, opts...), nil
}

// Option configures the primitives built by NewConstructor.
type Option func(*primitive)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *primitive) { p.logger = l }
}

// NewConstructor returns a changewatch.Constructor whose primitives observe
// *rod.Element nodes living in page.
func NewConstructor(page *rod.Page, opts ...Option) changewatch.Constructor {
	newID := idgen.Prefixed("obs_", idgen.NanoID(12))
	return func(deliver func([]mutation.Record)) (changewatch.Primitive, error) {
		if page == nil {
			return nil, errors.New("rodwatch: nil page")
		}
		p := &primitive{
			page:    page,
			deliver: deliver,
			id:      newID(),
			logger:  slog.Default(),
		}
		for _, o := range opts {
			o(p)
		}
		return p, nil
	}
}

// primitive is one in-page MutationObserver, identified by id so several
// can share the page-wide binding.
type primitive struct {
	page    *rod.Page
	deliver func([]mutation.Record)
	id      string
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (p *primitive) Observe(node changewatch.Node, cfg changewatch.Config) error {
	el, ok := node.(*rod.Element)
	if !ok {
		return fmt.Errorf("rodwatch: observe: want *rod.Element, got %T", node)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		// MutationObserver.observe on the same node replaces the previous
		// registration; mirror that by keeping the first.
		return nil
	}

	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(p.page); err != nil {
		p.logger.Warn("rodwatch: addBinding failed (may already exist)", "error", err)
	}

	ctx, cancel := context.WithCancel(p.page.GetContext())
	wait := p.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != BindingName {
			return
		}
		p.handlePayload(e.Payload)
	})
	go wait()

	if _, err := el.Eval(observeJS, p.id, BindingName, observerInit(cfg)); err != nil {
		cancel()
		return fmt.Errorf("rodwatch: inject observer: %w", err)
	}
	p.cancel = cancel

	p.logger.Debug("rodwatch: observing", "observer", p.id)
	return nil
}

func (p *primitive) Disconnect() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	defer cancel()

	if _, err := p.page.Eval(disconnectJS, p.id); err != nil {
		return fmt.Errorf("rodwatch: disconnect: %w", err)
	}
	return nil
}

func (p *primitive) handlePayload(payload string) {
	id, records, dropped, err := decodePayload(payload)
	if err != nil {
		// The binding is shared by every observer on the page; only a
		// payload that still names this observer counts as a change.
		owner, ok := payloadOwner(payload)
		if !ok || owner != p.id {
			p.logger.Debug("rodwatch: unattributed binding payload dropped", "error", err)
			return
		}
		p.logger.Warn("rodwatch: parse binding payload", "observer", owner, "error", err)
		p.deliver(nil)
		return
	}
	if id != p.id {
		return
	}
	if dropped > 0 {
		p.logger.Warn("rodwatch: records of unknown type dropped", "observer", id, "dropped", dropped)
	}
	p.deliver(records)
}

// observerInit turns a Config into a MutationObserver init dictionary. The
// browser rejects old-value or filter options whose base flag is explicitly
// false, so those are left out.
func observerInit(cfg changewatch.Config) map[string]any {
	dict := map[string]any{
		"childList":     cfg.ChildList,
		"attributes":    cfg.Attributes,
		"characterData": cfg.CharacterData,
		"subtree":       cfg.Subtree,
	}
	if cfg.Attributes {
		dict["attributeOldValue"] = cfg.AttributeOldValue
		if cfg.AttributeFilter != nil {
			dict["attributeFilter"] = cfg.AttributeFilter
		}
	}
	if cfg.CharacterData {
		dict["characterDataOldValue"] = cfg.CharacterDataOldValue
	}
	return dict
}

type wireRecord struct {
	Type          string   `json:"type"`
	Target        string   `json:"target"`
	AttributeName string   `json:"attribute_name"`
	Value         string   `json:"value"`
	OldValue      *string  `json:"old_value"`
	Added         []string `json:"added"`
	Removed       []string `json:"removed"`
}

// decodePayload parses one binding call. Record kinds are checked here, at
// the boundary; records of unknown kind are counted and dropped.
// payloadOwner extracts the observer id from a payload whose records could
// not be decoded.
func payloadOwner(payload string) (string, bool) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &head); err != nil || head.ID == "" {
		return "", false
	}
	return head.ID, true
}

func decodePayload(payload string) (id string, records []mutation.Record, dropped int, err error) {
	var msg struct {
		ID      string       `json:"id"`
		Records []wireRecord `json:"records"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return "", nil, 0, err
	}

	records = make([]mutation.Record, 0, len(msg.Records))
	for _, w := range msg.Records {
		cat, err := mutation.ParseCategory(w.Type)
		if err != nil {
			dropped++
			continue
		}
		records = append(records, mutation.Record{
			Category:      cat,
			Target:        w.Target,
			AttributeName: w.AttributeName,
			Value:         w.Value,
			OldValue:      w.OldValue,
			Added:         w.Added,
			Removed:       w.Removed,
		})
	}
	return msg.ID, records, dropped, nil
}

// Selection adapts a multi-element query result to changewatch.Unwrapper:
// the first element is watched.
type Selection rod.Elements

// Unwrap returns the first element, or nil for an empty selection.
func (s Selection) Unwrap() changewatch.Node {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}
