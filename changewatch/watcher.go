// Package changewatch watches one document node for changes and fans the
// reported records out to handlers registered per change category.
//
// Changes come from a native Primitive (a browser MutationObserver driven
// through rodwatch, for instance) when one is available, or from a polling
// ticker otherwise. The mechanism is chosen once, when the Watcher is built:
//
//	w := changewatch.New(changewatch.Options{Native: rodwatch.NewConstructor(page)})
//	if err := w.Init(el, &changewatch.Overrides{Subtree: changewatch.Bool(false)}); err != nil { ... }
//	w.On(changewatch.OnChange, onChange)
//	w.On(changewatch.OnChildListChanged, onChildren)
//	if err := w.StartListening(0); err != nil { ... }
//	defer w.Destroy()
//
// In polling mode the watcher cannot know what changed: every tick fires
// OnChange with an empty record list and handlers decide what to check.
package changewatch

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/domobs/mutation"
	"github.com/hazyhaar/domobs/poll"
)

// DefaultDeferDelay is how long Trigger waits before running queued handlers.
const DefaultDeferDelay = time.Millisecond

// Handler receives the records of one dispatch followed by any extra
// arguments passed to Trigger or SyncTrigger. records is never nil.
type Handler func(records []mutation.Record, args ...any) error

// Options configures a Watcher.
type Options struct {
	// Native builds the change-notification primitive. Nil selects the
	// polling fallback for the lifetime of the Watcher.
	Native Constructor
	// DeferDelay is the pause before deferred handlers run. Default: 1ms.
	DeferDelay time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

type state int

const (
	stateIdle state = iota
	stateListening
	stateDestroyed
)

func (s state) String() string {
	switch s {
	case stateListening:
		return "listening"
	case stateDestroyed:
		return "destroyed"
	}
	return "idle"
}

// Watcher observes one node at a time. All methods are safe for concurrent
// use; handlers never run with the Watcher's lock held.
type Watcher struct {
	native Constructor
	mode   Mode
	logger *slog.Logger
	queue  *taskQueue

	mu       sync.Mutex
	cfg      Config
	node     Node
	prim     Primitive
	ticker   *poll.Ticker
	state    state
	handlers map[Event][]Handler

	// checkPending is set while an empty-batch on-change run is queued
	// but not started.
	checkPending bool
}

// New creates a Watcher. No node is watched until Init.
func New(opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = DefaultDeferDelay
	}
	mode := ModePolling
	if opts.Native != nil {
		mode = ModeNative
	}
	return &Watcher{
		native:   opts.Native,
		mode:     mode,
		logger:   opts.Logger,
		queue:    &taskQueue{delay: opts.DeferDelay},
		cfg:      DefaultConfig(),
		handlers: make(map[Event][]Handler),
	}
}

// Mode reports whether the Watcher uses a native primitive or polling.
func (w *Watcher) Mode() Mode { return w.mode }

// Init binds the Watcher to target, merging overrides over the default
// configuration. In native mode the primitive is constructed here; nothing
// is observed until StartListening.
//
// Handlers outlive Destroy, so a re-Init whose overrides disable a category
// that already has handlers fails with a *DisabledCategoryError.
func (w *Watcher) Init(target Node, overrides *Overrides) error {
	if isNil(target) {
		return &InvalidTargetError{}
	}
	node := unwrap(target)
	if isNil(node) {
		return &InvalidTargetError{Target: target}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.node != nil {
		return ErrAlreadyInitialized
	}

	cfg := DefaultConfig().Merge(overrides)
	for _, e := range allEvents {
		if len(w.handlers[e]) > 0 && !cfg.Allows(e) {
			return &DisabledCategoryError{Event: e, Flag: flagName(e)}
		}
	}

	var prim Primitive
	if w.mode == ModeNative {
		p, err := w.native(w.dispatch)
		if err != nil {
			return fmt.Errorf("changewatch: construct primitive: %w", err)
		}
		prim = p
	}

	w.cfg = cfg
	w.node = node
	w.prim = prim
	w.state = stateIdle

	w.logger.Debug("changewatch: initialised", "mode", w.mode, "config", w.cfg)
	return nil
}

// Config returns the configuration in effect.
func (w *Watcher) Config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Node returns the watched node, or nil before Init and after Destroy.
func (w *Watcher) Node() Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.node
}

// Listening reports whether StartListening succeeded and Destroy has not
// been called since.
func (w *Watcher) Listening() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateListening
}

// On appends h to the handlers of event and returns a copy of that list.
// There is no way to remove a handler.
func (w *Watcher) On(event Event, h Handler) ([]Handler, error) {
	if !event.Valid() {
		return nil, &InvalidCategoryError{Name: string(event)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.cfg.Allows(event) {
		return nil, &DisabledCategoryError{Event: event, Flag: flagName(event)}
	}
	w.handlers[event] = append(w.handlers[event], h)
	return slices.Clone(w.handlers[event]), nil
}

// StartListening begins observation. In polling mode interval sets the tick
// period (poll.DefaultInterval when zero); native mode ignores it.
func (w *Watcher) StartListening(interval time.Duration) error {
	w.mu.Lock()
	if _, ok := w.handlers[OnChange]; !ok {
		w.mu.Unlock()
		return &MissingRequiredHandlerError{Event: OnChange}
	}
	if w.node == nil {
		w.mu.Unlock()
		return ErrNotInitialized
	}
	if w.state == stateListening {
		w.mu.Unlock()
		return ErrAlreadyListening
	}
	w.state = stateListening
	node, cfg, prim := w.node, w.cfg, w.prim

	if w.mode == ModePolling {
		w.ticker = poll.New(poll.Options{Interval: interval, Logger: w.logger})
		ticker := w.ticker
		w.mu.Unlock()
		if err := ticker.Start(func() { w.dispatch(nil) }); err != nil {
			return fmt.Errorf("changewatch: start polling: %w", err)
		}
		w.logger.Info("changewatch: listening", "mode", w.mode, "interval", ticker.Interval())
		return nil
	}
	w.mu.Unlock()

	// Observe runs unlocked: a primitive may deliver a first batch before
	// returning.
	if err := prim.Observe(node, cfg); err != nil {
		w.mu.Lock()
		if w.state == stateListening && w.prim == prim {
			w.state = stateIdle
		}
		w.mu.Unlock()
		return fmt.Errorf("changewatch: observe: %w", err)
	}
	w.logger.Info("changewatch: listening", "mode", w.mode)
	return nil
}

// Destroy stops observation, resets the configuration to defaults and
// forgets the node. Handlers stay registered. Deferred handlers already
// queued by Trigger or a native batch still run; a queued empty-batch
// on-change check is dropped. Calling Destroy again is a no-op.
func (w *Watcher) Destroy() error {
	w.mu.Lock()
	if w.node == nil && w.prim == nil && w.ticker == nil {
		w.mu.Unlock()
		return nil
	}
	prim, ticker := w.prim, w.ticker
	w.prim, w.ticker, w.node = nil, nil, nil
	w.cfg = DefaultConfig()
	w.state = stateDestroyed
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if prim != nil {
		if err := prim.Disconnect(); err != nil {
			return fmt.Errorf("changewatch: disconnect: %w", err)
		}
	}
	w.logger.Debug("changewatch: destroyed", "mode", w.mode)
	return nil
}

// PollStats returns the polling ticker counters. ok is false in native mode
// or when not listening.
func (w *Watcher) PollStats() (stats poll.Stats, ok bool) {
	w.mu.Lock()
	ticker := w.ticker
	w.mu.Unlock()
	if ticker == nil {
		return poll.Stats{}, false
	}
	return ticker.Stats(), true
}
