package changewatch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hazyhaar/domobs/mutation"
)

// Strategy selects how Emit runs handlers.
type Strategy int

const (
	// Deferred queues every handler to run after Emit returns, one after
	// the other in registration order.
	Deferred Strategy = iota
	// Immediate runs every handler in the calling goroutine before Emit
	// returns.
	Immediate
)

func (s Strategy) String() string {
	if s == Immediate {
		return "immediate"
	}
	return "deferred"
}

// Group is the slice of a batch dispatched on one event.
type Group struct {
	Event   Event
	Records []mutation.Record
}

// GroupRecords splits a batch by event. Groups appear in the order their
// first record appears; records keep their relative order inside a group.
// Attribute and text records carrying an old value are also placed in the
// matching old-value group. Records of unknown category are skipped.
func GroupRecords(records []mutation.Record) []Group {
	var groups []Group
	index := make(map[Event]int)
	add := func(e Event, r mutation.Record) {
		i, ok := index[e]
		if !ok {
			i = len(groups)
			index[e] = i
			groups = append(groups, Group{Event: e})
		}
		groups[i].Records = append(groups[i].Records, r)
	}

	for _, r := range records {
		e, ok := eventFor(r.Category)
		if !ok {
			continue
		}
		add(e, r)
		if r.HasOldValue() {
			if oe, ok := oldValueEventFor(r.Category); ok {
				add(oe, r)
			}
		}
	}
	return groups
}

// dispatch is the callback handed to the primitive and the polling ticker.
func (w *Watcher) dispatch(records []mutation.Record) {
	w.mu.Lock()
	listening := w.state == stateListening
	w.mu.Unlock()
	if !listening {
		w.logger.Debug("changewatch: batch after stop dropped", "records", len(records))
		return
	}

	if len(records) == 0 {
		w.queueCheck()
		return
	}

	for _, g := range GroupRecords(records) {
		if !w.hasHandlers(g.Event) {
			continue
		}
		if err := w.Emit(Deferred, g.Event, g.Records); err != nil {
			w.logger.Warn("changewatch: dispatch failed", "event", g.Event, "error", err)
		}
	}
}

// queueCheck queues one on-change run with an empty record list. Empty
// batches carry nothing to lose, so while a queued check has not started
// further ones are dropped; a slow handler sees at most one check waiting.
// A check that starts after Destroy does nothing.
func (w *Watcher) queueCheck() {
	w.mu.Lock()
	if w.checkPending {
		w.mu.Unlock()
		return
	}
	w.checkPending = true
	w.mu.Unlock()

	w.queue.push(func() {
		w.mu.Lock()
		w.checkPending = false
		listening := w.state == stateListening
		hs := slices.Clone(w.handlers[OnChange])
		w.mu.Unlock()
		if !listening {
			return
		}
		for _, h := range hs {
			if err := invoke(h, []mutation.Record{}, nil); err != nil {
				w.logger.Error("changewatch: handler failed", "event", OnChange, "error", err)
			}
		}
	})
}

func (w *Watcher) hasHandlers(e Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.handlers[e]
	return ok
}

// Emit fires event outside of the watch mechanism. If args[0] is a
// []mutation.Record it is the record list handed to handlers; otherwise
// handlers receive an empty list followed by all of args.
//
// With Immediate, the errors of all handlers are joined and returned. With
// Deferred, Emit returns once the handlers are queued and their errors are
// logged.
func (w *Watcher) Emit(strategy Strategy, event Event, args ...any) error {
	if !event.Valid() {
		return &InvalidEventError{Event: event, Cause: &InvalidCategoryError{Name: string(event)}}
	}

	w.mu.Lock()
	hs, ok := w.handlers[event]
	hs = slices.Clone(hs)
	w.mu.Unlock()
	if !ok {
		return &InvalidEventError{Event: event}
	}

	records, rest := splitArgs(args)

	if strategy == Immediate {
		var errs []error
		for _, h := range hs {
			if err := invoke(h, records, rest); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", event, err))
			}
		}
		return errors.Join(errs...)
	}

	for _, h := range hs {
		w.queue.push(func() {
			if err := invoke(h, records, rest); err != nil {
				w.logger.Error("changewatch: handler failed", "event", event, "error", err)
			}
		})
	}
	return nil
}

// Trigger fires event with the Deferred strategy.
func (w *Watcher) Trigger(event Event, args ...any) error {
	return w.Emit(Deferred, event, args...)
}

// SyncTrigger fires event with the Immediate strategy.
func (w *Watcher) SyncTrigger(event Event, args ...any) error {
	return w.Emit(Immediate, event, args...)
}

func splitArgs(args []any) ([]mutation.Record, []any) {
	if len(args) > 0 {
		if recs, ok := args[0].([]mutation.Record); ok {
			if recs == nil {
				recs = []mutation.Record{}
			}
			return recs, args[1:]
		}
	}
	return []mutation.Record{}, args
}

// invoke isolates one handler call so a panic surfaces as an error instead
// of taking down the caller or the queue.
func invoke(h Handler, records []mutation.Record, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(records, args...)
}
