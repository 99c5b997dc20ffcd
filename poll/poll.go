// Package poll provides the periodic-check loop used when no native change
// notification is available. A Ticker cannot tell what changed; it only
// calls its check function at a fixed interval and counts what happened.
//
// Typical usage:
//
//	t := poll.New(poll.Options{Interval: 500 * time.Millisecond})
//	t.Start(func() { checkForChanges() })
//	defer t.Stop()
package poll

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 500 * time.Millisecond

// ErrRunning is returned by Start when the ticker is already running.
var ErrRunning = errors.New("poll: ticker already running")

// Options tunes the ticker.
type Options struct {
	// Interval between checks. Default: DefaultInterval.
	Interval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Ticker calls a check function every Interval until stopped. It is safe
// for concurrent use.
type Ticker struct {
	opts Options

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	ticks   atomic.Int64
	panics  atomic.Int64
	checkNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Ticks        int64         `json:"ticks"`
	Panics       int64         `json:"panics"`
	AvgCheckTime time.Duration `json:"avg_check_time"`
	Running      bool          `json:"running"`
}

// New creates a stopped Ticker.
func New(opts Options) *Ticker {
	opts.defaults()
	return &Ticker{opts: opts}
}

// Interval returns the configured check interval.
func (t *Ticker) Interval() time.Duration { return t.opts.Interval }

// Start launches the loop. check runs on the ticker goroutine; a slow check
// delays the next one instead of overlapping it.
func (t *Ticker) Start(check func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return ErrRunning
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(check, t.stop, t.done)
	return nil
}

// Stop halts the loop and waits for an in-flight check to return.
// Stopping a stopped ticker is a no-op.
func (t *Ticker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the loop is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Stats returns the current counters.
func (t *Ticker) Stats() Stats {
	s := Stats{
		Ticks:   t.ticks.Load(),
		Panics:  t.panics.Load(),
		Running: t.Running(),
	}
	if s.Ticks > 0 {
		s.AvgCheckTime = time.Duration(t.checkNs.Load() / s.Ticks)
	}
	return s
}

func (t *Ticker) loop(check func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := t.opts.Logger

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	log.Debug("poll: started", "interval", t.opts.Interval)
	for {
		select {
		case <-stop:
			log.Debug("poll: stopped", "ticks", t.ticks.Load())
			return
		case <-ticker.C:
			t.run(check)
		}
	}
}

func (t *Ticker) run(check func()) {
	start := time.Now()
	defer func() {
		t.ticks.Add(1)
		t.checkNs.Add(int64(time.Since(start)))
		if r := recover(); r != nil {
			t.panics.Add(1)
			t.opts.Logger.Error("poll: check panicked", "panic", r)
		}
	}()
	check()
}
