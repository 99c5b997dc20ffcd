// Package watchd runs one changewatch.Watcher per configured target and
// forwards what they report to sinks (stdout, webhook, SQLite journal,
// in-process callback).
//
// Targets whose page exposes MutationObserver are watched natively and
// produce per-category batches. The others are polled: each tick hashes the
// target's outer HTML and emits an on-change batch when the hash moves.
package watchd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/domobs/changewatch"
	"github.com/hazyhaar/domobs/mutation"
	"github.com/hazyhaar/domobs/watchd/internal/admin"
	"github.com/hazyhaar/domobs/watchd/internal/browser"
	"github.com/hazyhaar/domobs/watchd/internal/config"
	"github.com/hazyhaar/domobs/watchd/internal/sink"
)

// Daemon is the top-level orchestrator.
type Daemon struct {
	cfg      *config.Config
	mgr      *browser.Manager
	attacher Attacher
	router   *sink.Router
	journal  *sink.Journal
	extra    []sink.Sink
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	targets map[string]*target
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithAttacher replaces the Chrome-backed attacher.
func WithAttacher(a Attacher) Option {
	return func(d *Daemon) { d.attacher = a }
}

// WithCallback adds an in-process sink receiving every batch.
func WithCallback(fn BatchFunc) Option {
	return func(d *Daemon) { d.extra = append(d.extra, sink.NewCallback(fn)) }
}

// New builds a Daemon and its sinks from cfg. Nothing is watched until
// Start.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  slog.Default(),
		targets: make(map[string]*target),
	}
	for _, o := range opts {
		o(d)
	}

	sinks, journal, err := buildSinks(cfg.Sinks, d.logger)
	if err != nil {
		return nil, err
	}
	d.journal = journal
	d.router = sink.NewRouter(d.logger, append(sinks, d.extra...)...)
	d.logger.Debug("watchd: sinks ready", "sinks", d.router.Len())

	if d.attacher == nil {
		d.mgr = browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			Headful:          cfg.Browser.Headful,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			Logger:           d.logger,
		})
		d.attacher = &browserAttacher{mgr: d.mgr, logger: d.logger}
	}
	return d, nil
}

func buildSinks(cfgs []config.SinkConfig, logger *slog.Logger) ([]sink.Sink, *sink.Journal, error) {
	var (
		out     []sink.Sink
		journal *sink.Journal
	)
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out = append(out, sink.NewStdout(nil))
		case "webhook":
			out = append(out, sink.NewWebhook(sc.URL,
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookLogger(logger)))
		case "journal":
			j, err := openJournal(sc.Path)
			if err != nil {
				closeSinks(out)
				return nil, nil, fmt.Errorf("watchd: %w", err)
			}
			if journal == nil {
				journal = j
			}
			out = append(out, j)
		default:
			closeSinks(out)
			return nil, nil, fmt.Errorf("watchd: unknown sink type %q", sc.Type)
		}
	}
	return out, journal, nil
}

var openJournal = sink.OpenJournal

func closeSinks(sinks []sink.Sink) {
	for _, s := range sinks {
		s.Close()
	}
}

// Start launches the browser (unless an Attacher was supplied) and begins
// watching every configured target. A target that fails to start is logged
// and skipped. ctx bounds the whole daemon lifetime.
func (d *Daemon) Start(ctx context.Context) error {
	if d.mgr != nil {
		if _, err := d.mgr.Start(ctx); err != nil {
			return fmt.Errorf("watchd: start browser: %w", err)
		}
	}

	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	for _, tc := range d.cfg.Targets {
		if err := d.WatchTarget(ctx, tc); err != nil {
			d.logger.Error("watchd: failed to watch target",
				"target", tc.ID, "url", tc.URL, "error", err)
		}
	}
	return nil
}

// WatchTarget attaches to a target and starts its ChangeWatcher.
func (d *Daemon) WatchTarget(ctx context.Context, tc config.TargetConfig) error {
	d.mu.Lock()
	if _, ok := d.targets[tc.ID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("watchd: target %q already watched", tc.ID)
	}
	runCtx := d.ctx
	d.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	att, err := d.attacher.Attach(ctx, tc)
	if err != nil {
		return fmt.Errorf("watchd: attach %s: %w", tc.ID, err)
	}

	logger := d.logger.With("target", tc.ID)
	t := &target{
		cfg:       tc,
		att:       att,
		sink:      d.router,
		ctx:       runCtx,
		logger:    logger,
		events:    tc.ForwardedEvents(),
		startedAt: time.Now(),
		watcher: changewatch.New(changewatch.Options{
			Native: att.Native,
			Logger: logger,
		}),
	}
	if d.journal != nil {
		last, err := d.journal.LastSeq(ctx, tc.ID)
		if err != nil {
			logger.Warn("watchd: cannot resume sequence", "error", err)
		}
		t.seq.Store(last)
	}

	if err := d.startTarget(t); err != nil {
		t.stop()
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.targets[tc.ID]; ok {
		t.stop()
		return fmt.Errorf("watchd: target %q already watched", tc.ID)
	}
	d.targets[tc.ID] = t

	logger.Info("watchd: watching target",
		"url", tc.URL, "selector", tc.Selector, "mode", t.watcher.Mode(), "events", len(t.events))
	return nil
}

func (d *Daemon) startTarget(t *target) error {
	if err := t.watcher.Init(t.att.Node, t.cfg.Observe); err != nil {
		return fmt.Errorf("watchd: init %s: %w", t.cfg.ID, err)
	}
	for _, e := range t.events {
		if _, err := t.watcher.On(e, t.handler(e)); err != nil {
			return fmt.Errorf("watchd: register %s on %s: %w", e, t.cfg.ID, err)
		}
	}
	if t.att.Snapshot != nil {
		// Baseline for the hash comparison; a failure leaves it to the
		// first check.
		if _, _, err := t.checkSnapshot(); err != nil {
			t.logger.Warn("watchd: baseline snapshot failed", "error", err)
		}
	}
	if err := t.watcher.StartListening(t.cfg.PollInterval); err != nil {
		return fmt.Errorf("watchd: listen %s: %w", t.cfg.ID, err)
	}
	return nil
}

// StopTarget stops watching id and releases its page.
func (d *Daemon) StopTarget(id string) error {
	d.mu.Lock()
	t, ok := d.targets[id]
	delete(d.targets, id)
	d.mu.Unlock()
	if !ok {
		return admin.ErrNotFound
	}
	if err := t.stop(); err != nil {
		return fmt.Errorf("watchd: stop %s: %w", id, err)
	}
	d.logger.Info("watchd: stopped target", "target", id)
	return nil
}

// Reload applies a new target list: removed targets stop, new ones start,
// changed ones restart. Browser and sink settings need a restart.
func (d *Daemon) Reload(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	current := make(map[string]config.TargetConfig, len(d.targets))
	for id, t := range d.targets {
		current[id] = t.cfg
	}
	d.cfg.Targets = cfg.Targets
	d.mu.Unlock()

	wanted := make(map[string]bool, len(cfg.Targets))
	var errs []error
	for _, tc := range cfg.Targets {
		wanted[tc.ID] = true
		old, running := current[tc.ID]
		if running && reflect.DeepEqual(old, tc) {
			continue
		}
		if running {
			if err := d.StopTarget(tc.ID); err != nil {
				errs = append(errs, err)
			}
		}
		if err := d.WatchTarget(ctx, tc); err != nil {
			errs = append(errs, err)
		}
	}
	for id := range current {
		if !wanted[id] {
			if err := d.StopTarget(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Targets lists every watched target, sorted by id.
func (d *Daemon) Targets() []admin.TargetStatus {
	d.mu.Lock()
	ts := make([]*target, 0, len(d.targets))
	for _, t := range d.targets {
		ts = append(ts, t)
	}
	d.mu.Unlock()

	out := make([]admin.TargetStatus, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Target returns the status of one target.
func (d *Daemon) Target(id string) (admin.TargetStatus, error) {
	t, err := d.lookup(id)
	if err != nil {
		return admin.TargetStatus{}, err
	}
	return t.status(), nil
}

// Trigger fires event on the watcher of id without any page change. An
// empty on-change forces a snapshot check.
func (d *Daemon) Trigger(id string, event changewatch.Event, strategy changewatch.Strategy) error {
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	return t.watcher.Emit(strategy, event)
}

// History returns the most recent journaled batches of id.
func (d *Daemon) History(ctx context.Context, id string, limit int) ([]mutation.Batch, error) {
	if d.journal == nil {
		return nil, admin.ErrNoHistory
	}
	return d.journal.Recent(ctx, id, limit)
}

// Handler returns the admin HTTP handler.
func (d *Daemon) Handler() http.Handler {
	return admin.Handler(d, d.logger)
}

func (d *Daemon) lookup(id string) (*target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.targets[id]
	if !ok {
		return nil, admin.ErrNotFound
	}
	return t, nil
}

// Stop shuts down every target, the sinks and the browser.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.targets))
	for id := range d.targets {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := d.StopTarget(id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.router.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.mgr != nil {
		if err := d.mgr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
