package watchd

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domobs/changewatch"
	"github.com/hazyhaar/domobs/idgen"
	"github.com/hazyhaar/domobs/mutation"
	"github.com/hazyhaar/domobs/watchd/internal/admin"
	"github.com/hazyhaar/domobs/watchd/internal/config"
	"github.com/hazyhaar/domobs/watchd/internal/sink"
)

// target is one watched node: its ChangeWatcher, the page attachment and
// the batch sequence.
type target struct {
	cfg       config.TargetConfig
	watcher   *changewatch.Watcher
	att       *Attachment
	sink      sink.Sink
	ctx       context.Context
	logger    *slog.Logger
	events    []changewatch.Event
	startedAt time.Time

	seq atomic.Uint64

	mu       sync.Mutex
	lastHash string
}

// handler builds the changewatch handler forwarding event to the sinks.
func (t *target) handler(event changewatch.Event) changewatch.Handler {
	return func(records []mutation.Record, _ ...any) error {
		batch := mutation.Batch{Event: string(event), Records: records}
		if event == changewatch.OnChange && len(records) == 0 && t.att.Snapshot != nil {
			hash, changed, err := t.checkSnapshot()
			if err != nil {
				return err
			}
			if !changed {
				return nil
			}
			batch.HTMLHash = hash
		}
		return t.emit(batch)
	}
}

// checkSnapshot hashes the node and reports whether it differs from the
// previous hash. The first hash only sets the baseline.
func (t *target) checkSnapshot() (string, bool, error) {
	html, err := t.att.Snapshot(t.ctx)
	if err != nil {
		return "", false, err
	}
	hash := mutation.HashHTML(html)

	t.mu.Lock()
	prev := t.lastHash
	t.lastHash = hash
	t.mu.Unlock()

	return hash, prev != "" && prev != hash, nil
}

func (t *target) emit(batch mutation.Batch) error {
	batch.ID = idgen.New()
	batch.TargetID = t.cfg.ID
	batch.PageURL = t.cfg.URL
	batch.Seq = t.seq.Add(1)
	batch.Timestamp = time.Now().UnixMilli()
	t.logger.Debug("watchd: batch", "event", batch.Event, "seq", batch.Seq, "records", len(batch.Records))
	return t.sink.Send(t.ctx, batch)
}

func (t *target) status() admin.TargetStatus {
	st := admin.TargetStatus{
		ID:        t.cfg.ID,
		URL:       t.cfg.URL,
		Selector:  t.cfg.Selector,
		Mode:      t.watcher.Mode().String(),
		Listening: t.watcher.Listening(),
		LastSeq:   t.seq.Load(),
		StartedAt: t.startedAt,
	}
	for _, e := range t.events {
		st.Events = append(st.Events, string(e))
	}
	if stats, ok := t.watcher.PollStats(); ok {
		st.Poll = &stats
	}
	return st
}

func (t *target) stop() error {
	err := t.watcher.Destroy()
	if t.att.Close != nil {
		if cerr := t.att.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
