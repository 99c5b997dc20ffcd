// Package admin exposes watchd targets over HTTP: status, journal history
// and synthetic triggers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/domobs/changewatch"
	"github.com/hazyhaar/domobs/mutation"
	"github.com/hazyhaar/domobs/poll"
)

var (
	// ErrNotFound is returned by a Controller for an unknown target id.
	ErrNotFound = errors.New("admin: target not found")
	// ErrNoHistory is returned by History when no journal sink is configured.
	ErrNoHistory = errors.New("admin: no journal configured")
)

// TargetStatus is the public view of one watched target.
type TargetStatus struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Selector  string      `json:"selector"`
	Mode      string      `json:"mode"`
	Listening bool        `json:"listening"`
	Events    []string    `json:"events"`
	LastSeq   uint64      `json:"last_seq"`
	StartedAt time.Time   `json:"started_at"`
	Poll      *poll.Stats `json:"poll,omitempty"`
}

// Controller is what the admin surface drives.
type Controller interface {
	Targets() []TargetStatus
	Target(id string) (TargetStatus, error)
	Trigger(id string, event changewatch.Event, strategy changewatch.Strategy) error
	History(ctx context.Context, id string, limit int) ([]mutation.Batch, error)
}

// Handler returns the chi router serving c.
func Handler(c Controller, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "targets": len(c.Targets())})
	})

	r.Route("/targets", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, c.Targets())
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			st, err := c.Target(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})

		r.Get("/{id}/batches", func(w http.ResponseWriter, r *http.Request) {
			batches, err := c.History(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			if batches == nil {
				batches = []mutation.Batch{}
			}
			writeJSON(w, http.StatusOK, batches)
		})

		r.Post("/{id}/trigger/{event}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			event := changewatch.Event(chi.URLParam(r, "event"))
			strategy := changewatch.Deferred
			if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
				strategy = changewatch.Immediate
			}

			if err := c.Trigger(id, event, strategy); err != nil {
				logger.Warn("admin: trigger failed",
					"target", id, "event", event, "strategy", strategy, "error", err)
				writeError(w, statusOf(err), err)
				return
			}
			status := http.StatusAccepted
			if strategy == changewatch.Immediate {
				status = http.StatusOK
			}
			writeJSON(w, status, map[string]string{
				"target":   id,
				"event":    string(event),
				"strategy": strategy.String(),
			})
		})
	})
	return r
}

func statusOf(err error) int {
	var (
		invalidCat   *changewatch.InvalidCategoryError
		invalidEvent *changewatch.InvalidEventError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoHistory):
		return http.StatusNotImplemented
	case errors.As(err, &invalidCat):
		return http.StatusBadRequest
	case errors.As(err, &invalidEvent):
		// Known event with no registered handler.
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
