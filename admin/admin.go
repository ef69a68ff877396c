// Package admin exposes the engine over a localhost HTTP API: status,
// undo/redo, captured-slot previews and the event journal.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/journal"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/regret"
	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/shield"
)

// Journal is the slice of the journal store the admin surface reads.
type Journal interface {
	Recent(ctx context.Context, pageID string, limit int) ([]journal.Entry, error)
}

// Server wires the admin routes over one session.
type Server struct {
	sess      *regret.Session
	journal   Journal
	sanitizer *bluemonday.Policy
}

// New creates the admin server. journal may be nil; the /journal route
// then reports 404.
func New(sess *regret.Session, jrnl Journal) *Server {
	// Previews render captured page markup back to a browser; strip
	// anything active before it leaves the process.
	pol := bluemonday.UGCPolicy()
	pol.AllowAttrs("class").Globally()
	return &Server{sess: sess, journal: jrnl, sanitizer: pol}
}

// Handler returns the routed handler with the default middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/undo", s.handleUndo)
	r.Post("/redo", s.handleRedo)
	r.Get("/preview/{slot}", s.handlePreview)
	r.Get("/journal", s.handleJournal)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Status())
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.restore(w, r, s.sess.Undo)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.restore(w, r, s.sess.Redo)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request, do func(context.Context) error) {
	if err := do(r.Context()); err != nil {
		shield.GetLogger(r.Context()).Warn("restore refused", "error", err)
		writeJSON(w, restoreStatusCode(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Status())
}

// restoreStatusCode maps engine errors onto HTTP statuses: denied
// preconditions are conflicts, an unready page is temporary.
func restoreStatusCode(err error) int {
	switch {
	case errors.Is(err, regret.ErrDenied):
		return http.StatusConflict
	case errors.Is(err, regret.ErrNotReady), errors.Is(err, regret.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	slot := chi.URLParam(r, "slot")
	if slot != "old" && slot != "new" {
		http.NotFound(w, r)
		return
	}
	markup := s.sess.SnapshotHTML(slot)
	if markup == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(s.sanitizer.Sanitize(markup)))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.NotFound(w, r)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.journal.Recent(r.Context(), r.URL.Query().Get("page"), limit)
	if err != nil {
		shield.GetLogger(r.Context()).Error("journal query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
