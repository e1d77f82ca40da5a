// Package server exposes the pipeline over HTTP: design CRUD, an SSE
// event stream per design, and the approval endpoint that resumes a
// suspended run.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/danshapiro/crucible/internal/graph"
	"github.com/danshapiro/crucible/internal/llm"
	"github.com/danshapiro/crucible/internal/pipeline"
	"github.com/danshapiro/crucible/internal/store"
)

// Deps bundles what every per-design pipeline shares.
type Deps struct {
	Config       pipeline.Config
	Client       *llm.Client
	Collab       pipeline.Collaborators
	Store        store.Store
	Checkpointer graph.Checkpointer[pipeline.State]
}

type run struct {
	pipe        *pipeline.Pipeline
	broadcaster *Broadcaster
	cancel      context.CancelFunc
	mu          sync.Mutex
	suspended   bool
}

// Server hosts concurrent design runs. Each design gets its own pipeline
// instance wired to its own broadcaster; the store and checkpointer are
// shared.
type Server struct {
	deps Deps
	log  *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

func New(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{deps: deps, log: log, runs: map[string]*run{}}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /designs", s.handleCreate)
	mux.HandleFunc("GET /designs", s.handleList)
	mux.HandleFunc("GET /designs/{id}", s.handleGet)
	mux.HandleFunc("GET /designs/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /designs/{id}/approval", s.handleApproval)
	mux.HandleFunc("POST /designs/{id}/cancel", s.handleCancel)
	return mux
}

func (s *Server) newRun(emitter graph.Emitter) (*pipeline.Pipeline, error) {
	return pipeline.New(s.deps.Config, s.deps.Client, s.deps.Collab,
		s.deps.Store, s.deps.Checkpointer, pipeline.Options{
			Emitter: emitter,
			Logger:  s.log,
		})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		httpError(w, http.StatusBadRequest, "body must be {\"prompt\": \"...\"}")
		return
	}

	b := NewBroadcaster()
	pipe, err := s.newRun(b)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	initial := pipeline.NewInitialState(req.Prompt)
	id := initial.Record.ID
	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{pipe: pipe, broadcaster: b, cancel: cancel}

	s.mu.Lock()
	s.runs[id] = rn
	s.mu.Unlock()

	go func() {
		_, err := pipe.RunInitial(ctx, initial)
		s.settle(id, rn, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// settle closes the broadcaster on terminal outcomes and keeps it open
// across the approval suspension.
func (s *Server) settle(id string, rn *run, err error) {
	if errors.Is(err, graph.ErrInterrupted) {
		rn.mu.Lock()
		rn.suspended = true
		rn.mu.Unlock()
		s.log.Info("design awaiting approval", zap.String("design", id))
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("design run failed", zap.String("design", id), zap.Error(err))
	}
	rn.broadcaster.Close()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Store.List(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]json.RawMessage, 0, len(docs))
	out = append(out, docs...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.deps.Store.Load(r.Context(), r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "unknown design")
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(doc))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rn, ok := s.runs[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "no live run for design")
		return
	}
	WriteSSE(w, r, rn.broadcaster)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "no live run for design")
		return
	}
	rn.mu.Lock()
	suspended := rn.suspended
	rn.suspended = false
	rn.mu.Unlock()
	if !suspended {
		httpError(w, http.StatusConflict, "design is not awaiting approval")
		return
	}

	var req struct {
		Approved bool   `json:"approved"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "body must be {\"approved\": bool, \"feedback\": \"...\"}")
		return
	}

	go func() {
		_, err := rn.pipe.Resume(context.Background(), id, map[string]any{
			"approved": req.Approved,
			"feedback": req.Feedback,
		})
		s.settle(id, rn, err)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "approved": req.Approved})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "no live run for design")
		return
	}
	rn.cancel() // idempotent; a second cancel is a no-op
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
