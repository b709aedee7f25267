// Package server exposes the engagement engine over HTTP and websocket.
//
// Endpoints:
//
//	POST /chat          ingest an utterance; 200 reply, 202 declined,
//	                    204 reset command, 400 invalid, 429 rate limited,
//	                    502 LLM failure
//	POST /memory/reset  save and reset the conversation; 204
//	POST /memory        add a memory entry; 201
//	GET  /state         state machine snapshot for diagnostics
//	GET  /ws            websocket carrying the /chat contract per frame
//	GET  /metrics       Prometheus scrape endpoint
//	GET  /healthz,/readyz
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selkiehq/selkie/internal/health"
	"github.com/selkiehq/selkie/internal/memory"
	"github.com/selkiehq/selkie/internal/npc"
	"github.com/selkiehq/selkie/internal/observe"
)

// Config holds the server settings.
type Config struct {
	// RateLimitRPS and RateLimitBurst configure the per-speaker token bucket.
	// RPS <= 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server routes HTTP traffic to the engagement engine.
type Server struct {
	engine   *npc.Engine
	memories *memory.Store
	health   *health.Handler
	metrics  *observe.Metrics
	limiter  *speakerLimiter
}

// New creates a Server.
func New(cfg Config, engine *npc.Engine, memories *memory.Store, h *health.Handler, m *observe.Metrics) *Server {
	return &Server{
		engine:   engine,
		memories: memories,
		health:   h,
		metrics:  m,
		limiter:  newSpeakerLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// Routes builds the full handler with observability middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /memory/reset", s.handleMemoryReset)
	mux.HandleFunc("POST /memory", s.handleMemoryAdd)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// chatRequest is the ingest body shared by /chat and /ws.
type chatRequest struct {
	// Speaker is the display name. Required.
	Speaker string `json:"speaker"`

	// Message is the utterance text. Required.
	Message string `json:"message"`

	// AvatarID is the stable speaker identity. Defaults to Speaker.
	AvatarID string `json:"avatarId"`
}

// validate checks required fields and defaults AvatarID.
func (r *chatRequest) validate() error {
	if r.Speaker == "" {
		return errors.New("speaker is required")
	}
	if r.Message == "" {
		return errors.New("message is required")
	}
	if r.AvatarID == "" {
		r.AvatarID = r.Speaker
	}
	return nil
}

// handleChat implements the main ingest endpoint.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(req.AvatarID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	res, err := s.engine.HandleMessage(r.Context(), req.Speaker, req.AvatarID, req.Message)
	if err != nil {
		observe.Logger(r.Context()).Error("llm turn failed", "err", err)
		http.Error(w, "llm backend failure", http.StatusBadGateway)
		return
	}

	switch res.Verdict {
	case npc.VerdictReply:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(res.Reply)); err != nil {
			slog.Warn("write reply failed", "err", err)
		}
	case npc.VerdictReset:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleMemoryReset saves and resets the conversation and engine state.
func (s *Server) handleMemoryReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset("http")
	w.WriteHeader(http.StatusNoContent)
}

// memoryAddRequest is the body of POST /memory.
type memoryAddRequest struct {
	Keywords []string `json:"keywords"`
	Content  string   `json:"content"`
	Priority int      `json:"priority"`
}

// handleMemoryAdd stores a new memory entry at runtime.
func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	var req memoryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.Keywords) == 0 || req.Content == "" {
		http.Error(w, "keywords and content are required", http.StatusBadRequest)
		return
	}

	id := s.memories.Add(req.Keywords, req.Content, req.Priority)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// handleState returns the state machine snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(s.engine.Machine().Info())
}
