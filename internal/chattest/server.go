// Package chattest is an in-memory chat server implementing the wire
// contract the engine speaks: cookie-based /auth, /session and /logout plus
// a /ws endpoint with id-assigning echo, presence broadcast, reaction
// history re-broadcast and cursor-paginated history. It exists for the
// engine's tests; it holds no persistent state.
package chattest

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/chatkit/internal/model"
)

const sessionCookie = "chat_session"

type sessionState struct {
	Username string
	Room     string
}

// Server is the fake chat server. Wrap Handler() in httptest.NewServer.
type Server struct {
	mu         sync.Mutex
	sessions   map[string]sessionState // cookie value -> session
	tokens     map[string]string       // accepted token -> username it belongs to, empty map accepts all
	rejectAuth bool
	hub        *hub

	// PageSize is the number of history entries served per batch.
	PageSize int
}

// NewServer builds a fake server that accepts any credentials.
func NewServer() *Server {
	return &Server{
		sessions: make(map[string]sessionState),
		tokens:   make(map[string]string),
		hub:      newHub(),
		PageSize: 50,
	}
}

// RejectAuth makes subsequent /auth calls fail with success=false.
func (s *Server) RejectAuth(reject bool) {
	s.mu.Lock()
	s.rejectAuth = reject
	s.mu.Unlock()
}

// Seed appends pre-existing chat history to a room, for pagination tests.
func (s *Server) Seed(room string, frames ...model.Frame) {
	s.hub.seed(room, frames)
}

// Handler returns the HTTP handler with the production middleware contract
// browser clients see (CORS with credentials).
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	}))
	r.Post("/auth", s.handleAuth)
	r.Get("/session", s.handleSession)
	r.Post("/logout", s.handleLogout)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Token    string `json:"token"`
		Room     string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid request body"})
		return
	}
	if req.Username == "" || req.Token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Invalid credentials"})
		return
	}
	s.mu.Lock()
	if s.rejectAuth {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Invalid credentials"})
		return
	}
	if len(s.tokens) > 0 {
		if owner, ok := s.tokens[req.Token]; !ok || owner != req.Username {
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Invalid credentials"})
			return
		}
	}
	cookie := uuid.NewString()
	s.sessions[cookie] = sessionState{Username: req.Username, Room: req.Room}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    cookie,
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"username": req.Username,
		"room":     req.Room,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(r)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"username": sess.Username,
		"room":     sess.Room,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) sessionFor(r *http.Request) (sessionState, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return sessionState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.Value]
	return sess, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
