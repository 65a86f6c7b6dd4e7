// Package api exposes the REST surface the chat clients consume alongside
// the realtime channel: room history, room status, the account-status side
// channel, and health.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"schoolchat/internal/auth"
	"schoolchat/internal/registry"
	"schoolchat/pkg/types"
)

// HistoryStore is the read side of the message store.
type HistoryStore interface {
	History(ctx context.Context, room string, limit int, beforeID string) ([]*types.Message, error)
}

// RoomStatus reports the live disabled flag, satisfied by the room hub.
type RoomStatus interface {
	Disabled(roomID string) (bool, error)
	Stats() map[string]int
}

// AccountStatus answers whether an account has been blocked since its
// credential was issued. The portal supplies the real implementation;
// AllowAll is the default when none is wired.
type AccountStatus interface {
	Check(ctx context.Context, userID string) (blocked bool, reason string, err error)
}

// AllowAll is the no-op account-status source.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (bool, string, error) { return false, "", nil }

// Sessions is the live-session surface: health reporting plus the forced
// disconnect applied when an account turns out to be blocked. Satisfied by
// the ws session registry.
type Sessions interface {
	Count() int
	CloseUser(userID string) bool
}

type Server struct {
	verifier     *auth.Verifier
	rooms        *registry.Registry
	store        HistoryStore
	status       RoomStatus
	accounts     AccountStatus
	sessions     Sessions
	historyLimit int
	router       *mux.Router
	log          zerolog.Logger
}

func NewServer(verifier *auth.Verifier, rooms *registry.Registry, store HistoryStore, status RoomStatus, accounts AccountStatus, sessions Sessions, historyLimit int, logger zerolog.Logger) *Server {
	s := &Server{
		verifier:     verifier,
		rooms:        rooms,
		store:        store,
		status:       status,
		accounts:     accounts,
		sessions:     sessions,
		historyLimit: historyLimit,
		router:       mux.NewRouter(),
		log:          logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/chat/history/{room}", s.withIdentity(s.handleHistory)).Methods(http.MethodGet)
	s.router.HandleFunc("/chat/status/{room}", s.withIdentity(s.handleStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/auth/check", s.handleAuthCheck).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity types.Identity)

func (s *Server) withIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.FromRequest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing credential")
			return
		}
		next(w, r, identity)
	}
}

// handleHistory serves GET /chat/history/{room}?limit=&before= — the read
// that seeds a client's view when it joins a room.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	roomID := mux.Vars(r)["room"]
	if _, err := s.rooms.Lookup(roomID); err != nil {
		s.writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if !s.rooms.CanJoin(identity, roomID) {
		s.writeError(w, http.StatusForbidden, "no access to room")
		return
	}

	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	messages, err := s.store.History(r.Context(), roomID, limit, r.URL.Query().Get("before"))
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("history query failed")
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleStatus serves GET /chat/status/{room}. The hub is authoritative
// for the disabled flag.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	roomID := mux.Vars(r)["room"]
	if !s.rooms.CanJoin(identity, roomID) {
		if _, err := s.rooms.Lookup(roomID); err != nil {
			s.writeError(w, http.StatusNotFound, "room not found")
			return
		}
		s.writeError(w, http.StatusForbidden, "no access to room")
		return
	}
	disabled, err := s.status.Disabled(roomID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "room not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"room": roomID, "is_disabled": disabled})
}

// handleAuthCheck is the side channel the client watchdog polls. Anything
// but a clean 200 with a valid credential means the session should end;
// the body's error field says why.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.FromRequest(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "expired"})
		return
	}
	blocked, reason, err := s.accounts.Check(r.Context(), identity.ID)
	if err != nil {
		// The status source being down is not evidence the account is
		// blocked; report server trouble and let the watchdog skip it.
		s.log.Warn().Err(err).Str("user", identity.ID).Msg("account status check failed")
		s.writeError(w, http.StatusInternalServerError, "status source unavailable")
		return
	}
	if blocked {
		if reason == "" {
			reason = "blocked"
		}
		if s.sessions.CloseUser(identity.ID) {
			s.log.Info().Str("user", identity.ID).Str("reason", reason).Msg("closed session for blocked account")
		}
		s.writeJSON(w, http.StatusForbidden, map[string]any{"error": reason})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"rooms":    s.status.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}
