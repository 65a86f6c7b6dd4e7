package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"schoolchat/internal/auth"
	"schoolchat/internal/hub"
	"schoolchat/internal/pipeline"
	"schoolchat/internal/registry"
	"schoolchat/pkg/types"
)

// Config carries the transport tunables the handler needs.
type Config struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	HandshakeTimeout time.Duration
}

// Handler authenticates upgrades and drives the per-connection read loop.
type Handler struct {
	upgrader websocket.Upgrader
	verifier *auth.Verifier
	rooms    *registry.Registry
	hub      *hub.Hub
	pipeline *pipeline.Pipeline
	sessions *Registry
	cfg      Config
	log      zerolog.Logger
}

func NewHandler(verifier *auth.Verifier, rooms *registry.Registry, h *hub.Hub, p *pipeline.Pipeline, sessions *Registry, cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// The portal serves the widget from its own origin; the
			// credential check is what actually gates access here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		verifier: verifier,
		rooms:    rooms,
		hub:      h,
		pipeline: p,
		sessions: sessions,
		cfg:      cfg,
		log:      logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP handles GET /ws. Authentication happens before the upgrade so
// rejected clients get a proper HTTP status instead of a dead socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.FromRequest(r)
	if err != nil {
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	session := NewSession(identity, NewConnection(conn, h.cfg.SendBuffer, h.cfg.WriteTimeout))
	if replaced := h.sessions.Add(session); replaced != nil {
		// Close the superseded connection off this goroutine; its own
		// read loop handles room cleanup.
		go func() { _ = replaced.Close() }()
	}

	h.log.Info().Str("user", identity.ID).Str("role", string(identity.Role)).Str("session", session.ID()).Msg("session connected")
	go h.readLoop(conn, session)
}

func (h *Handler) readLoop(conn *websocket.Conn, session *Session) {
	defer func() {
		if room := session.ActiveRoom(); room != "" {
			_ = h.hub.Leave(room, session.ID())
		}
		h.sessions.Remove(session)
		_ = session.Close()
		h.log.Info().Str("user", session.Identity().ID).Str("session", session.ID()).Msg("session disconnected")
	}()

	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn, session)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("session", session.ID()).Msg("read error")
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(session, "", fmt.Errorf("%w: malformed envelope", types.ErrValidation))
			continue
		}
		h.dispatch(session, env)
	}
}

func (h *Handler) pingLoop(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-session.conn.Done():
			return
		}
	}
}

func (h *Handler) dispatch(session *Session, env types.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case types.EventJoinRoom:
		var req types.JoinRoomRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(session, env.ID, fmt.Errorf("%w: malformed join_room", types.ErrValidation))
			return
		}
		room, err := h.join(session, req.Room)
		if err != nil {
			h.sendError(session, env.ID, err)
			return
		}
		h.sendAck(session, env.ID, types.JoinRoomAck{Room: room})

	case types.EventSendMessage:
		var req types.SendMessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(session, env.ID, fmt.Errorf("%w: malformed send_message", types.ErrValidation))
			return
		}
		if session.ActiveRoom() != req.Room {
			h.sendError(session, env.ID, fmt.Errorf("%w: not joined to room %s", types.ErrValidation, req.Room))
			return
		}
		msg, err := h.pipeline.Send(ctx, session.Identity(), session.ID(), req)
		if err != nil {
			h.sendError(session, env.ID, err)
			return
		}
		h.sendAck(session, env.ID, types.SendMessageAck{Message: *msg})

	case types.EventToggleRoomStatus:
		var req types.ToggleRoomStatusRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(session, env.ID, fmt.Errorf("%w: malformed toggle_room_status", types.ErrValidation))
			return
		}
		disabled, err := h.pipeline.ToggleStatus(session.Identity(), req.Room)
		if err != nil {
			h.sendError(session, env.ID, err)
			return
		}
		h.sendAck(session, env.ID, types.ToggleRoomStatusAck{Room: req.Room, Disabled: disabled})

	case types.EventPinMessage, types.EventUnpinMessage:
		var req types.MessageRef
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(session, env.ID, fmt.Errorf("%w: malformed pin request", types.ErrValidation))
			return
		}
		var msg *types.Message
		var err error
		if env.Type == types.EventPinMessage {
			msg, err = h.pipeline.Pin(ctx, session.Identity(), req.MessageID)
		} else {
			msg, err = h.pipeline.Unpin(ctx, session.Identity(), req.MessageID)
		}
		if err != nil {
			h.sendError(session, env.ID, err)
			return
		}
		h.sendAck(session, env.ID, types.MessageEvent{Message: *msg})

	case types.EventDeleteMessage:
		// Fire-and-forget on the wire: no ack, errors surfaced separately.
		var req types.MessageRef
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(session, env.ID, fmt.Errorf("%w: malformed delete_message", types.ErrValidation))
			return
		}
		if err := h.pipeline.Delete(ctx, session.Identity(), req.MessageID); err != nil {
			h.sendError(session, env.ID, err)
		}

	default:
		h.sendError(session, env.ID, fmt.Errorf("%w: unknown event type %q", types.ErrValidation, env.Type))
	}
}

// join validates entitlement, moves the session's membership, and returns
// the room with its live disabled flag. Joining the current room again is
// a no-op grant.
func (h *Handler) join(session *Session, roomID string) (types.Room, error) {
	room, err := h.rooms.Lookup(roomID)
	if err != nil {
		return types.Room{}, err
	}
	if !h.rooms.CanJoin(session.Identity(), roomID) {
		return types.Room{}, fmt.Errorf("%w: no access to room %s", types.ErrForbidden, roomID)
	}

	if err := h.hub.Join(roomID, session); err != nil {
		return types.Room{}, err
	}
	if previous := session.SetActiveRoom(roomID); previous != "" && previous != roomID {
		_ = h.hub.Leave(previous, session.ID())
	}

	disabled, err := h.hub.Disabled(roomID)
	if err != nil {
		return types.Room{}, err
	}
	room.Disabled = disabled
	return room, nil
}

func (h *Handler) sendAck(session *Session, correlationID string, payload any) {
	env := types.NewEnvelope(types.EventAck, correlationID, payload)
	if err := session.conn.SendWait(env); err != nil {
		h.log.Debug().Err(err).Str("session", session.ID()).Msg("ack delivery failed")
	}
}

func (h *Handler) sendError(session *Session, correlationID string, opErr error) {
	env := types.NewEnvelope(types.EventError, correlationID, types.ErrorEvent{
		Code:    types.ErrorCode(opErr),
		Message: opErr.Error(),
	})
	if err := session.conn.SendWait(env); err != nil {
		h.log.Debug().Err(err).Str("session", session.ID()).Msg("error delivery failed")
	}
}
