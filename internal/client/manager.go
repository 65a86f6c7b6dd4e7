// Package client is the embeddable chat client core: the connection
// manager state machine, the optimistic-send reconciliation buffer, the
// collaborator REST reads, and the session watchdog.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"schoolchat/pkg/types"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateJoined       State = "JOINED"
)

// ErrNotConnected is returned for operations that need a live, joined
// session.
var ErrNotConnected = errors.New("not connected")

// Options configures a Manager.
type Options struct {
	WSURL    string // e.g. ws://portal.example/ws
	RESTBase string // e.g. http://portal.example
	Token    string

	AckTimeout time.Duration // default 5s
	BackoffMin time.Duration // default 1s
	BackoffMax time.Duration // default 30s

	// OnRoomStatus fires when a room's disabled flag changes or is seeded.
	OnRoomStatus func(room string, disabled bool)
	// OnSessionEnd fires when the watchdog (or any forced teardown) ends
	// the session; the UI should force re-authentication.
	OnSessionEnd func(reason string)
	// OnAsyncError receives server errors that have no waiting request,
	// e.g. a rejected fire-and-forget delete.
	OnAsyncError func(err error)
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// Manager owns one realtime session for one identity. Constructed at
// login, destroyed at logout or teardown; no global connection state.
type Manager struct {
	identity types.Identity
	opts     Options
	rest     *RESTClient
	buffer   *Buffer
	log      zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	activeRoom string
	disabled   map[string]bool
	terminated bool

	writeMu sync.Mutex

	acksMu sync.Mutex
	acks   map[string]chan ackResult

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewManager(identity types.Identity, opts Options, logger zerolog.Logger) (*Manager, error) {
	// No anonymous connections: the manager exists only for an
	// authenticated identity.
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Manager{
		identity: identity,
		opts:     opts,
		rest:     NewRESTClient(opts.RESTBase, opts.Token),
		buffer:   NewBuffer(),
		log:      logger.With().Str("component", "client").Str("user", identity.ID).Logger(),
		state:    StateDisconnected,
		disabled: make(map[string]bool),
		acks:     make(map[string]chan ackResult),
	}, nil
}

// Buffer exposes the reconciliation buffer for rendering.
func (m *Manager) Buffer() *Buffer { return m.buffer }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveRoom returns the joined room, or "".
func (m *Manager) ActiveRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRoom
}

// RoomDisabled returns the last known disabled flag for a room.
func (m *Manager) RoomDisabled(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled[room]
}

// Connect performs the authentication handshake and starts the session.
// After the first successful connect, transport drops are recovered
// automatically with bounded backoff until Logout or Teardown.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return fmt.Errorf("%w: session ended", types.ErrTransport)
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return errors.New("already connected")
	}
	m.state = StateConnecting
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	go m.readLoop(conn)
	m.log.Info().Msg("connected")
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)
	conn, resp, err := dialer.DialContext(ctx, m.opts.WSURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Join switches the session to a room. Join is idempotent server-side;
// no prior leave is required. On success the history and disabled-flag
// reads run concurrently with live events and merge whenever they land.
func (m *Manager) Join(ctx context.Context, room string) error {
	m.mu.Lock()
	if m.state != StateConnected && m.state != StateJoined {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.activeRoom != "" && m.activeRoom != room {
		m.buffer.Reset()
	}
	m.mu.Unlock()

	env := types.NewEnvelope(types.EventJoinRoom, uuid.New().String(), types.JoinRoomRequest{Room: room})
	data, err := m.request(ctx, env, m.opts.AckTimeout)
	if err != nil {
		return err
	}
	var ack types.JoinRoomAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("malformed join ack: %w", err)
	}

	m.mu.Lock()
	m.activeRoom = room
	m.state = StateJoined
	m.disabled[room] = ack.Room.Disabled
	m.mu.Unlock()

	go m.seedHistory(room)
	go m.seedStatus(room)

	m.log.Info().Str("room", room).Msg("joined room")
	return nil
}

// seedHistory fetches the room history. Live broadcasts may already have
// appended messages; MergeHistory tolerates any interleaving.
func (m *Manager) seedHistory(room string) {
	ctx, cancel := context.WithTimeout(m.runCtx, 15*time.Second)
	defer cancel()
	history, err := m.rest.History(ctx, room)
	if err != nil {
		m.log.Warn().Err(err).Str("room", room).Msg("history read failed")
		return
	}
	if m.ActiveRoom() != room {
		return // switched rooms while the read was in flight
	}
	m.buffer.MergeHistory(history)
}

func (m *Manager) seedStatus(room string) {
	ctx, cancel := context.WithTimeout(m.runCtx, 15*time.Second)
	defer cancel()
	disabled, err := m.rest.Status(ctx, room)
	if err != nil {
		m.log.Warn().Err(err).Str("room", room).Msg("status read failed")
		return
	}
	m.setRoomDisabled(room, disabled)
}

func (m *Manager) setRoomDisabled(room string, disabled bool) {
	m.mu.Lock()
	changed := m.disabled[room] != disabled
	m.disabled[room] = disabled
	m.mu.Unlock()
	if changed && m.opts.OnRoomStatus != nil {
		m.opts.OnRoomStatus(room, disabled)
	}
}

// Send submits a message optimistically: the pending entry appears in the
// buffer immediately, and the ack rewrites it to the canonical message.
// On Timeout the pending entry stays, retryable via Retry or removable via
// the buffer's Discard — it is never dropped silently.
func (m *Manager) Send(ctx context.Context, content string, kind types.MessageKind) (*types.Message, string, error) {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return nil, "", ErrNotConnected
	}
	room := m.activeRoom
	m.mu.Unlock()

	pending := m.buffer.Submit(m.identity, room, content, kind)
	msg, err := m.deliverPending(ctx, pending)
	return msg, pending.TempID, err
}

// Retry resends a timed-out pending message under its original tempId.
func (m *Manager) Retry(ctx context.Context, tempID string) (*types.Message, error) {
	pending, ok := m.buffer.Pending(tempID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown pending message", types.ErrValidation)
	}
	m.mu.Lock()
	joined := m.state == StateJoined && m.activeRoom == pending.Room
	m.mu.Unlock()
	if !joined {
		return nil, ErrNotConnected
	}
	return m.deliverPending(ctx, pending)
}

func (m *Manager) deliverPending(ctx context.Context, pending types.PendingMessage) (*types.Message, error) {
	env := types.NewEnvelope(types.EventSendMessage, uuid.New().String(), types.SendMessageRequest{
		Room:    pending.Room,
		Content: pending.Content,
		Kind:    pending.Kind,
	})
	data, err := m.request(ctx, env, m.opts.AckTimeout)
	if err != nil {
		return nil, err
	}
	var ack types.SendMessageAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("malformed send ack: %w", err)
	}
	m.buffer.OnAck(pending.TempID, ack.Message)
	return &ack.Message, nil
}

// Pin asks the server to pin a message; the confirming event updates the
// buffer for everyone in the room, this client included.
func (m *Manager) Pin(ctx context.Context, messageID string) (*types.Message, error) {
	return m.pinRequest(ctx, types.EventPinMessage, messageID)
}

func (m *Manager) Unpin(ctx context.Context, messageID string) (*types.Message, error) {
	return m.pinRequest(ctx, types.EventUnpinMessage, messageID)
}

func (m *Manager) pinRequest(ctx context.Context, event, messageID string) (*types.Message, error) {
	env := types.NewEnvelope(event, uuid.New().String(), types.MessageRef{MessageID: messageID})
	data, err := m.request(ctx, env, m.opts.AckTimeout)
	if err != nil {
		return nil, err
	}
	var ack types.MessageEvent
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("malformed pin ack: %w", err)
	}
	return &ack.Message, nil
}

// Delete is fire-and-forget on the wire; a rejection arrives as an async
// error. The local view updates when the message_deleted event comes back.
func (m *Manager) Delete(messageID string) error {
	env := types.NewEnvelope(types.EventDeleteMessage, uuid.New().String(), types.MessageRef{MessageID: messageID})
	return m.write(env)
}

// ToggleRoomStatus flips the room's disabled flag (admin only).
func (m *Manager) ToggleRoomStatus(ctx context.Context, room string) (bool, error) {
	env := types.NewEnvelope(types.EventToggleRoomStatus, uuid.New().String(), types.ToggleRoomStatusRequest{Room: room})
	data, err := m.request(ctx, env, m.opts.AckTimeout)
	if err != nil {
		return false, err
	}
	var ack types.ToggleRoomStatusAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return false, fmt.Errorf("malformed toggle ack: %w", err)
	}
	m.setRoomDisabled(ack.Room, ack.Disabled)
	return ack.Disabled, nil
}

// request writes an envelope and waits for its correlated ack or error.
func (m *Manager) request(ctx context.Context, env types.Envelope, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan ackResult, 1)
	m.acksMu.Lock()
	m.acks[env.ID] = ch
	m.acksMu.Unlock()
	defer func() {
		m.acksMu.Lock()
		delete(m.acks, env.ID)
		m.acksMu.Unlock()
	}()

	if err := m.write(env); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, types.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) write(env types.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: no connection", types.ErrTransport)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Debug().Err(err).Msg("malformed server frame")
			continue
		}
		m.handleEvent(env)
	}

	m.failPendingAcks()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	terminated := m.terminated
	if terminated {
		m.state = StateDisconnected
	} else {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	if !terminated {
		m.log.Warn().Msg("transport dropped, reconnecting")
		go m.reconnectLoop()
	}
}

// reconnectLoop redials with capped exponential backoff until it succeeds
// or the session is terminated. A re-established session rejoins its room
// and reseeds state, since broadcasts were missed while offline.
func (m *Manager) reconnectLoop() {
	backoff := m.opts.BackoffMin
	for {
		select {
		case <-time.After(backoff):
		case <-m.runCtx.Done():
			return
		}

		m.mu.Lock()
		if m.terminated {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		conn, err := m.dial(m.runCtx)
		if err != nil {
			backoff *= 2
			if backoff > m.opts.BackoffMax {
				backoff = m.opts.BackoffMax
			}
			m.log.Debug().Err(err).Dur("next_backoff", backoff).Msg("reconnect failed")
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		room := m.activeRoom
		m.mu.Unlock()

		go m.readLoop(conn)
		m.log.Info().Msg("reconnected")

		if room != "" {
			ctx, cancel := context.WithTimeout(m.runCtx, m.opts.AckTimeout*2)
			if err := m.Join(ctx, room); err != nil {
				m.log.Warn().Err(err).Str("room", room).Msg("rejoin failed")
			}
			cancel()
		}
		return
	}
}

func (m *Manager) handleEvent(env types.Envelope) {
	switch env.Type {
	case types.EventAck:
		m.resolveAck(env.ID, ackResult{data: env.Data})

	case types.EventError:
		var e types.ErrorEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		opErr := types.DecodeError(e.Code)
		if env.ID != "" && m.resolveAck(env.ID, ackResult{err: opErr}) {
			return
		}
		m.log.Warn().Str("code", e.Code).Str("detail", e.Message).Msg("server error")
		if m.opts.OnAsyncError != nil {
			m.opts.OnAsyncError(opErr)
		}

	case types.EventMessageReceived:
		var ev types.MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.buffer.OnBroadcast(ev.Message, m.identity.ID)

	case types.EventRoomStatusUpdate:
		var ev types.RoomStatusUpdate
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.setRoomDisabled(ev.Room, ev.Disabled)

	case types.EventMessagePinned, types.EventMessageUnpinned:
		var ev types.MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.buffer.OnPinned(ev.Message)

	case types.EventMessageDeleted:
		var ev types.MessageDeleted
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		m.buffer.OnDeleted(ev.MessageID)

	default:
		m.log.Debug().Str("type", env.Type).Msg("unhandled server event")
	}
}

func (m *Manager) resolveAck(id string, res ackResult) bool {
	m.acksMu.Lock()
	ch, ok := m.acks[id]
	if ok {
		delete(m.acks, id)
	}
	m.acksMu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (m *Manager) failPendingAcks() {
	m.acksMu.Lock()
	pending := m.acks
	m.acks = make(map[string]chan ackResult)
	m.acksMu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: types.ErrTransport}
	}
}

// Logout ends the session permanently: no reconnects, no further sends.
func (m *Manager) Logout() {
	m.terminate("")
}

// Teardown is the watchdog's entry point: it forces DISCONNECTED and
// notifies the UI that re-authentication is required. Safe to call
// concurrently with in-flight sends — they fail with a transport error.
func (m *Manager) Teardown(reason string) {
	m.terminate(reason)
}

func (m *Manager) terminate(reason string) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.state = StateDisconnected
	conn := m.conn
	m.conn = nil
	cancel := m.runCancel
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.failPendingAcks()

	if reason != "" {
		m.log.Warn().Str("reason", reason).Msg("session torn down")
		if m.opts.OnSessionEnd != nil {
			m.opts.OnSessionEnd(reason)
		}
	} else {
		m.log.Info().Msg("logged out")
	}
}
