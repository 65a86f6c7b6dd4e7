package types

import "encoding/json"

// Event type constants for the realtime channel. Client-to-server requests
// that expect an ack carry an envelope ID the server echoes back.
const (
	EventJoinRoom         = "join_room"
	EventSendMessage      = "send_message"
	EventToggleRoomStatus = "toggle_room_status"
	EventPinMessage       = "pin_message"
	EventUnpinMessage     = "unpin_message"
	EventDeleteMessage    = "delete_message"

	EventAck              = "ack"
	EventError            = "error"
	EventMessageReceived  = "message_received"
	EventRoomStatusUpdate = "room_status_update"
	EventMessagePinned    = "message_pinned"
	EventMessageUnpinned  = "message_unpinned"
	EventMessageDeleted   = "message_deleted"
)

// Envelope is the single frame format on the realtime channel. Data is left
// raw so each side decodes only the payloads it handles.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope. Marshal errors are
// programming errors (all payload types here are marshalable) and panic.
func NewEnvelope(eventType, id string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("types: unmarshalable event payload: " + err.Error())
	}
	return Envelope{Type: eventType, ID: id, Data: data}
}

// Client-to-server payloads.

type JoinRoomRequest struct {
	Room string `json:"room"`
}

type SendMessageRequest struct {
	Room    string      `json:"room"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`
}

type ToggleRoomStatusRequest struct {
	Room string `json:"room"`
}

type MessageRef struct {
	MessageID string `json:"message_id"`
}

// Server-to-client payloads.

type JoinRoomAck struct {
	Room Room `json:"room"`
}

type SendMessageAck struct {
	Message Message `json:"message"`
}

type ToggleRoomStatusAck struct {
	Room     string `json:"room"`
	Disabled bool   `json:"is_disabled"`
}

type MessageEvent struct {
	Message Message `json:"message"`
}

type RoomStatusUpdate struct {
	Room     string `json:"room"`
	Disabled bool   `json:"is_disabled"`
}

type MessageDeleted struct {
	MessageID string `json:"message_id"`
	Room      string `json:"room"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
