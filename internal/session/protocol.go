// ABOUTME: Wire protocol for presence and chat connections
// ABOUTME: Group events, NDJSON outbound frames and validated inbound frames

package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/zybochat/zybo-gateway/internal/broadcast"
)

// PresenceGroup is the single group every presence session joins.
const PresenceGroup = "presence"

// RoomName returns the group name shared by both participants of a chat.
func RoomName(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("chat_%d_%d", a, b)
}

// Inbound frame types
const (
	FrameMessage       = "message"
	FrameMarkAsRead    = "mark_as_read"
	FrameTyping        = "typing"
	FrameStopTyping    = "stop_typing"
	FrameDeleteMessage = "delete_message"
)

// Group events. Each maps to exactly one outbound frame type.

// PresenceChanged is sent to the presence group when a user's derived
// online state is announced.
type PresenceChanged struct {
	UserID   int64
	Username string
	IsOnline bool
}

// StatusChanged is sent to a chat room when a participant connects or leaves.
type StatusChanged struct {
	UserID   int64
	IsOnline bool
}

// ChatMessage is a persisted message.
type ChatMessage struct {
	MessageID  int64
	Message    string
	SenderID   int64
	SenderName string
	Timestamp  string // HH:MM in the gateway's chat timezone
}

// MessagesRead is a read receipt.
type MessagesRead struct {
	MessageIDs []int64
}

// Typing announces that a user started typing.
type Typing struct {
	UserID int64
}

// StopTyping announces that a user stopped typing.
type StopTyping struct {
	UserID int64
}

// MessageDeleted is a deletion notice.
type MessageDeleted struct {
	MessageID int64
}

func (PresenceChanged) EventType() string { return "presence" }
func (StatusChanged) EventType() string   { return "status" }
func (ChatMessage) EventType() string     { return "message" }
func (MessagesRead) EventType() string    { return "read" }
func (Typing) EventType() string          { return "typing" }
func (StopTyping) EventType() string      { return "stop_typing" }
func (MessageDeleted) EventType() string  { return "deleted" }

// Outbound frames. Field order is the wire order.

type presenceFrame struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type statusFrame struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

type messageFrame struct {
	Type       string `json:"type"`
	MessageID  int64  `json:"message_id"`
	Message    string `json:"message"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Timestamp  string `json:"timestamp"`
}

type readFrame struct {
	Type       string  `json:"type"`
	MessageIDs []int64 `json:"message_ids"`
}

type userFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type deletedFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// Render encodes ev as one newline-terminated JSON frame for the client of
// user selfID. It returns false when that client must not see the event:
// typing indicators are never echoed to the user who is typing.
func Render(ev broadcast.Event, selfID int64) ([]byte, bool, error) {
	var frame any
	switch e := ev.(type) {
	case PresenceChanged:
		frame = presenceFrame{Type: e.EventType(), UserID: e.UserID, Username: e.Username, IsOnline: e.IsOnline}
	case StatusChanged:
		frame = statusFrame{Type: e.EventType(), UserID: e.UserID, IsOnline: e.IsOnline}
	case ChatMessage:
		frame = messageFrame{
			Type:       e.EventType(),
			MessageID:  e.MessageID,
			Message:    e.Message,
			SenderID:   e.SenderID,
			SenderName: e.SenderName,
			Timestamp:  e.Timestamp,
		}
	case MessagesRead:
		ids := e.MessageIDs
		if ids == nil {
			ids = []int64{}
		}
		frame = readFrame{Type: e.EventType(), MessageIDs: ids}
	case Typing:
		if e.UserID == selfID {
			return nil, false, nil
		}
		frame = userFrame{Type: e.EventType(), UserID: e.UserID}
	case StopTyping:
		if e.UserID == selfID {
			return nil, false, nil
		}
		frame = userFrame{Type: e.EventType(), UserID: e.UserID}
	case MessageDeleted:
		frame = deletedFrame{Type: e.EventType(), MessageID: e.MessageID}
	default:
		return nil, false, fmt.Errorf("unknown event type %T", ev)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, false, fmt.Errorf("encoding %s frame: %w", ev.EventType(), err)
	}
	return append(data, '\n'), true, nil
}

// Inbound frames

var validate = validator.New()

type envelope struct {
	Type *string `json:"type"`
}

// SendMessage is a "message" frame. ClientID is optional and used to drop
// retransmits.
type SendMessage struct {
	Message  string `json:"message"`
	ClientID string `json:"client_id" validate:"omitempty,max=128"`
}

// MarkAsRead is a "mark_as_read" frame. Ids are echoed as sent; the store
// skips ids that match nothing.
type MarkAsRead struct {
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1"`
}

// DeleteMessage is a "delete_message" frame.
type DeleteMessage struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

// TypingFrame is a "typing" or "stop_typing" frame; it carries no fields.
type TypingFrame struct {
	Stop bool `json:"-"`
}

// UnknownFrame is a frame with an unrecognised type; it is ignored.
type UnknownFrame struct {
	Type string
}

// SplitFrames splits a transport message into its newline-delimited frames,
// skipping blank lines.
func SplitFrames(data []byte) [][]byte {
	var frames [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
	return frames
}

// ParseFrame decodes one inbound frame into SendMessage, MarkAsRead,
// DeleteMessage, TypingFrame or UnknownFrame. A missing type means
// "message". Malformed JSON and frames failing validation return an error.
func ParseFrame(line []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	kind := FrameMessage
	if env.Type != nil {
		kind = *env.Type
	}

	var frame any
	switch kind {
	case FrameMessage:
		frame = &SendMessage{}
	case FrameMarkAsRead:
		frame = &MarkAsRead{}
	case FrameDeleteMessage:
		frame = &DeleteMessage{}
	case FrameTyping:
		return TypingFrame{}, nil
	case FrameStopTyping:
		return TypingFrame{Stop: true}, nil
	default:
		return UnknownFrame{Type: kind}, nil
	}

	if err := json.Unmarshal(line, frame); err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", kind, err)
	}
	if err := validate.Struct(frame); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", kind, err)
	}

	switch f := frame.(type) {
	case *SendMessage:
		return *f, nil
	case *MarkAsRead:
		return *f, nil
	default:
		return *frame.(*DeleteMessage), nil
	}
}
