// ABOUTME: Tests for frame parsing and rendering
// ABOUTME: Pins outbound field order and inbound type dispatch and validation

package session

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zybochat/zybo-gateway/internal/broadcast"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		ev   broadcast.Event
		want string
	}{
		{
			name: "presence",
			ev:   PresenceChanged{UserID: 5, Username: "alice", IsOnline: true},
			want: `{"type":"presence","user_id":5,"username":"alice","is_online":true}`,
		},
		{
			name: "status",
			ev:   StatusChanged{UserID: 9, IsOnline: false},
			want: `{"type":"status","user_id":9,"is_online":false}`,
		},
		{
			name: "message",
			ev:   ChatMessage{MessageID: 1, Message: "hi", SenderID: 5, SenderName: "alice", Timestamp: "10:04"},
			want: `{"type":"message","message_id":1,"message":"hi","sender_id":5,"sender_name":"alice","timestamp":"10:04"}`,
		},
		{
			name: "read",
			ev:   MessagesRead{MessageIDs: []int64{3, 4}},
			want: `{"type":"read","message_ids":[3,4]}`,
		},
		{
			name: "typing from peer",
			ev:   Typing{UserID: 9},
			want: `{"type":"typing","user_id":9}`,
		},
		{
			name: "stop typing from peer",
			ev:   StopTyping{UserID: 9},
			want: `{"type":"stop_typing","user_id":9}`,
		},
		{
			name: "deleted",
			ev:   MessageDeleted{MessageID: 12},
			want: `{"type":"deleted","message_id":12}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ok, err := Render(tt.ev, 5)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want+"\n", string(data))
		})
	}
}

func TestRender_SuppressesOwnTyping(t *testing.T) {
	for _, ev := range []broadcast.Event{Typing{UserID: 5}, StopTyping{UserID: 5}} {
		data, ok, err := Render(ev, 5)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, data)
	}
}

type strangeEvent struct{}

func (strangeEvent) EventType() string { return "strange" }

func TestRender_UnknownEvent(t *testing.T) {
	_, _, err := Render(strangeEvent{}, 5)
	assert.Error(t, err)
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    any
		wantErr bool
	}{
		{name: "message", in: `{"type":"message","message":"hi"}`, want: SendMessage{Message: "hi"}},
		{name: "missing type is message", in: `{"message":"hi","client_id":"abc"}`, want: SendMessage{Message: "hi", ClientID: "abc"}},
		{name: "mark as read", in: `{"type":"mark_as_read","message_ids":[1,2]}`, want: MarkAsRead{MessageIDs: []int64{1, 2}}},
		{name: "typing", in: `{"type":"typing"}`, want: TypingFrame{}},
		{name: "stop typing", in: `{"type":"stop_typing"}`, want: TypingFrame{Stop: true}},
		{name: "delete", in: `{"type":"delete_message","message_id":7}`, want: DeleteMessage{MessageID: 7}},
		{name: "unknown", in: `{"type":"wave"}`, want: UnknownFrame{Type: "wave"}},
		{name: "bad json", in: `{"type":`, wantErr: true},
		{name: "empty read ids", in: `{"type":"mark_as_read","message_ids":[]}`, wantErr: true},
		{name: "missing read ids", in: `{"type":"mark_as_read"}`, wantErr: true},
		{name: "non positive read ids kept", in: `{"type":"mark_as_read","message_ids":[0,-3,4]}`, want: MarkAsRead{MessageIDs: []int64{0, -3, 4}}},
		{name: "string read ids", in: `{"type":"mark_as_read","message_ids":["1"]}`, wantErr: true},
		{name: "missing delete id", in: `{"type":"delete_message"}`, wantErr: true},
		{name: "wrong message type", in: `{"type":"message","message":42}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFrame_LargeReadBatch(t *testing.T) {
	ids := make([]string, 1500)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	in := `{"type":"mark_as_read","message_ids":[` + strings.Join(ids, ",") + `]}`

	got, err := ParseFrame([]byte(in))
	require.NoError(t, err)
	require.IsType(t, MarkAsRead{}, got)
	assert.Len(t, got.(MarkAsRead).MessageIDs, 1500)
}

func TestSplitFrames(t *testing.T) {
	frames := SplitFrames([]byte("{\"type\":\"typing\"}\n\n  {\"type\":\"stop_typing\"}\r\n"))
	require.Len(t, frames, 2)
	assert.Equal(t, `{"type":"typing"}`, string(frames[0]))
	assert.Equal(t, `{"type":"stop_typing"}`, string(frames[1]))

	assert.Empty(t, SplitFrames([]byte("\n \n")))
}
