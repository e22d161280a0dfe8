// ABOUTME: Scenario tests for presence and chat sessions over a fake transport
// ABOUTME: Covers message/read flow, typing suppression, auth rejection, deletes, failures and teardown

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/broadcast"
	"github.com/zybochat/zybo-gateway/internal/dedupe"
	"github.com/zybochat/zybo-gateway/internal/presence"
	"github.com/zybochat/zybo-gateway/internal/store"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. Tests push inbound messages with send and
// read outbound frames from writes.
type fakeConn struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	block  bool // Write blocks until Close

	once   sync.Once
	mu     sync.Mutex
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	if f.block {
		<-f.closed
		return errConnClosed
	}
	select {
	case <-f.closed:
		return errConnClosed
	case f.writes <- data:
		return nil
	}
}

func (f *fakeConn) Close(reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("timed out pushing inbound frame")
	}
}

// wireFrame is a superset of every outbound frame.
type wireFrame struct {
	Type       string  `json:"type"`
	UserID     int64   `json:"user_id"`
	Username   string  `json:"username"`
	IsOnline   *bool   `json:"is_online"`
	MessageID  int64   `json:"message_id"`
	Message    string  `json:"message"`
	SenderID   int64   `json:"sender_id"`
	SenderName string  `json:"sender_name"`
	Timestamp  string  `json:"timestamp"`
	MessageIDs []int64 `json:"message_ids"`
}

func (f *fakeConn) next(t *testing.T) wireFrame {
	t.Helper()
	select {
	case data := <-f.writes:
		var w wireFrame
		require.NoError(t, json.Unmarshal(data, &w), "frame %q", data)
		require.Equal(t, byte('\n'), data[len(data)-1], "frames are newline terminated")
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return wireFrame{}
	}
}

// nextOfType skips frames until one of the given type arrives and returns
// it together with the skipped frames.
func (f *fakeConn) nextOfType(t *testing.T, typ string) (wireFrame, []wireFrame) {
	t.Helper()
	var skipped []wireFrame
	for {
		w := f.next(t)
		if w.Type == typ {
			return w, skipped
		}
		skipped = append(skipped, w)
	}
}

func (f *fakeConn) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.writes:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	store    *store.MockStore
	hub      *broadcast.Hub
	presence *presence.Registry
	sessions *Registry
	mgr      *Manager
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	ms := store.NewMockStore()
	ms.AddUser(5, "alice")
	ms.AddUser(9, "bob")

	h := &harness{
		store:    ms,
		hub:      broadcast.NewHub(nil),
		presence: presence.NewRegistry(ms, nil),
		sessions: NewRegistry(nil),
	}
	opts := Options{
		Store:    h.store,
		Groups:   h.hub,
		Presence: h.presence,
		Sessions: h.sessions,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.mgr = NewManager(opts)
	t.Cleanup(h.hub.Close)
	return h
}

var (
	alice = auth.Identity{UserID: 5, Username: "alice"}
	bob   = auth.Identity{UserID: 9, Username: "bob"}
)

// running is a session started in the background.
type running struct {
	conn *fakeConn
	done chan error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.conn.Close("test done")
	return r.wait(t)
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) startChat(t *testing.T, id auth.Identity, peer int64) *running {
	t.Helper()
	r := &running{conn: newFakeConn(), done: make(chan error, 1)}
	go func() { r.done <- h.mgr.ServeChat(t.Context(), r.conn, id, peer) }()

	// own status announcement means the session has joined
	w, _ := r.conn.nextOfType(t, "status")
	require.Equal(t, id.UserID, w.UserID)
	return r
}

func (h *harness) startPresence(t *testing.T, id auth.Identity) *running {
	t.Helper()
	r := &running{conn: newFakeConn(), done: make(chan error, 1)}
	go func() { r.done <- h.mgr.ServePresence(t.Context(), r.conn, id) }()

	for {
		w, _ := r.conn.nextOfType(t, "presence")
		if w.UserID == id.UserID {
			return r
		}
	}
}

func TestRoomName(t *testing.T) {
	assert.Equal(t, "chat_5_9", RoomName(5, 9))
	assert.Equal(t, "chat_5_9", RoomName(9, 5))
}

func TestChat_MessageAndReadReceipt(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)
	b := h.startChat(t, bob, 5)

	// alice sees bob arrive
	st, _ := a.conn.nextOfType(t, "status")
	assert.Equal(t, int64(9), st.UserID)
	require.NotNil(t, st.IsOnline)
	assert.True(t, *st.IsOnline)

	a.conn.send(t, `{"type":"message","message":"hi"}`)

	for _, c := range []*fakeConn{a.conn, b.conn} {
		w, _ := c.nextOfType(t, "message")
		assert.Equal(t, int64(5), w.SenderID)
		assert.Equal(t, "alice", w.SenderName)
		assert.Equal(t, "hi", w.Message)
		assert.NotZero(t, w.MessageID)
		assert.Regexp(t, `^\d\d:\d\d$`, w.Timestamp)
	}

	msgs, err := h.store.ListMessages(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	b.conn.send(t, fmt.Sprintf(`{"type":"mark_as_read","message_ids":[%d]}`, id))

	for _, c := range []*fakeConn{a.conn, b.conn} {
		w, _ := c.nextOfType(t, "read")
		assert.Equal(t, []int64{id}, w.MessageIDs)
	}

	stored, ok := h.store.GetMessage(id)
	require.True(t, ok)
	assert.True(t, stored.IsRead)

	require.NoError(t, a.stop(t))
	require.NoError(t, b.stop(t))
}

func TestChat_MessagesKeepSendOrder(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)

	a.conn.send(t, "{\"message\":\"one\"}\n{\"message\":\"two\"}")
	a.conn.send(t, `{"message":"  three  "}`)

	var got []string
	for range 3 {
		w, _ := a.conn.nextOfType(t, "message")
		got = append(got, w.Message)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)

	msgs, err := h.store.ListMessages(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[2].Content)

	require.NoError(t, a.stop(t))
}

func TestChat_TypingIsNotEchoedToSelf(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)
	b := h.startChat(t, bob, 5)

	a.conn.send(t, `{"type":"typing"}`)
	w, _ := b.conn.nextOfType(t, "typing")
	assert.Equal(t, int64(5), w.UserID)

	a.conn.send(t, `{"type":"stop_typing"}`)
	w, _ = b.conn.nextOfType(t, "stop_typing")
	assert.Equal(t, int64(5), w.UserID)

	// a marker alice does receive; nothing typing-related may precede it
	a.conn.send(t, `{"type":"delete_message","message_id":77}`)
	_, skipped := a.conn.nextOfType(t, "deleted")
	for _, f := range skipped {
		assert.NotEqual(t, "typing", f.Type)
		assert.NotEqual(t, "stop_typing", f.Type)
	}

	require.NoError(t, a.stop(t))
	require.NoError(t, b.stop(t))
}

func TestAnonymousIsRejected(t *testing.T) {
	h := newHarness(t)

	pc := newFakeConn()
	err := h.mgr.ServePresence(t.Context(), pc, auth.Anonymous)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.True(t, pc.isClosed())

	cc := newFakeConn()
	err = h.mgr.ServeChat(t.Context(), cc, auth.Anonymous, 9)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.True(t, cc.isClosed())

	assert.Empty(t, h.store.OnlineWrites())
	assert.Equal(t, 0, h.hub.GroupCount())
	assert.Equal(t, 0, h.sessions.Len())
	assert.Empty(t, pc.writes)
	assert.Empty(t, cc.writes)
}

func TestChat_DeleteByNonSenderStillBroadcasts(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)
	b := h.startChat(t, bob, 5)

	a.conn.send(t, `{"type":"message","message":"mine"}`)
	w, _ := b.conn.nextOfType(t, "message")
	id := w.MessageID

	b.conn.send(t, fmt.Sprintf(`{"type":"delete_message","message_id":%d}`, id))
	for _, c := range []*fakeConn{a.conn, b.conn} {
		d, _ := c.nextOfType(t, "deleted")
		assert.Equal(t, id, d.MessageID)
	}
	_, ok := h.store.GetMessage(id)
	assert.True(t, ok, "non-sender delete must leave the row intact")

	a.conn.send(t, fmt.Sprintf(`{"type":"delete_message","message_id":%d}`, id))
	d, _ := b.conn.nextOfType(t, "deleted")
	assert.Equal(t, id, d.MessageID)
	_, ok = h.store.GetMessage(id)
	assert.False(t, ok)

	require.NoError(t, a.stop(t))
	require.NoError(t, b.stop(t))
}

func TestChat_MarkReadCannotFlipOwnMessages(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)

	a.conn.send(t, `{"message":"note to self"}`)
	w, _ := a.conn.nextOfType(t, "message")

	a.conn.send(t, fmt.Sprintf(`{"type":"mark_as_read","message_ids":[%d]}`, w.MessageID))
	r, _ := a.conn.nextOfType(t, "read")
	assert.Equal(t, []int64{w.MessageID}, r.MessageIDs)

	stored, ok := h.store.GetMessage(w.MessageID)
	require.True(t, ok)
	assert.False(t, stored.IsRead)

	require.NoError(t, a.stop(t))
}

func TestChat_MarkReadSkipsInvalidIDs(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)
	b := h.startChat(t, bob, 5)

	a.conn.send(t, `{"message":"ping"}`)
	w, _ := b.conn.nextOfType(t, "message")

	b.conn.send(t, fmt.Sprintf(`{"type":"mark_as_read","message_ids":[0,%d,-2]}`, w.MessageID))
	r, _ := a.conn.nextOfType(t, "read")
	assert.Equal(t, []int64{0, w.MessageID, -2}, r.MessageIDs)

	stored, ok := h.store.GetMessage(w.MessageID)
	require.True(t, ok)
	assert.True(t, stored.IsRead)

	require.NoError(t, a.stop(t))
	require.NoError(t, b.stop(t))
}

func TestChat_StoreFailureSuppressesMessageOnly(t *testing.T) {
	h := newHarness(t)
	h.store.FailOn("CreateMessage", nil)
	h.store.FailOn("MarkRead", nil)
	h.store.FailOn("DeleteMessage", nil)
	a := h.startChat(t, alice, 9)

	a.conn.send(t, `{"message":"lost"}`)
	a.conn.send(t, `{"type":"mark_as_read","message_ids":[1]}`)
	a.conn.send(t, `{"type":"delete_message","message_id":1}`)

	_, skipped := a.conn.nextOfType(t, "read")
	for _, f := range skipped {
		assert.NotEqual(t, "message", f.Type)
	}
	a.conn.nextOfType(t, "deleted")

	require.NoError(t, a.stop(t))
}

func TestChat_MalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)

	a.conn.send(t, `not json`)
	a.conn.send(t, `{"type":"mark_as_read","message_ids":[]}`)
	a.conn.send(t, `{"type":"delete_message"}`)
	a.conn.send(t, `{"type":"dance"}`)
	a.conn.send(t, `{"type":"message","message":"   "}`)
	a.conn.assertQuiet(t)

	a.conn.send(t, `{"message":"still alive"}`)
	w := a.conn.next(t)
	assert.Equal(t, "message", w.Type)

	require.NoError(t, a.stop(t))
}

func TestChat_DuplicateClientIDIsDropped(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	h := newHarness(t, func(o *Options) { o.Dedupe = cache })
	a := h.startChat(t, alice, 9)

	a.conn.send(t, `{"message":"once","client_id":"c-1"}`)
	a.conn.send(t, `{"message":"once","client_id":"c-1"}`)
	a.conn.send(t, `{"message":"twice","client_id":"c-2"}`)

	w, _ := a.conn.nextOfType(t, "message")
	assert.Equal(t, "once", w.Message)
	w, _ = a.conn.nextOfType(t, "message")
	assert.Equal(t, "twice", w.Message)

	msgs, err := h.store.ListMessages(t.Context(), 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.NoError(t, a.stop(t))
}

func TestChat_TeardownRunsOnce(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)
	b := h.startChat(t, bob, 5)

	require.NoError(t, b.stop(t))

	st, _ := a.conn.nextOfType(t, "status")
	assert.Equal(t, int64(9), st.UserID)
	require.NotNil(t, st.IsOnline)
	assert.False(t, *st.IsOnline)

	// closing again must not produce a second offline notice
	b.conn.Close("again")
	a.conn.assertQuiet(t)

	var bobWrites []store.OnlineWrite
	for _, w := range h.store.OnlineWrites() {
		if w.UserID == 9 {
			bobWrites = append(bobWrites, w)
		}
	}
	assert.Equal(t, []store.OnlineWrite{{UserID: 9, Online: true}, {UserID: 9, Online: false}}, bobWrites)
	live := h.sessions.List()
	require.Len(t, live, 1)
	assert.Equal(t, []string{live[0].ID}, h.hub.Members("chat_5_9"))

	require.NoError(t, a.stop(t))
	assert.Equal(t, 0, h.hub.GroupCount())
	assert.Equal(t, 0, h.sessions.Len())
}

func TestPresence_BroadcastsOnlineAndOffline(t *testing.T) {
	h := newHarness(t)
	a := h.startPresence(t, alice)
	b := h.startPresence(t, bob)

	w, _ := a.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), w.UserID)
	assert.Equal(t, "bob", w.Username)
	assert.True(t, *w.IsOnline)

	// inbound frames are ignored
	b.conn.send(t, `{"type":"message","message":"hello?"}`)
	b.conn.assertQuiet(t)

	require.NoError(t, b.stop(t))
	w, _ = a.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), w.UserID)
	assert.False(t, *w.IsOnline)

	u, err := h.store.GetUser(t.Context(), 9)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)

	require.NoError(t, a.stop(t))
}

func TestPresence_OpenChatKeepsUserOnline(t *testing.T) {
	h := newHarness(t)
	watcher := h.startPresence(t, alice)
	p := h.startPresence(t, bob)
	c := h.startChat(t, bob, 5)

	require.NoError(t, p.stop(t))

	joined, _ := watcher.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), joined.UserID)

	// bob still has a chat open, so the derived state stays online
	left, _ := watcher.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), left.UserID)
	require.NotNil(t, left.IsOnline)
	assert.True(t, *left.IsOnline)

	u, err := h.store.GetUser(t.Context(), 9)
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	// closing the last chat takes bob offline, and the presence group hears it
	require.NoError(t, c.stop(t))
	off, _ := watcher.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), off.UserID)
	assert.Equal(t, "bob", off.Username)
	require.NotNil(t, off.IsOnline)
	assert.False(t, *off.IsOnline)

	u, err = h.store.GetUser(t.Context(), 9)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)

	require.NoError(t, watcher.stop(t))
}

func TestPresence_ChatOnlyUserIsAnnounced(t *testing.T) {
	h := newHarness(t)
	watcher := h.startPresence(t, alice)

	c := h.startChat(t, bob, 5)
	on, _ := watcher.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), on.UserID)
	assert.Equal(t, "bob", on.Username)
	require.NotNil(t, on.IsOnline)
	assert.True(t, *on.IsOnline)

	// a second chat tab is not a transition
	c2 := h.startChat(t, bob, 5)
	require.NoError(t, c2.stop(t))
	watcher.conn.assertQuiet(t)

	require.NoError(t, c.stop(t))
	off, _ := watcher.conn.nextOfType(t, "presence")
	assert.Equal(t, int64(9), off.UserID)
	require.NotNil(t, off.IsOnline)
	assert.False(t, *off.IsOnline)

	require.NoError(t, watcher.stop(t))
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SendBuffer = 1 })

	r := &running{conn: newFakeConn(), done: make(chan error, 1)}
	r.conn.block = true
	go func() { r.done <- h.mgr.ServeChat(t.Context(), r.conn, alice, 9) }()

	require.Eventually(t, func() bool { return len(h.hub.Members("chat_5_9")) == 1 }, time.Second, 5*time.Millisecond)

	for i := range 10 {
		_ = h.hub.Send(t.Context(), "chat_5_9", MessageDeleted{MessageID: int64(i + 1)})
	}

	require.NoError(t, r.wait(t))
	assert.Equal(t, 0, h.sessions.Len())
}

func TestRegistry_CloseAll(t *testing.T) {
	h := newHarness(t)
	a := h.startChat(t, alice, 9)
	b := h.startPresence(t, bob)

	assert.Equal(t, map[presence.Kind]int{presence.KindChat: 1, presence.KindPresence: 1}, h.sessions.Counts())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sessions.CloseAll(ctx))

	assert.Equal(t, 0, h.sessions.Len())
	require.NoError(t, a.wait(t))
	require.NoError(t, b.wait(t))
	assert.False(t, h.presence.IsOnline(5))
	assert.False(t, h.presence.IsOnline(9))
}

func TestRegistry_RefusesSessionsAfterCloseAll(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sessions.CloseAll(t.Context()))

	cc := newFakeConn()
	err := h.mgr.ServeChat(t.Context(), cc, alice, 9)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.True(t, cc.isClosed())

	pc := newFakeConn()
	err = h.mgr.ServePresence(t.Context(), pc, bob)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.True(t, pc.isClosed())

	assert.Equal(t, 0, h.sessions.Len())
	assert.Equal(t, 0, h.hub.GroupCount())
	assert.Empty(t, h.store.OnlineWrites())
	assert.False(t, h.presence.IsOnline(5))
}
