// ABOUTME: Tests for the presence registry
// ABOUTME: Verifies transition-only store writes, multi-session users and store failures

package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zybochat/zybo-gateway/internal/store"
)

func TestRegistry_SingleSessionLifecycle(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddUser(1, "alice")
	reg := NewRegistry(ms, nil)
	ctx := t.Context()

	assert.False(t, reg.IsOnline(1))
	assert.True(t, reg.Register(ctx, 1, "alice", "s1", KindPresence))
	assert.True(t, reg.IsOnline(1))

	u, err := ms.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	assert.False(t, reg.Unregister(ctx, 1, "s1"))
	assert.False(t, reg.IsOnline(1))

	u, err = ms.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)

	assert.Equal(t, []store.OnlineWrite{{UserID: 1, Online: true}, {UserID: 1, Online: false}}, ms.OnlineWrites())
}

func TestRegistry_SecondSessionKeepsUserOnline(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddUser(1, "alice")
	reg := NewRegistry(ms, nil)
	ctx := t.Context()

	reg.Register(ctx, 1, "alice", "presence-tab", KindPresence)
	reg.Register(ctx, 1, "alice", "chat-tab", KindChat)
	assert.Equal(t, map[Kind]int{KindPresence: 1, KindChat: 1}, reg.Sessions(1))

	// closing one tab must not mark the user offline
	assert.True(t, reg.Unregister(ctx, 1, "chat-tab"))
	u, err := ms.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	assert.False(t, reg.Unregister(ctx, 1, "presence-tab"))
	assert.Len(t, ms.OnlineWrites(), 2)
}

func TestRegistry_UnregisterUnknownSession(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddUser(1, "alice")
	reg := NewRegistry(ms, nil)
	ctx := t.Context()

	assert.False(t, reg.Unregister(ctx, 1, "ghost"))
	assert.Empty(t, ms.OnlineWrites())

	reg.Register(ctx, 1, "alice", "s1", KindChat)
	assert.True(t, reg.Unregister(ctx, 1, "ghost"))
	assert.Len(t, ms.OnlineWrites(), 1)
}

func TestRegistry_StoreFailureIsNotFatal(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddUser(1, "alice")
	ms.FailOn("SetOnline", nil)
	reg := NewRegistry(ms, nil)
	ctx := t.Context()

	assert.True(t, reg.Register(ctx, 1, "alice", "s1", KindPresence))
	assert.True(t, reg.IsOnline(1))
	assert.False(t, reg.Unregister(ctx, 1, "s1"))
}

func TestRegistry_OnlineUsers(t *testing.T) {
	ms := store.NewMockStore()
	for i := int64(1); i <= 3; i++ {
		ms.AddUser(i, "u")
	}
	reg := NewRegistry(ms, nil)
	ctx := t.Context()

	reg.Register(ctx, 3, "u", "a", KindChat)
	reg.Register(ctx, 1, "u", "b", KindPresence)
	reg.Register(ctx, 2, "u", "c", KindPresence)
	reg.Unregister(ctx, 2, "c")

	assert.Equal(t, []int64{1, 3}, reg.OnlineUsers())
}

// recorder collects observed changes.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) observe(_ context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestRegistry_OnChangeReportsEveryChange(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddUser(1, "alice")
	reg := NewRegistry(ms, nil)
	rec := &recorder{}
	reg.OnChange(rec.observe)
	ctx := t.Context()

	reg.Register(ctx, 1, "alice", "chat-tab", KindChat)
	reg.Register(ctx, 1, "alice", "presence-tab", KindPresence)
	reg.Unregister(ctx, 1, "presence-tab")
	reg.Unregister(ctx, 1, "ghost")
	reg.Unregister(ctx, 1, "chat-tab")

	assert.Equal(t, []Change{
		{UserID: 1, Username: "alice", SessionID: "chat-tab", Kind: KindChat, Online: true, Transition: true},
		{UserID: 1, Username: "alice", SessionID: "presence-tab", Kind: KindPresence, Online: true},
		{UserID: 1, Username: "alice", SessionID: "presence-tab", Kind: KindPresence, Online: true},
		{UserID: 1, Username: "alice", SessionID: "chat-tab", Kind: KindChat, Online: false, Transition: true},
	}, rec.all())
}

func TestRegistry_ConcurrentSessionsSameUser(t *testing.T) {
	ms := store.NewMockStore()
	ms.AddUser(1, "alice")
	reg := NewRegistry(ms, nil)
	rec := &recorder{}
	reg.OnChange(rec.observe)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			id := string(rune('A' + i))
			reg.Register(ctx, 1, "alice", id, KindChat)
			reg.Unregister(ctx, 1, id)
		})
	}
	wg.Wait()

	assert.False(t, reg.IsOnline(1))

	// writes alternate strictly between online and offline
	writes := ms.OnlineWrites()
	require.NotEmpty(t, writes)
	for i, w := range writes {
		assert.Equal(t, i%2 == 0, w.Online, "write %d", i)
	}
	assert.False(t, writes[len(writes)-1].Online)

	// the observer sees the same transitions, in the same order
	var observed []store.OnlineWrite
	for _, c := range rec.all() {
		if c.Transition {
			observed = append(observed, store.OnlineWrite{UserID: c.UserID, Online: c.Online})
		}
	}
	assert.Equal(t, writes, observed)
}
