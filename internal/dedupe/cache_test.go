// ABOUTME: Tests for the client frame dedupe cache
// ABOUTME: Validates the TTL window, capacity eviction, expiry sweep and concurrent callers

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newCache(ttl, size, clk.Now), clk
}

func TestCache_FirstSightIsNotDuplicate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen(Key{UserID: 1, ClientID: "a"}))
	assert.True(t, c.Seen(Key{UserID: 1, ClientID: "a"}))
}

func TestCache_KeysAreScopedPerUser(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.Seen(Key{UserID: 1, ClientID: "a"}))
	assert.False(t, c.Seen(Key{UserID: 2, ClientID: "a"}))
}

func TestCache_WindowExpires(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	k := Key{UserID: 1, ClientID: "a"}

	assert.False(t, c.Seen(k))
	clk.Advance(59 * time.Second)
	assert.True(t, c.Seen(k))
	clk.Advance(time.Minute)
	assert.False(t, c.Seen(k), "expired key should be accepted again")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for i := range 4 {
		c.Seen(Key{UserID: 1, ClientID: fmt.Sprint(i)})
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen(Key{UserID: 1, ClientID: "0"}), "oldest key should have been evicted")
	assert.True(t, c.Seen(Key{UserID: 1, ClientID: "3"}))
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	k := Key{UserID: 1, ClientID: "a"}

	c.Seen(k)
	c.Forget(k)
	assert.False(t, c.Seen(k))
	c.Forget(Key{UserID: 9, ClientID: "missing"})
}

func TestCache_Expire(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)

	c.Seen(Key{UserID: 1, ClientID: "old"})
	clk.Advance(2 * time.Minute)
	c.Seen(Key{UserID: 1, ClientID: "new"})

	c.expire()
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentSameKey(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)
	k := Key{UserID: 1, ClientID: "retry"}

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if !c.Seen(k) {
				fresh.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, sweepInterval(100*time.Millisecond))
	assert.Equal(t, 30*time.Second, sweepInterval(time.Minute))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
}
