package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chat-server/logger"
)

// recordConn records every payload sent to it; failAfter > 0 makes Send fail
// once that many payloads have been accepted.
type recordConn struct {
	mu        sync.Mutex
	payloads  [][]byte
	failAfter int
	failErr   error
}

func (c *recordConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failAfter > 0 && len(c.payloads) >= c.failAfter {
		if c.failErr == nil {
			c.failErr = errors.New("connection reset")
		}
		return c.failErr
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.payloads = append(c.payloads, buf)
	return nil
}

func (c *recordConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads
}

// deadConn fails every write.
type deadConn struct{}

func (deadConn) Send([]byte) error {
	return errors.New("broken pipe")
}

func newTestRegistry() *Registry {
	return New(logger.NewNopLogger(), nil)
}

func TestRegistry_Add(t *testing.T) {
	t.Run("sessions are additive per identity", func(t *testing.T) {
		r := newTestRegistry()

		r.Add("alice@example.com", 1, &recordConn{})
		r.Add("alice@example.com", 2, &recordConn{})

		assert.Equal(t, 2, r.SessionCount("alice@example.com"))
	})

	t.Run("re-adding the same conn id overwrites that entry", func(t *testing.T) {
		r := newTestRegistry()
		old := &recordConn{}
		replacement := &recordConn{}

		r.Add("alice@example.com", 1, old)
		r.Add("alice@example.com", 1, replacement)

		require.Equal(t, 1, r.SessionCount("alice@example.com"))
		r.SendTo("alice@example.com", []byte("hello"))
		assert.Empty(t, old.received())
		assert.Len(t, replacement.received(), 1)
	})
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry()
	r.Add("alice@example.com", 1, &recordConn{})
	r.Add("alice@example.com", 2, &recordConn{})

	removed, remaining := r.Remove("alice@example.com", 1)
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)

	// Second removal of the same session reports nothing removed.
	removed, remaining = r.Remove("alice@example.com", 1)
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)

	removed, remaining = r.Remove("alice@example.com", 2)
	assert.True(t, removed)
	assert.Equal(t, 0, remaining)

	removed, _ = r.Remove("unknown@example.com", 9)
	assert.False(t, removed)
}

func TestRegistry_SendTo(t *testing.T) {
	t.Run("delivers to every session of the identity", func(t *testing.T) {
		r := newTestRegistry()
		phone := &recordConn{}
		laptop := &recordConn{}
		other := &recordConn{}

		r.Add("alice@example.com", 1, phone)
		r.Add("alice@example.com", 2, laptop)
		r.Add("bob@example.com", 3, other)

		delivered := r.SendTo("alice@example.com", []byte("hello"))

		assert.Equal(t, 2, delivered)
		assert.Len(t, phone.received(), 1)
		assert.Len(t, laptop.received(), 1)
		assert.Empty(t, other.received())
	})

	t.Run("unknown identity delivers to nobody", func(t *testing.T) {
		r := newTestRegistry()
		assert.Equal(t, 0, r.SendTo("nobody@example.com", []byte("hello")))
	})

	t.Run("sessions added later never see earlier payloads", func(t *testing.T) {
		r := newTestRegistry()
		first := &recordConn{}
		r.Add("alice@example.com", 1, first)

		r.SendTo("alice@example.com", []byte("early"))

		late := &recordConn{}
		r.Add("alice@example.com", 2, late)
		r.SendTo("alice@example.com", []byte("later"))

		assert.Len(t, first.received(), 2)
		require.Len(t, late.received(), 1)
		assert.Equal(t, []byte("later"), late.received()[0])
	})

	t.Run("write failure evicts the dead session", func(t *testing.T) {
		r := newTestRegistry()
		healthy := &recordConn{}
		dead := &recordConn{failAfter: 1}

		r.Add("alice@example.com", 1, healthy)
		r.Add("alice@example.com", 2, dead)

		assert.Equal(t, 2, r.SendTo("alice@example.com", []byte("one")))
		assert.Equal(t, 1, r.SendTo("alice@example.com", []byte("two")))

		// Dead session is gone; later sends only hit the healthy one.
		assert.Equal(t, 1, r.SessionCount("alice@example.com"))
		assert.Equal(t, 1, r.SendTo("alice@example.com", []byte("three")))
		assert.Len(t, healthy.received(), 3)
	})
}

func TestSession_EvictedLast(t *testing.T) {
	t.Run("set when eviction empties the identity", func(t *testing.T) {
		r := newTestRegistry()
		sess := r.Add("alice@example.com", 1, deadConn{})

		assert.Equal(t, 0, r.SendTo("alice@example.com", []byte("hello")))
		assert.Equal(t, 0, r.SessionCount("alice@example.com"))
		assert.True(t, sess.EvictedLast())
	})

	t.Run("not set while another session survives", func(t *testing.T) {
		r := newTestRegistry()
		sess := r.Add("alice@example.com", 1, deadConn{})
		r.Add("alice@example.com", 2, &recordConn{})

		assert.Equal(t, 1, r.SendTo("alice@example.com", []byte("hello")))
		assert.Equal(t, 1, r.SessionCount("alice@example.com"))
		assert.False(t, sess.EvictedLast())
	})

	t.Run("not set by a normal remove", func(t *testing.T) {
		r := newTestRegistry()
		sess := r.Add("alice@example.com", 1, &recordConn{})

		removed, remaining := r.Remove("alice@example.com", 1)
		assert.True(t, removed)
		assert.Equal(t, 0, remaining)
		assert.False(t, sess.EvictedLast())
	})
}

func TestRegistry_SendToMany(t *testing.T) {
	r := newTestRegistry()
	alice := &recordConn{}
	bobPhone := &recordConn{}
	bobLaptop := &recordConn{}
	carol := &recordConn{}

	r.Add("alice@example.com", 1, alice)
	r.Add("bob@example.com", 2, bobPhone)
	r.Add("bob@example.com", 3, bobLaptop)
	r.Add("carol@example.com", 4, carol)

	delivered := r.SendToMany([]string{"alice@example.com", "bob@example.com", "dave@example.com"}, []byte("status"))

	assert.Equal(t, 3, delivered)
	assert.Len(t, alice.received(), 1)
	assert.Len(t, bobPhone.received(), 1)
	assert.Len(t, bobLaptop.received(), 1)
	assert.Empty(t, carol.received())
}

func TestRegistry_Broadcast(t *testing.T) {
	r := newTestRegistry()
	conns := []*recordConn{{}, {}, {}}
	r.Add("alice@example.com", 1, conns[0])
	r.Add("bob@example.com", 2, conns[1])
	r.Add("bob@example.com", 3, conns[2])

	delivered := r.Broadcast([]byte("maintenance at midnight"))

	assert.Equal(t, 3, delivered)
	for _, c := range conns {
		assert.Len(t, c.received(), 1)
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		id := uint32(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add("alice@example.com", id, &recordConn{})
			r.SendTo("alice@example.com", []byte("ping"))
			r.Remove("alice@example.com", id)
		}()
	}

	wg.Wait()
	assert.Equal(t, 0, r.SessionCount("alice@example.com"))
}
