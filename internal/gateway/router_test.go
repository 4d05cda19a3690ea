package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRouterConn(buf int) *Conn {
	return &Conn{send: make(chan []byte, buf), closed: make(chan struct{})}
}

func TestRouterPublish(t *testing.T) {
	t.Run("delivers to every subscriber in the room", func(t *testing.T) {
		r := NewRouter()
		a, b := newRouterConn(4), newRouterConn(4)
		r.Subscribe("s1", "news", a)
		r.Subscribe("s1", "news", b)

		n := r.Publish("s1", "news", []byte("hello"))
		assert.Equal(t, 2, n)
		assert.Equal(t, []byte("hello"), <-a.send)
		assert.Equal(t, []byte("hello"), <-b.send)
	})

	t.Run("same channel name on another server is isolated", func(t *testing.T) {
		r := NewRouter()
		a, b := newRouterConn(4), newRouterConn(4)
		r.Subscribe("s1", "news", a)
		r.Subscribe("s2", "news", b)

		n := r.Publish("s1", "news", []byte("x"))
		assert.Equal(t, 1, n)
		assert.Len(t, a.send, 1)
		assert.Empty(t, b.send)
	})

	t.Run("publish to an empty room reaches nobody", func(t *testing.T) {
		r := NewRouter()
		assert.Zero(t, r.Publish("s1", "ghost", []byte("x")))
	})

	t.Run("a subscriber with a full queue is skipped", func(t *testing.T) {
		r := NewRouter()
		slow := newRouterConn(1)
		r.Subscribe("s1", "news", slow)

		assert.Equal(t, 1, r.Publish("s1", "news", []byte("first")))
		assert.Equal(t, 0, r.Publish("s1", "news", []byte("second")))
	})

	t.Run("unsubscribe stops delivery and empties the room", func(t *testing.T) {
		r := NewRouter()
		a := newRouterConn(4)
		r.Subscribe("s1", "news", a)
		r.Unsubscribe("s1", "news", a)

		assert.Zero(t, r.Publish("s1", "news", []byte("x")))
		assert.Zero(t, r.Subscribers("s1", "news"))
	})
}
