package steering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushAndDrain(t *testing.T) {
	t.Run("drains messages in arrival order", func(t *testing.T) {
		q := New(0)
		q.Push(Message{Type: TypeSteer, Payload: "first"})
		q.Push(Message{Type: TypeInterject, Payload: "second"})
		q.Push(Message{Type: TypeSteer, Payload: "third"})

		msgs, aborted := q.DrainAll()
		require.Len(t, msgs, 3)
		assert.False(t, aborted)
		assert.Equal(t, "first", msgs[0].Payload)
		assert.Equal(t, "second", msgs[1].Payload)
		assert.Equal(t, "third", msgs[2].Payload)
	})

	t.Run("drain empties the queue", func(t *testing.T) {
		q := New(0)
		q.Push(Message{Type: TypeSteer, Payload: "x"})

		msgs, _ := q.DrainAll()
		require.Len(t, msgs, 1)

		msgs, _ = q.DrainAll()
		assert.Empty(t, msgs)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("stamps received time", func(t *testing.T) {
		q := New(0)
		q.Push(Message{Type: TypeSteer, Payload: "x"})

		msgs, _ := q.DrainAll()
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].ReceivedAt.IsZero())
	})
}

func TestQueueAbortDominance(t *testing.T) {
	t.Run("abort flag is sticky across drains", func(t *testing.T) {
		q := New(0)
		q.Push(Message{Type: TypeAbort})

		_, aborted := q.DrainAll()
		assert.True(t, aborted)

		q.Push(Message{Type: TypeSteer, Payload: "after abort"})
		msgs, aborted := q.DrainAll()
		assert.True(t, aborted, "abort must dominate later steers")
		require.Len(t, msgs, 1)
	})

	t.Run("HasAbort reports without draining", func(t *testing.T) {
		q := New(0)
		assert.False(t, q.HasAbort())
		q.Push(Message{Type: TypeAbort})
		assert.True(t, q.HasAbort())
		assert.Equal(t, 1, q.Len())
	})
}

func TestQueueCapacity(t *testing.T) {
	t.Run("drops oldest non-abort when full", func(t *testing.T) {
		q := New(2)
		q.Push(Message{Type: TypeSteer, Payload: "a"})
		q.Push(Message{Type: TypeSteer, Payload: "b"})
		q.Push(Message{Type: TypeSteer, Payload: "c"})

		msgs, _ := q.DrainAll()
		require.Len(t, msgs, 2)
		assert.Equal(t, "b", msgs[0].Payload)
		assert.Equal(t, "c", msgs[1].Payload)
		assert.Equal(t, 1, q.Dropped())
	})

	t.Run("abort survives the drop policy", func(t *testing.T) {
		q := New(2)
		q.Push(Message{Type: TypeAbort})
		q.Push(Message{Type: TypeSteer, Payload: "a"})
		q.Push(Message{Type: TypeSteer, Payload: "b"})

		msgs, aborted := q.DrainAll()
		assert.True(t, aborted)
		require.Len(t, msgs, 2)
		assert.Equal(t, TypeAbort, msgs[0].Type)
		assert.Equal(t, "b", msgs[1].Payload)
	})

	t.Run("non-positive capacity is unbounded", func(t *testing.T) {
		q := New(0)
		for i := 0; i < 100; i++ {
			q.Push(Message{Type: TypeSteer})
		}
		assert.Equal(t, 100, q.Len())
		assert.Equal(t, 0, q.Dropped())
	})
}
