package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("exclusive while held", func(t *testing.T) {
		l := NewMemoryLocker()
		release, ok, err := l.TryAcquire(ctx, "e1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = l.TryAcquire(ctx, "e1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second acquire must miss")

		_, ok, err = l.TryAcquire(ctx, "e2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "different execution unaffected")

		release()
		_, ok, err = l.TryAcquire(ctx, "e1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "reacquire after release")
	})

	t.Run("ttl expiry frees a crashed holder", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		l := NewMemoryLockerWithClock(func() time.Time { return now })

		_, ok, err := l.TryAcquire(ctx, "e1", 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		now = now.Add(31 * time.Second)
		_, ok, err = l.TryAcquire(ctx, "e1", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "expired lock is acquirable")
	})
}

func TestMemoryAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("slot CAS", func(t *testing.T) {
		a := NewMemoryAdmission()

		ok, err := a.TryAcquire(ctx, "cfg", "e1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = a.TryAcquire(ctx, "cfg", "e2")
		require.NoError(t, err)
		assert.False(t, ok, "slot taken")

		ok, err = a.TryAcquire(ctx, "cfg", "e1")
		require.NoError(t, err)
		assert.True(t, ok, "holder re-acquires idempotently")

		require.NoError(t, a.Release(ctx, "cfg", "e2"))
		ok, err = a.TryAcquire(ctx, "cfg", "e2")
		require.NoError(t, err)
		assert.False(t, ok, "release by non-holder is a no-op")

		require.NoError(t, a.Release(ctx, "cfg", "e1"))
		ok, err = a.TryAcquire(ctx, "cfg", "e2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("waiting queue order and purge", func(t *testing.T) {
		a := NewMemoryAdmission()
		for _, id := range []string{"e1", "e2", "e3"} {
			require.NoError(t, a.Enqueue(ctx, "cfg", id))
		}

		purged, err := a.PurgeToNewest(ctx, "cfg")
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, purged)

		id, err := a.PopOldest(ctx, "cfg")
		require.NoError(t, err)
		assert.Equal(t, "e3", id)

		id, err = a.PopOldest(ctx, "cfg")
		require.NoError(t, err)
		assert.Empty(t, id, "empty queue pops empty")
	})

	t.Run("enqueue is idempotent", func(t *testing.T) {
		a := NewMemoryAdmission()
		require.NoError(t, a.Enqueue(ctx, "cfg", "e1"))
		require.NoError(t, a.Enqueue(ctx, "cfg", "e1"))

		id, err := a.PopOldest(ctx, "cfg")
		require.NoError(t, err)
		assert.Equal(t, "e1", id)
		id, err = a.PopOldest(ctx, "cfg")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("remove", func(t *testing.T) {
		a := NewMemoryAdmission()
		require.NoError(t, a.Enqueue(ctx, "cfg", "e1"))
		require.NoError(t, a.Enqueue(ctx, "cfg", "e2"))
		require.NoError(t, a.Remove(ctx, "cfg", "e1"))

		id, err := a.PopOldest(ctx, "cfg")
		require.NoError(t, err)
		assert.Equal(t, "e2", id)
	})

	t.Run("purge of short queue is a no-op", func(t *testing.T) {
		a := NewMemoryAdmission()
		require.NoError(t, a.Enqueue(ctx, "cfg", "e1"))
		purged, err := a.PurgeToNewest(ctx, "cfg")
		require.NoError(t, err)
		assert.Empty(t, purged)
	})
}
