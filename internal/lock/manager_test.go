package lock

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func getCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func canceledCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func queueLen(q *LockRequest) int {
	var i int
	for q != nil {
		i++
		q = q.Next
	}
	return i
}

func TestLockManagerLock(t *testing.T) {
	t.Run("lock twice", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		err := m.Lock(getCtx(t), 1, rec, S)
		require.NoError(t, err)

		err = m.Lock(getCtx(t), 1, rec, S)
		require.NoError(t, err)
		require.Equal(t, 2, m.locks[*rec].Queue.Count)
	})

	t.Run("same object: S", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, S))
		require.NoError(t, m.Lock(getCtx(t), 2, rec, S))
		require.Equal(t, 2, queueLen(m.locks[*rec].Queue))
		require.True(t, m.HasLock(2, rec, S))
	})

	t.Run("same object: incompatible lock", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, X))

		err := m.Lock(canceledCtx(), 2, rec, X)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrLockTimeout))
		require.Equal(t, 1, queueLen(m.locks[*rec].Queue))
		require.False(t, m.HasLock(2, rec, X))
	})

	t.Run("different records do not conflict", func(t *testing.T) {
		m := NewLockManager()

		require.NoError(t, m.Lock(getCtx(t), 1, NewRecordObject(1, []byte("a")), X))
		require.NoError(t, m.Lock(canceledCtx(), 2, NewRecordObject(1, []byte("b")), X))
		require.NoError(t, m.Lock(canceledCtx(), 3, NewRecordObject(2, []byte("a")), X))
	})

	t.Run("convert: single lock in queue", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, S))
		require.NoError(t, m.Lock(getCtx(t), 1, rec, X))
		require.Equal(t, 2, m.locks[*rec].Queue.Count)
		require.Equal(t, X, m.locks[*rec].GroupMode)
	})

	t.Run("convert: incompatible", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, S))
		require.NoError(t, m.Lock(getCtx(t), 2, rec, S))

		err := m.Lock(getCtx(t), 1, rec, X)
		require.Error(t, err)
		require.Equal(t, S, m.locks[*rec].GroupMode)
	})
}

func TestLockManagerUnlock(t *testing.T) {
	t.Run("empty manager", func(t *testing.T) {
		m := NewLockManager()

		m.Unlock(1, NewRecordObject(1, []byte("a")))
		require.Empty(t, m.locks)
	})

	t.Run("unknown owner", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, S))

		m.Unlock(2, rec)
		require.True(t, m.HasLock(1, rec, S))
	})

	t.Run("unlock", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, X))

		m.Unlock(1, rec)
		require.Empty(t, m.locks)
	})

	t.Run("reentrant unlock", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, X))
		require.NoError(t, m.Lock(getCtx(t), 1, rec, X))

		m.Unlock(1, rec)
		require.True(t, m.HasLock(1, rec, X))
		m.Unlock(1, rec)
		require.Empty(t, m.locks)
	})

	t.Run("unlock should wake up waiting lock", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, S))

		ch := make(chan error)
		go func() {
			ch <- m.Lock(getCtx(t), 2, rec, X)
		}()

		time.Sleep(time.Millisecond)
		m.Unlock(1, rec)

		require.NoError(t, <-ch)
		require.True(t, m.HasLock(2, rec, X))
	})

	t.Run("unlock should wake up next waiting lock", func(t *testing.T) {
		m := NewLockManager()

		rec := NewRecordObject(1, []byte("a"))

		require.NoError(t, m.Lock(getCtx(t), 1, rec, S))

		ch2 := make(chan error)
		ch3 := make(chan error)

		go func() {
			ch2 <- m.Lock(getCtx(t), 2, rec, X)
		}()

		go func() {
			time.Sleep(5 * time.Millisecond)
			ch3 <- m.Lock(getCtx(t), 3, rec, X)
		}()

		time.Sleep(20 * time.Millisecond)
		m.Unlock(1, rec)

		require.NoError(t, <-ch2)

		m.Unlock(2, rec)

		require.NoError(t, <-ch3)
		require.True(t, m.HasLock(3, rec, X))
	})
}

func TestLockManagerConcurrentWriters(t *testing.T) {
	m := NewLockManager()
	rec := NewRecordObject(1, []byte("counter"))

	var g errgroup.Group
	var counter int

	for i := 1; i <= 50; i++ {
		owner := uint64(i)
		g.Go(func() error {
			if err := m.Lock(context.Background(), owner, rec, X); err != nil {
				return err
			}
			counter++
			m.Unlock(owner, rec)
			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, 50, counter)
	require.Empty(t, m.locks)
}
