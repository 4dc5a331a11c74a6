package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/engine/memory"
	"github.com/anthrax3/mapkeeper/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTable(t *testing.T, ng engine.Engine, name string) engine.Table {
	t.Helper()

	tb, err := ng.CreateTable(name, engine.TableOptions{})
	require.NoError(t, err)
	return tb
}

func TestSessionAcquire(t *testing.T) {
	t.Run("Should cache one cursor per table", func(t *testing.T) {
		ng := memory.NewEngine(0)
		defer ng.Close()

		s := session.New(1, zaptest.NewLogger(t))
		defer s.Close()

		a := newTable(t, ng, "a")
		b := newTable(t, ng, "b")

		ca, err := s.Acquire(a)
		require.NoError(t, err)
		require.NoError(t, s.Release("a"))

		cb, err := s.Acquire(b)
		require.NoError(t, err)
		require.NoError(t, s.Release("b"))

		again, err := s.Acquire(a)
		require.NoError(t, err)
		require.NoError(t, s.Release("a"))

		require.Same(t, ca, again)
		require.NotSame(t, ca, cb)
		require.Equal(t, 2, s.Len())
	})

	t.Run("Should fail if the cursor is in use", func(t *testing.T) {
		ng := memory.NewEngine(0)
		defer ng.Close()

		s := session.New(1, nil)
		defer s.Close()

		a := newTable(t, ng, "a")

		_, err := s.Acquire(a)
		require.NoError(t, err)

		_, err = s.Acquire(a)
		require.True(t, errors.Is(err, session.ErrCursorInUse))

		require.NoError(t, s.Release("a"))
		_, err = s.Acquire(a)
		require.NoError(t, err)
	})

	t.Run("Should replace the cursor of a dropped table", func(t *testing.T) {
		ng := memory.NewEngine(0)
		defer ng.Close()

		s := session.New(1, nil)
		defer s.Close()

		old := newTable(t, ng, "a")
		c1, err := s.Acquire(old)
		require.NoError(t, err)
		require.NoError(t, s.Release("a"))

		require.NoError(t, ng.DropTable("a"))
		tb := newTable(t, ng, "a")
		require.NoError(t, tb.Put([]byte("k"), nil))

		c2, err := s.Acquire(tb)
		require.NoError(t, err)
		require.NotSame(t, c1, c2)

		ok, err := c2.First()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("k"), c2.Key())
	})

	t.Run("Should fail on a dropped table", func(t *testing.T) {
		ng := memory.NewEngine(0)
		defer ng.Close()

		s := session.New(1, nil)
		defer s.Close()

		tb := newTable(t, ng, "a")
		require.NoError(t, ng.DropTable("a"))

		_, err := s.Acquire(tb)
		require.True(t, errors.Is(err, engine.ErrTableNotFound))
		require.Zero(t, s.Len())
	})
}

func TestSessionRelease(t *testing.T) {
	ng := memory.NewEngine(0)
	defer ng.Close()

	s := session.New(1, nil)
	defer s.Close()

	require.NoError(t, s.Release("unknown"))

	tb := newTable(t, ng, "a")
	require.NoError(t, tb.Put([]byte("k"), nil))

	c, err := s.Acquire(tb)
	require.NoError(t, err)
	ok, err := c.First()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release("a"))
	require.Nil(t, c.Key())
}

func TestSessionEvict(t *testing.T) {
	ng := memory.NewEngine(0)
	defer ng.Close()

	s := session.New(1, nil)
	defer s.Close()

	tb := newTable(t, ng, "a")
	_, err := s.Acquire(tb)
	require.NoError(t, err)

	s.Evict("a")
	s.Evict("unknown")
	require.Zero(t, s.Len())
}

type failingCursor struct {
	engine.Cursor
	closed int
}

func (c *failingCursor) Close() error {
	c.closed++
	return errors.New("boom")
}

type failingTable struct {
	engine.Table
	cursors []*failingCursor
}

func (t *failingTable) NewCursor() (engine.Cursor, error) {
	c := new(failingCursor)
	t.cursors = append(t.cursors, c)
	return c, nil
}

func TestSessionClose(t *testing.T) {
	ng := memory.NewEngine(0)
	defer ng.Close()

	s := session.New(1, zaptest.NewLogger(t))

	a := &failingTable{Table: newTable(t, ng, "a")}
	b := &failingTable{Table: newTable(t, ng, "b")}

	for _, tb := range []*failingTable{a, b} {
		_, err := s.Acquire(tb)
		require.NoError(t, err)
	}

	require.Error(t, s.Close())
	require.Zero(t, s.Len())
	require.Equal(t, 1, a.cursors[0].closed)
	require.Equal(t, 1, b.cursors[0].closed)
}

func TestPool(t *testing.T) {
	p := session.NewPool(2, nil)
	require.Equal(t, 2, p.Size())

	ctx := context.Background()

	s1, err := p.Get(ctx)
	require.NoError(t, err)
	s2, err := p.Get(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s1.ID(), s2.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan *session.Session)
	go func() {
		s, err := p.Get(context.Background())
		if err != nil {
			close(done)
			return
		}
		done <- s
	}()

	p.Put(s1)
	require.Same(t, s1, <-done)

	p.Put(s1)
	p.Put(s2)
	require.NoError(t, p.Close())
}

func TestPoolEvict(t *testing.T) {
	ng := memory.NewEngine(0)
	defer ng.Close()

	a := newTable(t, ng, "a")
	b := newTable(t, ng, "b")

	p := session.NewPool(2, zaptest.NewLogger(t))
	ctx := context.Background()

	s1, err := p.Get(ctx)
	require.NoError(t, err)
	s2, err := p.Get(ctx)
	require.NoError(t, err)

	for _, s := range []*session.Session{s1, s2} {
		for _, tb := range []engine.Table{a, b} {
			_, err := s.Acquire(tb)
			require.NoError(t, err)
			require.NoError(t, s.Release(tb.Name()))
		}
	}

	// s1 is free, s2 is still in use
	p.Put(s1)
	p.Evict("a")
	require.Equal(t, 1, s1.Len())
	require.Equal(t, 2, s2.Len())

	p.Put(s2)
	require.Equal(t, 1, s2.Len())

	// evicted sessions are handed out again
	s1, err = p.Get(ctx)
	require.NoError(t, err)
	s2, err = p.Get(ctx)
	require.NoError(t, err)
	p.Put(s1)
	p.Put(s2)

	require.NoError(t, p.Close())
	require.Zero(t, s1.Len())
	require.Zero(t, s2.Len())
}
