// Package enginetest defines a list of tests that can be used to test
// an engine implementation.
package enginetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// Builder is a function that can create an engine on demand and that provides
// a function to cleanup up and remove any created state.
// Tests will use the builder like this:
//
//	ng, cleanup := builder()
//	defer cleanup()
//	...
type Builder func() (engine.Engine, func())

// TestSuite tests an entire engine, table and cursor implementation.
func TestSuite(t *testing.T, builder Builder) {
	tests := []struct {
		name string
		test func(*testing.T, Builder)
	}{
		{"Engine/Close", TestEngineClose},
		{"Engine/CreateTable", TestEngineCreateTable},
		{"Engine/OpenTable", TestEngineOpenTable},
		{"Engine/DropTable", TestEngineDropTable},
		{"Engine/ListTables", TestEngineListTables},
		{"Engine/Checkpoint", TestEngineCheckpoint},
		{"Table/Get", TestTableGet},
		{"Table/Insert", TestTableInsert},
		{"Table/Put", TestTablePut},
		{"Table/Update", TestTableUpdate},
		{"Table/Delete", TestTableDelete},
		{"Table/Isolation", TestTableIsolation},
		{"Table/ConcurrentWrites", TestTableConcurrentWrites},
		{"Cursor/Moves", TestCursorMoves},
		{"Cursor/SearchNear", TestCursorSearchNear},
		{"Cursor/Reset", TestCursorReset},
		{"Cursor/DroppedTable", TestCursorDroppedTable},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.test(t, builder)
		})
	}
}

func createTable(t testing.TB, ng engine.Engine, name string) engine.Table {
	t.Helper()

	tb, err := ng.CreateTable(name, engine.TableOptions{})
	require.NoError(t, err)
	return tb
}

func fill(t testing.TB, tb engine.Table, keys ...string) {
	t.Helper()

	for _, k := range keys {
		require.NoError(t, tb.Put([]byte(k), []byte("v"+k)))
	}
}

// TestEngineClose verifies Close behaviour.
func TestEngineClose(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "a")

	require.NoError(t, ng.Close())

	_, err := ng.OpenTable("a")
	require.Error(t, err)

	_, err = tb.Get([]byte("k"))
	require.Error(t, err)
}

// TestEngineCreateTable verifies CreateTable behaviour.
func TestEngineCreateTable(t *testing.T, builder Builder) {
	t.Run("Should create a table", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb, err := ng.CreateTable("maps", engine.TableOptions{PageSizeKB: 64})
		require.NoError(t, err)
		require.Equal(t, "maps", tb.Name())
		require.EqualValues(t, 64, tb.Info().PageSizeKB)
		require.NotZero(t, tb.Info().ID)
		require.NotEmpty(t, tb.Info().CreatedAt)
	})

	t.Run("Should use the default page size", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		require.EqualValues(t, engine.DefaultPageSizeKB, tb.Info().PageSizeKB)
	})

	t.Run("Should fail if the table already exists", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		createTable(t, ng, "maps")

		_, err := ng.CreateTable("maps", engine.TableOptions{})
		require.True(t, errors.Is(err, engine.ErrTableAlreadyExists))
	})

	t.Run("Should assign distinct ids", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		a := createTable(t, ng, "a")
		b := createTable(t, ng, "b")
		require.NotEqual(t, a.Info().ID, b.Info().ID)
	})
}

// TestEngineOpenTable verifies OpenTable behaviour.
func TestEngineOpenTable(t *testing.T, builder Builder) {
	t.Run("Should fail if the table doesn't exist", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		_, err := ng.OpenTable("maps")
		require.True(t, errors.Is(err, engine.ErrTableNotFound))
	})

	t.Run("Should see the data of the created table", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a")

		other, err := ng.OpenTable("maps")
		require.NoError(t, err)
		require.Equal(t, tb.Info(), other.Info())

		v, err := other.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("va"), v)
	})
}

// TestEngineDropTable verifies DropTable behaviour.
func TestEngineDropTable(t *testing.T, builder Builder) {
	t.Run("Should succeed if the table doesn't exist", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		require.NoError(t, ng.DropTable("maps"))
	})

	t.Run("Should drop the table", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		createTable(t, ng, "maps")
		require.NoError(t, ng.DropTable("maps"))

		_, err := ng.OpenTable("maps")
		require.True(t, errors.Is(err, engine.ErrTableNotFound))
	})

	t.Run("Should invalidate existing handles", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a")
		require.NoError(t, ng.DropTable("maps"))

		_, err := tb.Get([]byte("a"))
		require.True(t, errors.Is(err, engine.ErrTableNotFound))

		err = tb.Put([]byte("b"), nil)
		require.True(t, errors.Is(err, engine.ErrTableNotFound))

		_, err = tb.NewCursor()
		require.True(t, errors.Is(err, engine.ErrTableNotFound))
	})

	t.Run("Should not leak data into a new table with the same name", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a", "b", "c")
		require.NoError(t, ng.DropTable("maps"))

		tb = createTable(t, ng, "maps")
		_, err := tb.Get([]byte("a"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))

		c, err := tb.NewCursor()
		require.NoError(t, err)
		defer c.Close()

		ok, err := c.First()
		require.NoError(t, err)
		require.False(t, ok)
	})
}

// TestEngineListTables verifies ListTables behaviour.
func TestEngineListTables(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	list, err := ng.ListTables()
	require.NoError(t, err)
	require.Empty(t, list)

	for _, name := range []string{"c", "a", "b"} {
		createTable(t, ng, name)
	}
	require.NoError(t, ng.DropTable("b"))

	list, err = ng.ListTables()
	require.NoError(t, err)

	var names []string
	for _, info := range list {
		names = append(names, info.Name)
	}
	require.Equal(t, []string{"a", "c"}, names)
}

// TestEngineCheckpoint verifies Checkpoint behaviour.
func TestEngineCheckpoint(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "maps")
	fill(t, tb, "a", "b")

	require.NoError(t, ng.Checkpoint())

	v, err := tb.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("vb"), v)
}

// TestTableGet verifies Get behaviour.
func TestTableGet(t *testing.T, builder Builder) {
	t.Run("Should fail if not found", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		_, err := tb.Get([]byte("a"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))
	})

	t.Run("Should return a copy of the value", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a")

		v, err := tb.Get([]byte("a"))
		require.NoError(t, err)
		v[0] = 'x'

		v, err = tb.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("va"), v)
	})
}

// TestTableInsert verifies Insert behaviour.
func TestTableInsert(t *testing.T, builder Builder) {
	t.Run("Should insert a new key", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		require.NoError(t, tb.Insert([]byte("a"), []byte("1")))

		v, err := tb.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
	})

	t.Run("Should fail if the key exists and keep the value", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		require.NoError(t, tb.Insert([]byte("a"), []byte("1")))

		err := tb.Insert([]byte("a"), []byte("2"))
		require.True(t, errors.Is(err, engine.ErrKeyAlreadyExists))

		v, err := tb.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
	})

	t.Run("Should fail on an empty key", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		err := tb.Insert(nil, []byte("1"))
		require.True(t, errors.Is(err, engine.ErrEmptyKey))
	})

	t.Run("Should accept an empty value", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		require.NoError(t, tb.Insert([]byte("a"), nil))

		v, err := tb.Get([]byte("a"))
		require.NoError(t, err)
		require.Empty(t, v)
	})
}

// TestTablePut verifies Put behaviour.
func TestTablePut(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "maps")
	require.NoError(t, tb.Put([]byte("a"), []byte("1")))
	require.NoError(t, tb.Put([]byte("a"), []byte("2")))

	v, err := tb.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

// TestTableUpdate verifies Update behaviour.
func TestTableUpdate(t *testing.T, builder Builder) {
	t.Run("Should fail if not found", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		err := tb.Update([]byte("a"), []byte("1"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))

		_, err = tb.Get([]byte("a"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))
	})

	t.Run("Should replace the value", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a")
		require.NoError(t, tb.Update([]byte("a"), []byte("new")))

		v, err := tb.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("new"), v)
	})
}

// TestTableDelete verifies Delete behaviour.
func TestTableDelete(t *testing.T, builder Builder) {
	t.Run("Should fail if not found", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		err := tb.Delete([]byte("a"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))
	})

	t.Run("Should delete the key", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a", "b")
		require.NoError(t, tb.Delete([]byte("a")))

		_, err := tb.Get([]byte("a"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))

		_, err = tb.Get([]byte("b"))
		require.NoError(t, err)
	})
}

// TestTableIsolation verifies that tables don't see each other's keys.
func TestTableIsolation(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	a := createTable(t, ng, "a")
	b := createTable(t, ng, "b")
	fill(t, a, "k1", "k2")
	fill(t, b, "k3")

	_, err := b.Get([]byte("k1"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))

	c, err := b.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	var keys []string
	for ok, err := c.First(); ok; ok, err = c.Next() {
		require.NoError(t, err)
		keys = append(keys, string(c.Key()))
	}
	require.Equal(t, []string{"k3"}, keys)
}

// TestTableConcurrentWrites verifies that concurrent writers on distinct keys all succeed.
func TestTableConcurrentWrites(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "maps")

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- tb.Insert([]byte(fmt.Sprintf("k%03d", i)), []byte("v"))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	list, err := tb.NewCursor()
	require.NoError(t, err)
	defer list.Close()

	var n int
	for ok, err := list.First(); ok; ok, err = list.Next() {
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 100, n)
}

// TestCursorMoves verifies First, Last, Next and Prev.
func TestCursorMoves(t *testing.T, builder Builder) {
	t.Run("Empty table", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		c, err := tb.NewCursor()
		require.NoError(t, err)
		defer c.Close()

		for _, move := range []func() (bool, error){c.First, c.Last, c.Next, c.Prev} {
			ok, err := move()
			require.NoError(t, err)
			require.False(t, ok)
		}
		require.Nil(t, c.Key())
	})

	t.Run("Forward and backward", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "c", "a", "b")

		c, err := tb.NewCursor()
		require.NoError(t, err)
		defer c.Close()

		var keys []string
		for ok, err := c.First(); ok; ok, err = c.Next() {
			require.NoError(t, err)
			keys = append(keys, string(c.Key()))
			require.Equal(t, "v"+string(c.Key()), string(c.Value()))
		}
		require.Equal(t, []string{"a", "b", "c"}, keys)

		keys = keys[:0]
		for ok, err := c.Last(); ok; ok, err = c.Prev() {
			require.NoError(t, err)
			keys = append(keys, string(c.Key()))
		}
		require.Equal(t, []string{"c", "b", "a"}, keys)
	})

	t.Run("Idle cursor", func(t *testing.T) {
		ng, cleanup := builder()
		defer cleanup()

		tb := createTable(t, ng, "maps")
		fill(t, tb, "a", "b")

		c, err := tb.NewCursor()
		require.NoError(t, err)
		defer c.Close()

		ok, err := c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("a"), c.Key())

		require.NoError(t, c.Reset())

		ok, err = c.Prev()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("b"), c.Key())
	})
}

// TestCursorSearchNear verifies the relation reported by SearchNear.
func TestCursorSearchNear(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "maps")

	c, err := tb.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	rel, err := c.SearchNear([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, engine.Empty, rel)

	require.NoError(t, c.Reset())
	fill(t, tb, "b", "d")

	tests := []struct {
		probe string
		rel   engine.Relation
		key   string
	}{
		{"a", engine.After, "b"},
		{"b", engine.Exact, "b"},
		{"c", engine.After, "d"},
		{"d", engine.Exact, "d"},
		{"e", engine.Before, "d"},
	}

	for _, test := range tests {
		t.Run(test.probe, func(t *testing.T) {
			require.NoError(t, c.Reset())

			rel, err := c.SearchNear([]byte(test.probe))
			require.NoError(t, err)
			require.Equal(t, test.rel, rel)
			require.Equal(t, test.key, string(c.Key()))
		})
	}

	t.Run("Should move from the probed position", func(t *testing.T) {
		require.NoError(t, c.Reset())

		rel, err := c.SearchNear([]byte("c"))
		require.NoError(t, err)
		require.Equal(t, engine.After, rel)

		ok, err := c.Prev()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("b"), c.Key())
	})
}

// TestCursorReset verifies that a reset cursor observes later writes.
func TestCursorReset(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "maps")
	fill(t, tb, "a")

	c, err := tb.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.First()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Reset())
	require.Nil(t, c.Key())

	fill(t, tb, "0")

	ok, err = c.First()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("0"), c.Key())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

// TestCursorDroppedTable verifies that cursors fail once their table is dropped.
func TestCursorDroppedTable(t *testing.T, builder Builder) {
	ng, cleanup := builder()
	defer cleanup()

	tb := createTable(t, ng, "maps")
	fill(t, tb, "a", "b")

	c, err := tb.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Reset())
	require.NoError(t, ng.DropTable("maps"))

	_, err = c.First()
	require.True(t, errors.Is(err, engine.ErrTableNotFound))
}
