package pebble_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/engine/enginetest"
	"github.com/anthrax3/mapkeeper/internal/engine/pebble"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func builder(t *testing.T) enginetest.Builder {
	return func() (engine.Engine, func()) {
		ng, err := pebble.Open("", pebble.Options{
			InMemory:    true,
			LockTimeout: time.Second,
			Logger:      zaptest.NewLogger(t),
		})
		require.NoError(t, err)

		return ng, func() { _ = ng.Close() }
	}
}

func TestPebbleEngine(t *testing.T) {
	enginetest.TestSuite(t, builder(t))
}

func tempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "mapkeeper")
	require.NoError(t, err)

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func TestReopen(t *testing.T) {
	path := filepath.Join(tempDir(t), "pebble")

	ng, err := pebble.Open(path, pebble.Options{})
	require.NoError(t, err)

	a, err := ng.CreateTable("a", engine.TableOptions{PageSizeKB: 32})
	require.NoError(t, err)
	require.NoError(t, a.Put([]byte("k"), []byte("v")))

	_, err = ng.CreateTable("b", engine.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, ng.DropTable("b"))

	require.NoError(t, ng.Checkpoint())
	require.NoError(t, ng.Close())

	ng, err = pebble.Open(path, pebble.Options{})
	require.NoError(t, err)
	defer ng.Close()

	list, err := ng.ListTables()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].Name)
	require.EqualValues(t, 32, list[0].PageSizeKB)

	a, err = ng.OpenTable("a")
	require.NoError(t, err)
	v, err := a.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	// the sequence survives restarts
	c, err := ng.CreateTable("c", engine.TableOptions{})
	require.NoError(t, err)
	require.Greater(t, c.Info().ID, list[0].ID+1)
}

func TestCloseTwice(t *testing.T) {
	ng, err := pebble.Open("", pebble.Options{InMemory: true})
	require.NoError(t, err)

	require.NoError(t, ng.Close())
	require.True(t, errors.Is(ng.Close(), engine.ErrClosed))
}

func TestCheckpointDoesNotFlush(t *testing.T) {
	ng, err := pebble.Open("", pebble.Options{InMemory: true})
	require.NoError(t, err)
	defer ng.Close()

	tb, err := ng.CreateTable("maps", engine.TableOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tb.Put([]byte{'k', byte(i)}, []byte("v")))
		require.NoError(t, ng.Checkpoint())
	}

	// the writes stay in the memtable, no sstable is written
	require.Zero(t, ng.DB.Metrics().Levels[0].NumFiles)

	v, err := tb.Get([]byte{'k', 2})
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}
