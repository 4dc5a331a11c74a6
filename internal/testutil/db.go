package testutil

import (
	"testing"
	"time"

	"github.com/anthrax3/mapkeeper/internal/database"
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/engine/memory"
	"github.com/anthrax3/mapkeeper/internal/engine/pebble"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// NewPebbleEngine opens a Pebble engine at path, or in memory if path is empty.
// The engine is closed when the test ends.
func NewPebbleEngine(t testing.TB, path string) *pebble.Engine {
	t.Helper()

	ng, err := pebble.Open(path, pebble.Options{
		InMemory:    path == "",
		LockTimeout: time.Second,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ng.Close()
	})
	return ng
}

// NewMemoryEngine returns a memory engine closed when the test ends.
func NewMemoryEngine(t testing.TB) *memory.Engine {
	t.Helper()

	ng := memory.NewEngine(0)
	t.Cleanup(func() {
		_ = ng.Close()
	})
	return ng
}

// NewDatabase loads a database on top of ng, or on a memory engine if ng is nil.
func NewDatabase(t testing.TB, ng engine.Engine) *database.Database {
	t.Helper()

	if ng == nil {
		ng = memory.NewEngine(0)
	}

	db, err := database.New(ng, database.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return db
}

// MustPut inserts each key of kvs with its value, overwriting existing ones.
func MustPut(t testing.TB, tb engine.Table, kvs ...string) {
	t.Helper()

	require.Zero(t, len(kvs)%2, "odd number of arguments")
	for i := 0; i < len(kvs); i += 2 {
		require.NoError(t, tb.Put([]byte(kvs[i]), []byte(kvs[i+1])))
	}
}
