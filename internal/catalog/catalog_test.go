package catalog_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anthrax3/mapkeeper/internal/catalog"
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/engine/memory"
	"github.com/anthrax3/mapkeeper/internal/testutil"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCatalogCreateTable(t *testing.T) {
	c := catalog.New(memory.NewEngine(0), zaptest.NewLogger(t))

	tb, err := c.CreateTable("a", engine.TableOptions{PageSizeKB: 16})
	require.NoError(t, err)
	require.Equal(t, "a", tb.Name())

	_, err = c.CreateTable("a", engine.TableOptions{})
	require.True(t, errors.Is(err, engine.ErrTableAlreadyExists))

	got, err := c.GetTable("a")
	require.NoError(t, err)
	require.Equal(t, tb.Info(), got.Info())
}

func TestCatalogGetTable(t *testing.T) {
	c := catalog.New(memory.NewEngine(0), nil)

	_, err := c.GetTable("a")
	require.True(t, errors.Is(err, engine.ErrTableNotFound))

	err = c.View("a", func(engine.Table) error {
		t.Fatal("should not be called")
		return nil
	})
	require.True(t, errors.Is(err, engine.ErrTableNotFound))
}

func TestCatalogDropTable(t *testing.T) {
	c := catalog.New(memory.NewEngine(0), nil)

	err := c.DropTable("a")
	require.True(t, errors.Is(err, engine.ErrTableNotFound))

	tb, err := c.CreateTable("a", engine.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tb.Put([]byte("k"), []byte("v")))

	require.NoError(t, c.DropTable("a"))
	_, err = c.GetTable("a")
	require.True(t, errors.Is(err, engine.ErrTableNotFound))
	require.Empty(t, c.ListTables())

	// the old handle is invalid
	_, err = tb.Get([]byte("k"))
	require.True(t, errors.Is(err, engine.ErrTableNotFound))

	tb, err = c.CreateTable("a", engine.TableOptions{})
	require.NoError(t, err)
	_, err = tb.Get([]byte("k"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))
}

func TestCatalogListTables(t *testing.T) {
	c := catalog.New(memory.NewEngine(0), nil)

	for _, name := range []string{"c", "b", "a"} {
		_, err := c.CreateTable(name, engine.TableOptions{})
		require.NoError(t, err)
	}

	require.Equal(t, []string{"a", "b", "c"}, c.ListTables())
}

func TestCatalogLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble")

	ng := testutil.NewPebbleEngine(t, path)

	c := catalog.New(ng, nil)
	require.NoError(t, c.Load())
	require.Empty(t, c.ListTables())

	for _, name := range []string{"x", "y"} {
		tb, err := c.CreateTable(name, engine.TableOptions{})
		require.NoError(t, err)
		require.NoError(t, tb.Put([]byte("k"), []byte(name)))
	}
	require.NoError(t, ng.Close())

	ng = testutil.NewPebbleEngine(t, path)

	c = catalog.New(ng, zaptest.NewLogger(t))
	require.NoError(t, c.Load())
	require.Equal(t, []string{"x", "y"}, c.ListTables())

	tb, err := c.GetTable("y")
	require.NoError(t, err)
	require.Equal(t, []string{"k=y"}, testutil.DumpTable(t, tb))
}

func TestCatalogDropWaitsForViews(t *testing.T) {
	c := catalog.New(memory.NewEngine(0), nil)

	_, err := c.CreateTable("a", engine.TableOptions{})
	require.NoError(t, err)

	inView := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.View("a", func(tb engine.Table) error {
			close(inView)
			<-release
			return tb.Put([]byte("k"), nil)
		})
	}()

	<-inView

	dropped := make(chan error)
	go func() {
		dropped <- c.DropTable("a")
	}()

	select {
	case <-dropped:
		t.Fatal("drop should wait for the view to end")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-dropped)
	wg.Wait()
}
