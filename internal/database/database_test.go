package database_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthrax3/mapkeeper/internal/database"
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/engine/memory"
	"github.com/anthrax3/mapkeeper/internal/scan"
	"github.com/anthrax3/mapkeeper/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// conflictEngine returns tables whose writes fail with engine.ErrConflict
// as long as conflicts is positive.
type conflictEngine struct {
	engine.Engine
	conflicts atomic.Int64
	attempts  atomic.Int64
}

func (ng *conflictEngine) wrap(tb engine.Table, err error) (engine.Table, error) {
	if err != nil {
		return nil, err
	}
	return &conflictTable{Table: tb, ng: ng}, nil
}

func (ng *conflictEngine) CreateTable(name string, opts engine.TableOptions) (engine.Table, error) {
	return ng.wrap(ng.Engine.CreateTable(name, opts))
}

func (ng *conflictEngine) OpenTable(name string) (engine.Table, error) {
	return ng.wrap(ng.Engine.OpenTable(name))
}

type conflictTable struct {
	engine.Table
	ng *conflictEngine
}

func (t *conflictTable) conflict() error {
	t.ng.attempts.Add(1)
	if t.ng.conflicts.Add(-1) >= 0 {
		return errors.Mark(errors.New("lock wait timeout"), engine.ErrConflict)
	}
	return nil
}

func (t *conflictTable) Insert(k, v []byte) error {
	if err := t.conflict(); err != nil {
		return err
	}
	return t.Table.Insert(k, v)
}

func (t *conflictTable) Update(k, v []byte) error {
	if err := t.conflict(); err != nil {
		return err
	}
	return t.Table.Update(k, v)
}

func (t *conflictTable) Delete(k []byte) error {
	if err := t.conflict(); err != nil {
		return err
	}
	return t.Table.Delete(k)
}

func newDB(t *testing.T, ng engine.Engine, opts database.Options) *database.Database {
	t.Helper()

	if ng == nil {
		ng = memory.NewEngine(0)
	}
	opts.Logger = zaptest.NewLogger(t)

	db, err := database.New(ng, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.CreateTable("maps"))
	return db
}

func TestPointOperations(t *testing.T) {
	db := newDB(t, nil, database.Options{})

	_, err := db.Get("maps", []byte("a"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))

	require.NoError(t, db.Insert("maps", []byte("a"), []byte("1")))
	err = db.Insert("maps", []byte("a"), []byte("2"))
	require.True(t, errors.Is(err, engine.ErrKeyAlreadyExists))

	v, err := db.Get("maps", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	err = db.Update("maps", []byte("b"), []byte("2"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))
	require.NoError(t, db.Update("maps", []byte("a"), []byte("2")))

	v, err = db.Get("maps", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, db.Remove("maps", []byte("a")))
	err = db.Remove("maps", []byte("a"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))

	_, err = db.Get("maps", []byte("a"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))

	// a near key is not a match
	require.NoError(t, db.Insert("maps", []byte("ab"), nil))
	_, err = db.Get("maps", []byte("a"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))
}

func TestUnknownTable(t *testing.T) {
	db := newDB(t, nil, database.Options{})
	s := session.New(1, nil)
	defer s.Close()

	_, err := db.Get("unknown", []byte("a"))
	require.True(t, errors.Is(err, engine.ErrTableNotFound))
	require.True(t, errors.Is(db.Insert("unknown", []byte("a"), nil), engine.ErrTableNotFound))
	require.True(t, errors.Is(db.Update("unknown", []byte("a"), nil), engine.ErrTableNotFound))
	require.True(t, errors.Is(db.Remove("unknown", []byte("a")), engine.ErrTableNotFound))

	_, err = db.Scan(s, "unknown", scan.Ascending, scan.Range{})
	require.True(t, errors.Is(err, engine.ErrTableNotFound))
}

func TestInsertMany(t *testing.T) {
	db := newDB(t, nil, database.Options{})
	require.NoError(t, db.Insert("maps", []byte("c"), []byte("old")))

	n, err := db.InsertMany("maps", []database.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("d"), Value: []byte("4")},
	})
	require.True(t, errors.Is(err, engine.ErrKeyAlreadyExists))
	require.Equal(t, 2, n)

	for k, want := range map[string]string{"a": "1", "b": "2", "c": "old"} {
		v, err := db.Get("maps", []byte(k))
		require.NoError(t, err)
		require.Equal(t, want, string(v))
	}
	_, err = db.Get("maps", []byte("d"))
	require.True(t, errors.Is(err, engine.ErrKeyNotFound))
}

func TestRetry(t *testing.T) {
	t.Run("Should succeed after fewer conflicts than retries", func(t *testing.T) {
		ng := &conflictEngine{Engine: memory.NewEngine(0)}
		var retries atomic.Int64
		db := newDB(t, ng, database.Options{
			NumRetries: 5,
			RetryPause: time.Microsecond,
			OnRetry:    func(string) { retries.Add(1) },
		})

		ng.conflicts.Store(4)
		require.NoError(t, db.Insert("maps", []byte("a"), []byte("1")))
		require.EqualValues(t, 5, ng.attempts.Load())
		require.EqualValues(t, 4, retries.Load())
	})

	t.Run("Should give up after NumRetries attempts", func(t *testing.T) {
		ng := &conflictEngine{Engine: memory.NewEngine(0)}
		db := newDB(t, ng, database.Options{
			NumRetries: 3,
			RetryPause: time.Microsecond,
		})

		ng.conflicts.Store(1000)
		err := db.Insert("maps", []byte("a"), []byte("1"))
		require.True(t, errors.Is(err, database.ErrRetriesExhausted))
		require.EqualValues(t, 3, ng.attempts.Load())

		ng.conflicts.Store(0)
		_, err = db.Get("maps", []byte("a"))
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))
	})

	t.Run("Should not retry other errors", func(t *testing.T) {
		ng := &conflictEngine{Engine: memory.NewEngine(0)}
		db := newDB(t, ng, database.Options{NumRetries: 10})

		err := db.Update("maps", []byte("a"), nil)
		require.True(t, errors.Is(err, engine.ErrKeyNotFound))
		require.EqualValues(t, 1, ng.attempts.Load())
	})
}

func collect(t *testing.T, it *database.Scan) []string {
	t.Helper()

	var keys []string
	for {
		r, err := it.Next()
		if errors.Is(err, scan.ErrScanEnded) {
			return keys
		}
		require.NoError(t, err)
		keys = append(keys, string(r.Key))
	}
}

func TestScan(t *testing.T) {
	db := newDB(t, nil, database.Options{})
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, db.Insert("maps", []byte(k), nil))
	}

	s := session.New(1, nil)
	defer s.Close()

	tests := []struct {
		dir  scan.Direction
		r    scan.Range
		want []string
	}{
		{scan.Ascending, scan.Range{Start: []byte("b")}, []string{"c"}},
		{scan.Ascending, scan.Range{End: []byte("b"), EndInclusive: true}, []string{"a", "b"}},
		{scan.Descending, scan.Range{Start: []byte("a"), StartInclusive: true, End: []byte("c")}, []string{"b", "a"}},
	}

	for _, test := range tests {
		it, err := db.Scan(s, "maps", test.dir, test.r)
		require.NoError(t, err)

		if diff := cmp.Diff(test.want, collect(t, it)); diff != "" {
			t.Errorf("unexpected keys (-want +got):\n%s", diff)
		}
		require.NoError(t, it.Close())
		require.NoError(t, it.Close())
	}

	// the cursor is in use until the scan is closed
	it, err := db.Scan(s, "maps", scan.Ascending, scan.Range{})
	require.NoError(t, err)
	_, err = db.Scan(s, "maps", scan.Ascending, scan.Range{})
	require.True(t, errors.Is(err, session.ErrCursorInUse))
	require.NoError(t, it.Close())

	_, err = it.Next()
	require.True(t, errors.Is(err, scan.ErrScanEnded))
}

func TestScanDroppedTable(t *testing.T) {
	db := newDB(t, nil, database.Options{})
	require.NoError(t, db.Insert("maps", []byte("a"), nil))
	require.NoError(t, db.Insert("maps", []byte("b"), nil))

	s := session.New(1, nil)
	defer s.Close()

	it, err := db.Scan(s, "maps", scan.Ascending, scan.Range{})
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	require.NoError(t, err)

	require.NoError(t, db.DropTable("maps"))
	_, err = it.Next()
	require.True(t, errors.Is(err, engine.ErrTableNotFound))

	// a new table with the same name is not the scanned one
	require.NoError(t, db.CreateTable("maps"))
	_, err = it.Next()
	require.True(t, errors.Is(err, engine.ErrTableNotFound))
}

func TestCheckpoint(t *testing.T) {
	db := newDB(t, nil, database.Options{})
	require.NoError(t, db.Checkpoint())
}
