// Package pebble implements the engine interfaces on top of a single Pebble database.
// Every table is stored under its own key prefix.
package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/lock"
	"github.com/buger/jsonparser"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/golang-module/carbon/v2"
	"go.uber.org/zap"
)

const (
	separator     byte = 0x1F
	catalogPrefix byte = 'c'
	tablePrefix   byte = 't'
	sequenceKey        = "__mapkeeper.sequence"

	defaultLockTimeout = 10 * time.Millisecond
)

var _ engine.Engine = (*Engine)(nil)

// Options configures the Pebble engine.
type Options struct {
	// InMemory keeps every file in memory. The path passed to Open is ignored.
	InMemory bool
	// SyncWrites syncs the WAL on every write. Otherwise durability is
	// provided by Checkpoint.
	SyncWrites bool
	// LockTimeout is how long a write waits for a record lock held
	// by another session before failing with engine.ErrConflict.
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// Engine stores tables in a Pebble database.
type Engine struct {
	DB   *pebble.DB
	opts Options

	writeOpts *pebble.WriteOptions
	locks     *lock.LockManager
	owners    atomic.Uint64

	// mu serializes catalog changes and protects tables.
	mu     sync.Mutex
	tables map[uint64]*Table
	closed bool
}

// Open opens or creates the Pebble database at path.
func Open(path string, opts Options) (*Engine, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var popts pebble.Options
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		path = ""
	}
	popts.Logger = opts.Logger.Named("pebble").Sugar()

	db, err := pebble.Open(path, &popts)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open pebble database at %q", path)
	}

	ng := Engine{
		DB:        db,
		opts:      opts,
		writeOpts: pebble.NoSync,
		locks:     lock.NewLockManager(),
		tables:    make(map[uint64]*Table),
	}
	if opts.SyncWrites {
		ng.writeOpts = pebble.Sync
	}

	return &ng, nil
}

func buildCatalogKey(name string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(name) + 2)
	buf.WriteByte(catalogPrefix)
	buf.WriteByte(separator)
	buf.WriteString(name)

	return buf.Bytes()
}

// buildTablePrefix returns the prefix of every key of the table
// and the smallest key greater than all of them.
func buildTablePrefix(id uint64) (prefix, upper []byte) {
	prefix = make([]byte, 9)
	prefix[0] = tablePrefix
	binary.BigEndian.PutUint64(prefix[1:], id)

	upper = make([]byte, 9)
	upper[0] = tablePrefix
	binary.BigEndian.PutUint64(upper[1:], id+1)

	return prefix, upper
}

type tableMeta struct {
	ID         uint64 `json:"id"`
	PageSizeKB uint32 `json:"page_size_kb"`
	CreatedAt  string `json:"created_at"`
}

func decodeTableInfo(name string, data []byte) (engine.TableInfo, error) {
	info := engine.TableInfo{Name: name}

	id, err := jsonparser.GetInt(data, "id")
	if err != nil {
		return info, errors.Wrapf(err, "invalid catalog entry for table %q", name)
	}
	info.ID = uint64(id)

	pageSize, err := jsonparser.GetInt(data, "page_size_kb")
	if err != nil {
		return info, errors.Wrapf(err, "invalid catalog entry for table %q", name)
	}
	info.PageSizeKB = uint32(pageSize)

	info.CreatedAt, err = jsonparser.GetString(data, "created_at")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return info, errors.Wrapf(err, "invalid catalog entry for table %q", name)
	}

	return info, nil
}

// get returns a copy of the value associated with the given key. If not found, returns engine.ErrKeyNotFound.
func get(r pebble.Reader, k []byte) ([]byte, error) {
	value, closer, err := r.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.WithStack(engine.ErrKeyNotFound)
		}

		return nil, err
	}

	cp := make([]byte, len(value))
	copy(cp, value)

	err = closer.Close()
	if err != nil {
		return nil, err
	}

	return cp, nil
}

// exists returns whether a key exists.
func exists(r pebble.Reader, k []byte) (bool, error) {
	_, closer, err := r.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, closer.Close()
}

func (e *Engine) tableInfo(name string) (engine.TableInfo, error) {
	data, err := get(e.DB, buildCatalogKey(name))
	if err != nil {
		if errors.Is(err, engine.ErrKeyNotFound) {
			return engine.TableInfo{}, errors.WithStack(engine.ErrTableNotFound)
		}
		return engine.TableInfo{}, err
	}

	return decodeTableInfo(name, data)
}

// handle returns the open handle of the table, creating it if needed.
// Must be called with e.mu held.
func (e *Engine) handle(info engine.TableInfo) *Table {
	if t, ok := e.tables[info.ID]; ok {
		return t
	}

	t := newTable(e, info)
	e.tables[info.ID] = t
	return t
}

func (e *Engine) nextTableID() (uint64, error) {
	var next uint64 = 1

	v, err := get(e.DB, []byte(sequenceKey))
	switch {
	case err == nil:
		if len(v) != 8 {
			return 0, errors.Newf("corrupted table sequence of length %d", len(v))
		}
		next = binary.BigEndian.Uint64(v) + 1
	case !errors.Is(err, engine.ErrKeyNotFound):
		return 0, err
	}

	return next, nil
}

// CreateTable creates a table.
// If the table already exists, returns engine.ErrTableAlreadyExists.
func (e *Engine) CreateTable(name string, opts engine.TableOptions) (engine.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.WithStack(engine.ErrClosed)
	}

	key := buildCatalogKey(name)
	ok, err := exists(e.DB, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, errors.WithStack(engine.ErrTableAlreadyExists)
	}

	id, err := e.nextTableID()
	if err != nil {
		return nil, err
	}

	if opts.PageSizeKB == 0 {
		opts.PageSizeKB = engine.DefaultPageSizeKB
	}

	meta, err := json.Marshal(tableMeta{
		ID:         id,
		PageSizeKB: opts.PageSizeKB,
		CreatedAt:  carbon.Now().ToRfc3339String(),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)

	b := e.DB.NewBatch()
	defer b.Close()

	if err := b.Set([]byte(sequenceKey), seq[:], nil); err != nil {
		return nil, err
	}
	if err := b.Set(key, meta, nil); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, errors.Wrapf(err, "cannot create table %q", name)
	}

	info, err := decodeTableInfo(name, meta)
	if err != nil {
		return nil, err
	}

	return e.handle(info), nil
}

// OpenTable returns a handle on an existing table.
// If not found, returns engine.ErrTableNotFound.
func (e *Engine) OpenTable(name string) (engine.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.WithStack(engine.ErrClosed)
	}

	info, err := e.tableInfo(name)
	if err != nil {
		return nil, err
	}

	return e.handle(info), nil
}

// DropTable deletes the catalog entry and every key of the table in a single batch.
// Handles previously returned for this table become invalid.
func (e *Engine) DropTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.WithStack(engine.ErrClosed)
	}

	info, err := e.tableInfo(name)
	if errors.Is(err, engine.ErrTableNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	prefix, upper := buildTablePrefix(info.ID)

	b := e.DB.NewBatch()
	defer b.Close()

	if err := b.Delete(buildCatalogKey(name), nil); err != nil {
		return err
	}
	if err := b.DeleteRange(prefix, upper, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "cannot drop table %q", name)
	}

	if t, ok := e.tables[info.ID]; ok {
		t.dropped.Store(true)
		delete(e.tables, info.ID)
	}

	return nil
}

// ListTables returns the tables of the catalog, ordered by name.
func (e *Engine) ListTables() ([]engine.TableInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.WithStack(engine.ErrClosed)
	}

	lower := []byte{catalogPrefix, separator}
	upper := []byte{catalogPrefix, separator + 1}

	it := e.DB.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	defer it.Close()

	var tables []engine.TableInfo
	for it.First(); it.Valid(); it.Next() {
		name := string(it.Key()[len(lower):])
		info, err := decodeTableInfo(name, it.Value())
		if err != nil {
			return nil, err
		}
		tables = append(tables, info)
	}

	return tables, it.Error()
}

// Checkpoint syncs the WAL, which makes every write acknowledged so far
// durable without flushing the memtable. It does not hold the catalog lock.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return errors.WithStack(engine.ErrClosed)
	}

	return errors.Wrap(e.DB.LogData(nil, pebble.Sync), "checkpoint failed")
}

// Close the engine and the underlying Pebble database.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.WithStack(engine.ErrClosed)
	}
	e.closed = true

	for id, t := range e.tables {
		t.dropped.Store(true)
		delete(e.tables, id)
	}

	return e.DB.Close()
}

// lockRecord takes an exclusive lock on the given key of a table.
// If the lock is held by another session past the lock timeout
// it returns an error marked as engine.ErrConflict.
func (e *Engine) lockRecord(tableID uint64, k []byte) (func(), error) {
	owner := e.owners.Add(1)
	obj := lock.NewRecordObject(tableID, k)

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.LockTimeout)
	defer cancel()

	err := e.locks.Lock(ctx, owner, obj, lock.X)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, errors.Mark(err, engine.ErrConflict)
		}
		return nil, err
	}

	return func() {
		e.locks.Unlock(owner, obj)
	}, nil
}
