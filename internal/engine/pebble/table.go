package pebble

import (
	"bytes"
	"sync/atomic"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

var _ engine.Table = (*Table)(nil)

// A Table is a handle on the keys stored under one table prefix.
type Table struct {
	ng      *Engine
	info    engine.TableInfo
	prefix  []byte
	upper   []byte
	dropped atomic.Bool
}

func newTable(ng *Engine, info engine.TableInfo) *Table {
	prefix, upper := buildTablePrefix(info.ID)

	return &Table{
		ng:     ng,
		info:   info,
		prefix: prefix,
		upper:  upper,
	}
}

func (t *Table) Name() string {
	return t.info.Name
}

func (t *Table) Info() engine.TableInfo {
	return t.info
}

// buildKey prepends the table prefix to k.
func (t *Table) buildKey(k []byte) []byte {
	key := make([]byte, 0, len(t.prefix)+len(k))
	key = append(key, t.prefix...)
	return append(key, k...)
}

func (t *Table) check() error {
	if t.dropped.Load() {
		return errors.WithStack(engine.ErrTableNotFound)
	}
	return nil
}

func (t *Table) checkWrite(k []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(k) == 0 {
		return errors.WithStack(engine.ErrEmptyKey)
	}
	return nil
}

// Get returns a value associated with the given key. If not found, returns engine.ErrKeyNotFound.
func (t *Table) Get(k []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	return get(t.ng.DB, t.buildKey(k))
}

// Insert stores a key-value pair. If it already exists, returns engine.ErrKeyAlreadyExists.
func (t *Table) Insert(k, v []byte) error {
	if err := t.checkWrite(k); err != nil {
		return err
	}

	unlock, err := t.ng.lockRecord(t.info.ID, k)
	if err != nil {
		return err
	}
	defer unlock()

	key := t.buildKey(k)
	ok, err := exists(t.ng.DB, key)
	if err != nil {
		return err
	}
	if ok {
		return errors.WithStack(engine.ErrKeyAlreadyExists)
	}

	return t.ng.DB.Set(key, v, t.ng.writeOpts)
}

// Put stores a key-value pair. If it already exists, it overrides it.
func (t *Table) Put(k, v []byte) error {
	if err := t.checkWrite(k); err != nil {
		return err
	}

	unlock, err := t.ng.lockRecord(t.info.ID, k)
	if err != nil {
		return err
	}
	defer unlock()

	return t.ng.DB.Set(t.buildKey(k), v, t.ng.writeOpts)
}

// Update replaces the value of an existing key. If not found, returns engine.ErrKeyNotFound.
func (t *Table) Update(k, v []byte) error {
	if err := t.checkWrite(k); err != nil {
		return err
	}

	unlock, err := t.ng.lockRecord(t.info.ID, k)
	if err != nil {
		return err
	}
	defer unlock()

	key := t.buildKey(k)
	ok, err := exists(t.ng.DB, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(engine.ErrKeyNotFound)
	}

	return t.ng.DB.Set(key, v, t.ng.writeOpts)
}

// Delete a record by key. If not found, returns engine.ErrKeyNotFound.
func (t *Table) Delete(k []byte) error {
	if err := t.checkWrite(k); err != nil {
		return err
	}

	unlock, err := t.ng.lockRecord(t.info.ID, k)
	if err != nil {
		return err
	}
	defer unlock()

	key := t.buildKey(k)
	ok, err := exists(t.ng.DB, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(engine.ErrKeyNotFound)
	}

	return t.ng.DB.Delete(key, t.ng.writeOpts)
}

// NewCursor returns an idle cursor. The underlying iterator is created
// on the first positioning call, so it observes every write committed
// before that call.
func (t *Table) NewCursor() (engine.Cursor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	return &Cursor{t: t}, nil
}

var _ engine.Cursor = (*Cursor)(nil)

// A Cursor wraps a Pebble iterator bounded to one table.
type Cursor struct {
	t          *Table
	it         *pebble.Iterator
	positioned bool
	closed     bool
}

func (c *Cursor) iter() (*pebble.Iterator, error) {
	if c.closed {
		return nil, errors.New("cursor closed")
	}
	if err := c.t.check(); err != nil {
		return nil, err
	}

	if c.it == nil {
		c.it = c.t.ng.DB.NewIter(&pebble.IterOptions{
			LowerBound: c.t.prefix,
			UpperBound: c.t.upper,
		})
	}

	return c.it, nil
}

// valid converts the result of an iterator move, surfacing iterator errors.
func (c *Cursor) valid(ok bool) (bool, error) {
	c.positioned = ok
	if !ok {
		return false, c.it.Error()
	}
	return true, nil
}

func (c *Cursor) First() (bool, error) {
	it, err := c.iter()
	if err != nil {
		return false, err
	}

	return c.valid(it.First())
}

func (c *Cursor) Last() (bool, error) {
	it, err := c.iter()
	if err != nil {
		return false, err
	}

	return c.valid(it.Last())
}

func (c *Cursor) SearchNear(k []byte) (engine.Relation, error) {
	it, err := c.iter()
	if err != nil {
		return engine.Empty, err
	}

	target := c.t.buildKey(k)
	if it.SeekGE(target) {
		c.positioned = true
		if bytes.Equal(it.Key(), target) {
			return engine.Exact, nil
		}
		return engine.After, nil
	}
	if err := it.Error(); err != nil {
		c.positioned = false
		return engine.Empty, err
	}

	// every key is smaller than the probe
	ok, err := c.valid(it.Last())
	if err != nil {
		return engine.Empty, err
	}
	if !ok {
		return engine.Empty, nil
	}
	return engine.Before, nil
}

// Next moves to the following key. On an idle cursor it moves to the first key.
func (c *Cursor) Next() (bool, error) {
	if !c.positioned {
		return c.First()
	}

	it, err := c.iter()
	if err != nil {
		return false, err
	}

	return c.valid(it.Next())
}

// Prev moves to the preceding key. On an idle cursor it moves to the last key.
func (c *Cursor) Prev() (bool, error) {
	if !c.positioned {
		return c.Last()
	}

	it, err := c.iter()
	if err != nil {
		return false, err
	}

	return c.valid(it.Prev())
}

func (c *Cursor) Key() []byte {
	if !c.positioned {
		return nil
	}
	return c.it.Key()[len(c.t.prefix):]
}

func (c *Cursor) Value() []byte {
	if !c.positioned {
		return nil
	}
	return c.it.Value()
}

// Reset releases the iterator. The next positioning call creates a new one.
func (c *Cursor) Reset() error {
	c.positioned = false
	if c.it == nil {
		return nil
	}

	err := c.it.Close()
	c.it = nil
	return err
}

func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}

	err := c.Reset()
	c.closed = true
	return err
}
