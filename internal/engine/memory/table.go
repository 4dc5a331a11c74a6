package memory

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

type item struct {
	k, v []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.k, b.k) < 0
}

// degree maps the page size to a B-tree degree, roughly one item per 2KB of page.
func degree(pageSizeKB uint32) int {
	d := int(pageSizeKB / 2)
	if d < 2 {
		return 2
	}
	if d > 64 {
		return 64
	}
	return d
}

var _ engine.Table = (*Table)(nil)

type Table struct {
	ng      *Engine
	info    engine.TableInfo
	dropped atomic.Bool

	mu sync.RWMutex
	tr *btree.BTreeG[item]
}

func newTable(ng *Engine, info engine.TableInfo) *Table {
	return &Table{
		ng:   ng,
		info: info,
		tr:   btree.NewG(degree(info.PageSizeKB), less),
	}
}

func (t *Table) Name() string {
	return t.info.Name
}

func (t *Table) Info() engine.TableInfo {
	return t.info
}

func (t *Table) check() error {
	if t.dropped.Load() {
		return errors.WithStack(engine.ErrTableNotFound)
	}
	return nil
}

// write locks the record and the tree, then calls fn.
func (t *Table) write(k []byte, fn func() error) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(k) == 0 {
		return errors.WithStack(engine.ErrEmptyKey)
	}

	unlock, err := t.ng.lockRecord(t.info.ID, k)
	if err != nil {
		return err
	}
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	return fn()
}

func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func (t *Table) Get(k []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	it, ok := t.tr.Get(item{k: k})
	t.mu.RUnlock()

	if !ok {
		return nil, errors.WithStack(engine.ErrKeyNotFound)
	}

	return clone(it.v), nil
}

func (t *Table) Insert(k, v []byte) error {
	return t.write(k, func() error {
		if t.tr.Has(item{k: k}) {
			return errors.WithStack(engine.ErrKeyAlreadyExists)
		}

		t.tr.ReplaceOrInsert(item{k: clone(k), v: clone(v)})
		return nil
	})
}

func (t *Table) Put(k, v []byte) error {
	return t.write(k, func() error {
		t.tr.ReplaceOrInsert(item{k: clone(k), v: clone(v)})
		return nil
	})
}

func (t *Table) Update(k, v []byte) error {
	return t.write(k, func() error {
		if !t.tr.Has(item{k: k}) {
			return errors.WithStack(engine.ErrKeyNotFound)
		}

		t.tr.ReplaceOrInsert(item{k: clone(k), v: clone(v)})
		return nil
	})
}

func (t *Table) Delete(k []byte) error {
	return t.write(k, func() error {
		if _, ok := t.tr.Delete(item{k: k}); !ok {
			return errors.WithStack(engine.ErrKeyNotFound)
		}
		return nil
	})
}

func (t *Table) NewCursor() (engine.Cursor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	return &cursor{t: t}, nil
}

var _ engine.Cursor = (*cursor)(nil)

// cursor remembers the item it is positioned on and moves by searching
// the tree relative to its key, so it stays valid across concurrent writes.
type cursor struct {
	t          *Table
	cur        item
	positioned bool
	closed     bool
}

func (c *cursor) move(fn func(tr *btree.BTreeG[item]) (item, bool)) (bool, error) {
	if c.closed {
		return false, errors.New("cursor closed")
	}
	if err := c.t.check(); err != nil {
		return false, err
	}

	c.t.mu.RLock()
	it, ok := fn(c.t.tr)
	c.t.mu.RUnlock()

	c.cur, c.positioned = it, ok
	return ok, nil
}

func (c *cursor) First() (bool, error) {
	return c.move(func(tr *btree.BTreeG[item]) (item, bool) {
		return tr.Min()
	})
}

func (c *cursor) Last() (bool, error) {
	return c.move(func(tr *btree.BTreeG[item]) (item, bool) {
		return tr.Max()
	})
}

func (c *cursor) SearchNear(k []byte) (engine.Relation, error) {
	rel := engine.Empty

	_, err := c.move(func(tr *btree.BTreeG[item]) (item, bool) {
		if it, ok := tr.Get(item{k: k}); ok {
			rel = engine.Exact
			return it, true
		}

		var found item
		var ok bool
		tr.AscendGreaterOrEqual(item{k: k}, func(it item) bool {
			found, ok = it, true
			return false
		})
		if ok {
			rel = engine.After
			return found, true
		}

		if found, ok = tr.Max(); ok {
			rel = engine.Before
		}
		return found, ok
	})

	return rel, err
}

func (c *cursor) Next() (bool, error) {
	if !c.positioned {
		return c.First()
	}

	pivot := c.cur
	return c.move(func(tr *btree.BTreeG[item]) (item, bool) {
		var next item
		var ok bool
		tr.AscendGreaterOrEqual(pivot, func(it item) bool {
			if bytes.Equal(it.k, pivot.k) {
				return true
			}
			next, ok = it, true
			return false
		})
		return next, ok
	})
}

func (c *cursor) Prev() (bool, error) {
	if !c.positioned {
		return c.Last()
	}

	pivot := c.cur
	return c.move(func(tr *btree.BTreeG[item]) (item, bool) {
		var prev item
		var ok bool
		tr.DescendLessOrEqual(pivot, func(it item) bool {
			if bytes.Equal(it.k, pivot.k) {
				return true
			}
			prev, ok = it, true
			return false
		})
		return prev, ok
	})
}

func (c *cursor) Key() []byte {
	if !c.positioned {
		return nil
	}
	return c.cur.k
}

func (c *cursor) Value() []byte {
	if !c.positioned {
		return nil
	}
	return c.cur.v
}

func (c *cursor) Reset() error {
	c.cur = item{}
	c.positioned = false
	return nil
}

func (c *cursor) Close() error {
	c.closed = true
	return c.Reset()
}
