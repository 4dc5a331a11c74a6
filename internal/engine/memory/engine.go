// Package memory implements an in-memory engine on top of B-trees.
// It is meant for tests and development servers: nothing is persisted.
package memory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/lock"
	"github.com/cockroachdb/errors"
	"github.com/golang-module/carbon/v2"
	"golang.org/x/exp/slices"
)

const defaultLockTimeout = 10 * time.Millisecond

var _ engine.Engine = (*Engine)(nil)

// Engine is an in-memory engine. Each table is a B-tree.
type Engine struct {
	lockTimeout time.Duration
	locks       *lock.LockManager
	owners      atomic.Uint64

	mu     sync.RWMutex
	tables map[string]*Table
	seq    uint64
	closed bool
}

// NewEngine creates an empty in-memory engine. Writes waiting longer than
// lockTimeout for a record lock fail with engine.ErrConflict.
func NewEngine(lockTimeout time.Duration) *Engine {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	return &Engine{
		lockTimeout: lockTimeout,
		locks:       lock.NewLockManager(),
		tables:      make(map[string]*Table),
	}
}

func (ng *Engine) CreateTable(name string, opts engine.TableOptions) (engine.Table, error) {
	ng.mu.Lock()
	defer ng.mu.Unlock()

	if ng.closed {
		return nil, errors.WithStack(engine.ErrClosed)
	}

	if _, ok := ng.tables[name]; ok {
		return nil, errors.WithStack(engine.ErrTableAlreadyExists)
	}

	if opts.PageSizeKB == 0 {
		opts.PageSizeKB = engine.DefaultPageSizeKB
	}

	ng.seq++
	t := newTable(ng, engine.TableInfo{
		Name:       name,
		ID:         ng.seq,
		PageSizeKB: opts.PageSizeKB,
		CreatedAt:  carbon.Now().ToRfc3339String(),
	})
	ng.tables[name] = t

	return t, nil
}

func (ng *Engine) OpenTable(name string) (engine.Table, error) {
	ng.mu.RLock()
	defer ng.mu.RUnlock()

	if ng.closed {
		return nil, errors.WithStack(engine.ErrClosed)
	}

	t, ok := ng.tables[name]
	if !ok {
		return nil, errors.WithStack(engine.ErrTableNotFound)
	}

	return t, nil
}

func (ng *Engine) DropTable(name string) error {
	ng.mu.Lock()
	defer ng.mu.Unlock()

	if ng.closed {
		return errors.WithStack(engine.ErrClosed)
	}

	t, ok := ng.tables[name]
	if !ok {
		return nil
	}

	t.dropped.Store(true)
	delete(ng.tables, name)
	return nil
}

func (ng *Engine) ListTables() ([]engine.TableInfo, error) {
	ng.mu.RLock()
	defer ng.mu.RUnlock()

	tables := make([]engine.TableInfo, 0, len(ng.tables))
	for _, t := range ng.tables {
		tables = append(tables, t.info)
	}

	slices.SortFunc(tables, func(a, b engine.TableInfo) int {
		return strings.Compare(a.Name, b.Name)
	})

	return tables, nil
}

// Checkpoint does nothing: the memory engine has no durable state.
func (ng *Engine) Checkpoint() error {
	ng.mu.RLock()
	defer ng.mu.RUnlock()

	if ng.closed {
		return errors.WithStack(engine.ErrClosed)
	}

	return nil
}

func (ng *Engine) Close() error {
	ng.mu.Lock()
	defer ng.mu.Unlock()

	if ng.closed {
		return errors.WithStack(engine.ErrClosed)
	}

	ng.closed = true
	for name, t := range ng.tables {
		t.dropped.Store(true)
		delete(ng.tables, name)
	}

	return nil
}

func (ng *Engine) lockRecord(tableID uint64, k []byte) (func(), error) {
	owner := ng.owners.Add(1)
	obj := lock.NewRecordObject(tableID, k)

	ctx, cancel := context.WithTimeout(context.Background(), ng.lockTimeout)
	defer cancel()

	err := ng.locks.Lock(ctx, owner, obj, lock.X)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, errors.Mark(err, engine.ErrConflict)
		}
		return nil, err
	}

	return func() {
		ng.locks.Unlock(owner, obj)
	}, nil
}
