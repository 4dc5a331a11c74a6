// Package session implements per-worker cursor caches.
package session

import (
	"sync"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrCursorInUse is returned when a cursor is acquired twice without being released.
var ErrCursorInUse = errors.New("cursor already in use")

type entry struct {
	table  engine.Table
	cursor engine.Cursor
	inUse  bool
}

// A Session owns at most one cursor per table.
// It must not be used by more than one goroutine at a time.
type Session struct {
	id      uint64
	logger  *zap.Logger
	cursors map[string]*entry

	// evicted holds the tables whose cursors must be closed by the
	// next owner of the session. It is filled by other goroutines.
	mu      sync.Mutex
	evicted map[string]struct{}
}

// New creates an empty session.
func New(id uint64, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		id:      id,
		logger:  logger,
		cursors: make(map[string]*entry),
	}
}

func (s *Session) ID() uint64 {
	return s.id
}

// Len returns the number of cached cursors.
func (s *Session) Len() int {
	return len(s.cursors)
}

// Acquire returns the cursor of the session for the given table, opening one if needed.
// A cursor cached for an earlier instance of a table with the same name is closed and replaced.
func (s *Session) Acquire(tb engine.Table) (engine.Cursor, error) {
	name := tb.Name()

	e, ok := s.cursors[name]
	if ok && e.table.Info().ID != tb.Info().ID {
		if e.inUse {
			return nil, errors.Wrapf(ErrCursorInUse, "table %q", name)
		}

		s.closeEntry(name, e)
		ok = false
	}

	if !ok {
		c, err := tb.NewCursor()
		if err != nil {
			return nil, err
		}

		e = &entry{table: tb, cursor: c}
		s.cursors[name] = e
	}

	if e.inUse {
		return nil, errors.Wrapf(ErrCursorInUse, "table %q", name)
	}

	e.inUse = true
	return e.cursor, nil
}

// Release returns the cursor of the table to the idle state.
func (s *Session) Release(name string) error {
	e, ok := s.cursors[name]
	if !ok {
		return nil
	}

	e.inUse = false
	return e.cursor.Reset()
}

// Evict closes the cursor of the table, if any.
func (s *Session) Evict(name string) {
	e, ok := s.cursors[name]
	if !ok {
		return
	}

	s.closeEntry(name, e)
}

func (s *Session) closeEntry(name string, e *entry) error {
	delete(s.cursors, name)

	err := e.cursor.Close()
	if err != nil {
		s.logger.Warn("failed to close cursor",
			zap.Uint64("session", s.id),
			zap.String("map", name),
			zap.Error(err))
	}
	return err
}

// markEvicted schedules the eviction of the cursor of the table.
// It is safe to call while another goroutine uses the session.
func (s *Session) markEvicted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted == nil {
		s.evicted = make(map[string]struct{})
	}
	s.evicted[name] = struct{}{}
}

// evictMarked closes the cursors scheduled by markEvicted.
// Must be called by the owner of the session.
func (s *Session) evictMarked() {
	s.mu.Lock()
	names := s.evicted
	s.evicted = nil
	s.mu.Unlock()

	for name := range names {
		s.Evict(name)
	}
}

// Close closes every cursor of the session. It keeps going on failure
// and returns the first error.
func (s *Session) Close() error {
	var first error
	for name, e := range s.cursors {
		if err := s.closeEntry(name, e); err != nil && first == nil {
			first = err
		}
	}

	return first
}
