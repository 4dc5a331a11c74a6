package session

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// A Pool is a fixed set of sessions. Every session is handed
// to at most one caller at a time.
type Pool struct {
	all  []*Session
	free chan *Session
}

// NewPool creates size sessions with ids 1 to size.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}

	p := Pool{
		all:  make([]*Session, size),
		free: make(chan *Session, size),
	}

	for i := range p.all {
		s := New(uint64(i+1), logger)
		p.all[i] = s
		p.free <- s
	}

	return &p
}

// Size returns the number of sessions of the pool.
func (p *Pool) Size() int {
	return len(p.all)
}

// Get blocks until a session is free or ctx is done.
func (p *Pool) Get(ctx context.Context) (*Session, error) {
	select {
	case s := <-p.free:
		s.evictMarked()
		return s, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "no session available")
	}
}

// Put returns a session to the pool.
func (p *Pool) Put(s *Session) {
	s.evictMarked()
	p.free <- s
}

// Evict closes the cursors of the table in every session. Free sessions
// are evicted right away, the others when they are returned to the pool.
func (p *Pool) Evict(name string) {
	for _, s := range p.all {
		s.markEvicted(name)
	}

	var taken []*Session
	defer func() {
		for _, s := range taken {
			p.free <- s
		}
	}()

	for {
		select {
		case s := <-p.free:
			s.evictMarked()
			taken = append(taken, s)
		default:
			return
		}
	}
}

// Close closes the cursors of every session.
// It must only be called once every session has been returned.
func (p *Pool) Close() error {
	var first error
	for _, s := range p.all {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
