// Package scan implements bounded, directional range scans on top of engine cursors.
package scan

import (
	"bytes"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
)

// ErrScanEnded is returned by Next once the range is exhausted.
var ErrScanEnded = errors.New("scan ended")

// Direction of a scan.
type Direction uint8

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	}

	return "unknown"
}

// Range bounds a scan. An empty key leaves that side unbounded.
type Range struct {
	Start          []byte
	StartInclusive bool
	End            []byte
	EndInclusive   bool
}

// Record is a key-value pair yielded by a scan.
type Record struct {
	Key   []byte
	Value []byte
}

// Size returns the number of bytes of the key and the value.
func (r Record) Size() int {
	return len(r.Key) + len(r.Value)
}

type state uint8

const (
	positioning state = iota
	advancing
	ended
)

// A Scanner yields the records of a range in order.
// It is not restartable: a new Scanner must be created for every scan.
type Scanner struct {
	c        engine.Cursor
	dir      Direction
	r        Range
	state    state
	released bool
}

// New creates a scanner over c. The cursor must be idle.
func New(c engine.Cursor, dir Direction, r Range) *Scanner {
	return &Scanner{
		c:   c,
		dir: dir,
		r:   r,
	}
}

// Next returns the next record of the range, or ErrScanEnded.
// Any other error ends the scan.
func (s *Scanner) Next() (Record, error) {
	var ok bool
	var err error

	switch s.state {
	case positioning:
		ok, err = s.position()
	case advancing:
		ok, err = s.step()
	default:
		return Record{}, errors.WithStack(ErrScanEnded)
	}

	if err != nil {
		s.state = ended
		return Record{}, err
	}
	if !ok {
		s.state = ended
		return Record{}, errors.WithStack(ErrScanEnded)
	}

	s.state = advancing

	k := s.c.Key()
	if s.outOfRange(k) {
		s.state = ended
		return Record{}, errors.WithStack(ErrScanEnded)
	}

	return Record{
		Key:   bytes.Clone(k),
		Value: bytes.Clone(s.c.Value()),
	}, nil
}

func (s *Scanner) step() (bool, error) {
	if s.dir == Descending {
		return s.c.Prev()
	}

	return s.c.Next()
}

// position moves the cursor to the first key of the range, in scan order.
func (s *Scanner) position() (bool, error) {
	bound, inclusive, away := s.r.Start, s.r.StartInclusive, engine.Before
	if s.dir == Descending {
		bound, inclusive, away = s.r.End, s.r.EndInclusive, engine.After
	}

	if len(bound) == 0 {
		if s.dir == Descending {
			return s.c.Last()
		}
		return s.c.First()
	}

	rel, err := s.c.SearchNear(bound)
	if err != nil {
		return false, err
	}

	switch {
	case rel == engine.Empty:
		return false, nil
	case rel == away:
		// the nearest key is outside the range
		return s.step()
	case rel == engine.Exact && !inclusive:
		return s.step()
	}

	return true, nil
}

// outOfRange reports whether k is past the bound the scan moves towards.
func (s *Scanner) outOfRange(k []byte) bool {
	if s.dir == Descending {
		if len(s.r.Start) == 0 {
			return false
		}
		cmp := bytes.Compare(k, s.r.Start)
		return cmp < 0 || (cmp == 0 && !s.r.StartInclusive)
	}

	if len(s.r.End) == 0 {
		return false
	}
	cmp := bytes.Compare(k, s.r.End)
	return cmp > 0 || (cmp == 0 && !s.r.EndInclusive)
}

// End releases the cursor. It can be called in any state, more than once.
func (s *Scanner) End() error {
	s.state = ended
	if s.released {
		return nil
	}

	s.released = true
	return s.c.Reset()
}
