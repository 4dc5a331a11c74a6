package database

import (
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/scan"
	"github.com/anthrax3/mapkeeper/internal/session"
	"github.com/cockroachdb/errors"
)

// A Scan iterates over a range of a table with the cursor of a session.
// It must be closed to make the cursor available again.
type Scan struct {
	db      *Database
	s       *session.Session
	table   string
	tableID uint64
	sc      *scan.Scanner
	closed  bool
}

// Scan starts a range scan. If the table doesn't exist, returns engine.ErrTableNotFound.
func (db *Database) Scan(s *session.Session, table string, dir scan.Direction, r scan.Range) (*Scan, error) {
	var it *Scan

	err := db.Catalog.View(table, func(tb engine.Table) error {
		c, err := s.Acquire(tb)
		if err != nil {
			return err
		}

		it = &Scan{
			db:      db,
			s:       s,
			table:   table,
			tableID: tb.Info().ID,
			sc:      scan.New(c, dir, r),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return it, nil
}

// Table returns the name of the scanned table.
func (it *Scan) Table() string {
	return it.table
}

// Next returns the next record, or scan.ErrScanEnded.
// If the table was dropped since the scan started, returns engine.ErrTableNotFound.
func (it *Scan) Next() (scan.Record, error) {
	if it.closed {
		return scan.Record{}, errors.WithStack(scan.ErrScanEnded)
	}

	var rec scan.Record
	err := it.db.Catalog.View(it.table, func(tb engine.Table) error {
		if tb.Info().ID != it.tableID {
			return errors.WithStack(engine.ErrTableNotFound)
		}

		var err error
		rec, err = it.sc.Next()
		return err
	})

	return rec, err
}

// Close ends the scan and releases the cursor. Closing twice is a no-op.
func (it *Scan) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	err := it.sc.End()
	if rerr := it.s.Release(it.table); err == nil {
		err = rerr
	}
	return err
}
