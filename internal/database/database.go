// Package database implements the operations of the server on top of
// the catalog and the engine: point reads and writes, range scans,
// bounded retries on contention and checkpoints.
package database

import (
	"time"

	"github.com/anthrax3/mapkeeper/internal/catalog"
	"github.com/anthrax3/mapkeeper/internal/engine"
	"go.uber.org/zap"
)

const (
	DefaultNumRetries = 100
	DefaultRetryPause = time.Millisecond
)

// Options of the database.
type Options struct {
	// PageSizeKB is the page size of new tables.
	PageSizeKB uint32
	// NumRetries is the maximum number of attempts of an operation
	// that keeps meeting contention.
	NumRetries int
	// RetryPause is the time to wait between two attempts.
	RetryPause time.Duration
	// OnRetry, if set, is called before every new attempt.
	OnRetry func(op string)
	Logger  *zap.Logger
}

type Database struct {
	ng      engine.Engine
	Catalog *catalog.Catalog
	opts    Options
}

// New loads the tables of the engine. The database owns the engine from now on.
func New(ng engine.Engine, opts Options) (*Database, error) {
	if opts.PageSizeKB == 0 {
		opts.PageSizeKB = engine.DefaultPageSizeKB
	}
	if opts.NumRetries <= 0 {
		opts.NumRetries = DefaultNumRetries
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = DefaultRetryPause
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db := Database{
		ng:      ng,
		Catalog: catalog.New(ng, opts.Logger.Named("catalog")),
		opts:    opts,
	}

	if err := db.Catalog.Load(); err != nil {
		return nil, err
	}

	return &db, nil
}

// CreateTable creates a table with the configured page size.
// If it already exists, returns engine.ErrTableAlreadyExists.
func (db *Database) CreateTable(name string) error {
	_, err := db.Catalog.CreateTable(name, engine.TableOptions{PageSizeKB: db.opts.PageSizeKB})
	return err
}

// DropTable drops a table. If not found, returns engine.ErrTableNotFound.
func (db *Database) DropTable(name string) error {
	return db.Catalog.DropTable(name)
}

// ListTables returns the table names, sorted.
func (db *Database) ListTables() []string {
	return db.Catalog.ListTables()
}

// Get returns the value of k. It is an exact lookup and needs no cursor.
// If not found, returns engine.ErrKeyNotFound.
func (db *Database) Get(table string, k []byte) ([]byte, error) {
	var v []byte

	err := db.retry("get", func() error {
		return db.Catalog.View(table, func(tb engine.Table) error {
			var err error
			v, err = tb.Get(k)
			return err
		})
	})

	return v, err
}

// Insert stores a new record. If the key exists, returns engine.ErrKeyAlreadyExists.
func (db *Database) Insert(table string, k, v []byte) error {
	return db.write("insert", table, func(tb engine.Table) error {
		return tb.Insert(k, v)
	})
}

// Update replaces the value of an existing record. If not found, returns engine.ErrKeyNotFound.
func (db *Database) Update(table string, k, v []byte) error {
	return db.write("update", table, func(tb engine.Table) error {
		return tb.Update(k, v)
	})
}

// Remove deletes a record. If not found, returns engine.ErrKeyNotFound.
func (db *Database) Remove(table string, k []byte) error {
	return db.write("remove", table, func(tb engine.Table) error {
		return tb.Delete(k)
	})
}

// Record is a key-value pair to insert.
type Record struct {
	Key   []byte
	Value []byte
}

// InsertMany inserts records in order and stops at the first failure.
// It returns the number of records inserted.
func (db *Database) InsertMany(table string, records []Record) (int, error) {
	for i, r := range records {
		if err := db.Insert(table, r.Key, r.Value); err != nil {
			return i, err
		}
	}

	return len(records), nil
}

// write runs fn under the shared catalog lock. Pauses between
// attempts happen outside of the lock.
func (db *Database) write(op, table string, fn func(tb engine.Table) error) error {
	return db.retry(op, func() error {
		return db.Catalog.View(table, fn)
	})
}

// Checkpoint makes every write durable. It doesn't block table operations.
func (db *Database) Checkpoint() error {
	return db.ng.Checkpoint()
}

// Close closes the engine.
func (db *Database) Close() error {
	return db.ng.Close()
}
