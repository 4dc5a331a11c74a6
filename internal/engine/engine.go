// Package engine defines the capability surface the server requires from an
// ordered key-value storage engine. Implementations live in subpackages.
package engine

import (
	"github.com/cockroachdb/errors"
)

// Common errors returned by the engine implementations.
var (
	// ErrTableNotFound is returned when the targeted table doesn't exist
	// or was dropped after the handle was obtained.
	ErrTableNotFound = errors.New("table not found")

	// ErrTableAlreadyExists is returned when attempting to create a table with the
	// same name as an existing one.
	ErrTableAlreadyExists = errors.New("table already exists")

	// ErrKeyNotFound is returned when the targeted key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyAlreadyExists is returned when inserting a key that already exists.
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrConflict is returned when an operation could not proceed because another
	// session holds a conflicting lock. Retrying the same call may succeed.
	ErrConflict = errors.New("conflict with a concurrent operation")

	// ErrEmptyKey is returned when a write is attempted with an empty key.
	ErrEmptyKey = errors.New("cannot store empty key")

	// ErrClosed is returned when using an engine after Close.
	ErrClosed = errors.New("engine closed")
)

// DefaultPageSizeKB is the page size used when a table is created
// without options.
const DefaultPageSizeKB = 128

// TableOptions is used to configure a table upon creation.
type TableOptions struct {
	PageSizeKB uint32
}

// TableInfo describes a table known to the engine.
type TableInfo struct {
	Name       string
	ID         uint64
	PageSizeKB uint32
	// CreatedAt is an RFC 3339 timestamp.
	CreatedAt string
}

// Engine is an ordered key-value store holding independent named tables.
type Engine interface {
	// CreateTable creates a table. If it already exists, returns ErrTableAlreadyExists.
	CreateTable(name string, opts TableOptions) (Table, error)
	// OpenTable returns a handle on an existing table. If not found, returns ErrTableNotFound.
	OpenTable(name string) (Table, error)
	// DropTable deletes the table and all its keys. Dropping a table that
	// doesn't exist is not an error.
	DropTable(name string) error
	// ListTables returns the tables known to the engine, ordered by name.
	ListTables() ([]TableInfo, error)
	// Checkpoint makes every acknowledged write durable. It is safe to call
	// concurrently with reads and writes.
	Checkpoint() error
	Close() error
}

// A Table is a handle on one table. Handles are safe for concurrent use;
// cursors are not.
type Table interface {
	Name() string
	Info() TableInfo
	// Get returns the value associated with the given key. If not found, returns ErrKeyNotFound.
	Get(k []byte) ([]byte, error)
	// Insert stores a key-value pair. If the key already exists, returns ErrKeyAlreadyExists.
	Insert(k, v []byte) error
	// Put stores a key-value pair. If it already exists, it overrides it.
	Put(k, v []byte) error
	// Update replaces the value of an existing key. If not found, returns ErrKeyNotFound.
	Update(k, v []byte) error
	// Delete a record by key. If not found, returns ErrKeyNotFound.
	Delete(k []byte) error
	// NewCursor opens an idle cursor on the table.
	NewCursor() (Cursor, error)
}

// Relation reports where SearchNear left the cursor relative to the probe key.
type Relation int

const (
	// Exact means the cursor is on the probe key.
	Exact Relation = iota
	// Before means the cursor is on the largest key smaller than the probe.
	Before
	// After means the cursor is on the smallest key larger than the probe.
	After
	// Empty means the table holds no key and the cursor is not positioned.
	Empty
)

func (r Relation) String() string {
	switch r {
	case Exact:
		return "exact"
	case Before:
		return "before"
	case After:
		return "after"
	case Empty:
		return "empty"
	}
	return "unknown"
}

// A Cursor is a positionable handle into one table's ordered key space.
// Key and Value are only valid until the next call that moves the cursor.
type Cursor interface {
	// First moves to the smallest key. Returns false if the table is empty.
	First() (bool, error)
	// Last moves to the largest key. Returns false if the table is empty.
	Last() (bool, error)
	// SearchNear moves to the probe key if it exists, or to one of its
	// neighbours otherwise, and reports which.
	SearchNear(k []byte) (Relation, error)
	// Next moves to the following key. Returns false when there are no more keys.
	Next() (bool, error)
	// Prev moves to the preceding key. Returns false when there are no more keys.
	Prev() (bool, error)
	Key() []byte
	Value() []byte
	// Reset returns the cursor to the idle state.
	Reset() error
	Close() error
}
