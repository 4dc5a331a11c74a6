// Package server implements the request handler of the server:
// it maps every operation to a response code, hands out sessions
// to requests and keeps track of open scans.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthrax3/mapkeeper/internal/database"
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/anthrax3/mapkeeper/internal/metrics"
	"github.com/anthrax3/mapkeeper/internal/scan"
	"github.com/anthrax3/mapkeeper/internal/session"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	DefaultWorkers            = 16
	DefaultCheckpointInterval = time.Second
	DefaultScanIdleTimeout    = 5 * time.Minute
	DefaultMaxScanBatch       = 1000
)

// Options of the handler.
type Options struct {
	// Workers is the number of requests served concurrently.
	Workers            int
	CheckpointInterval time.Duration
	// ScanIdleTimeout is how long an open scan can go without a request
	// before it is closed by the reaper.
	ScanIdleTimeout time.Duration
	// MaxScanBatch caps the number of records returned by one ScanNext call.
	MaxScanBatch int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Handler serves requests against a database.
type Handler struct {
	db      *database.Database
	pool    *session.Pool
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	scans   map[uint64]*openScan
	scanIDs atomic.Uint64
	closed  bool
	now     func() time.Time
}

func New(db *database.Database, opts Options) *Handler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.ScanIdleTimeout <= 0 {
		opts.ScanIdleTimeout = DefaultScanIdleTimeout
	}
	if opts.MaxScanBatch <= 0 {
		opts.MaxScanBatch = DefaultMaxScanBatch
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	return &Handler{
		db:      db,
		pool:    session.NewPool(opts.Workers, opts.Logger.Named("session")),
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		scans:   make(map[uint64]*openScan),
		now:     time.Now,
	}
}

// Metrics returns the collectors updated by the handler.
func (h *Handler) Metrics() *metrics.Metrics {
	return h.metrics
}

// code maps err to a response code. Unexpected errors are logged.
func (h *Handler) code(op string, err error) Code {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, engine.ErrTableNotFound):
		return MapNotFound
	case errors.Is(err, engine.ErrTableAlreadyExists):
		return MapExists
	case errors.Is(err, engine.ErrKeyNotFound):
		return RecordNotFound
	case errors.Is(err, engine.ErrKeyAlreadyExists):
		return RecordExists
	case errors.Is(err, scan.ErrScanEnded):
		return ScanEnded
	}

	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	return Error
}

func (h *Handler) observe(op string, code Code) Code {
	h.metrics.Requests.WithLabelValues(op, code.String()).Inc()
	return code
}

// do runs fn with a session of the pool.
func (h *Handler) do(ctx context.Context, op string, fn func(s *session.Session) error) Code {
	s, err := h.pool.Get(ctx)
	if err != nil {
		return h.observe(op, h.code(op, err))
	}
	defer h.pool.Put(s)

	return h.observe(op, h.code(op, fn(s)))
}

func (h *Handler) Ping(ctx context.Context) Code {
	return h.do(ctx, "ping", func(*session.Session) error {
		return nil
	})
}

// AddMap creates a map.
func (h *Handler) AddMap(ctx context.Context, name string) Code {
	return h.do(ctx, "addMap", func(*session.Session) error {
		return h.db.CreateTable(name)
	})
}

// DropMap drops a map and closes its cursors in every session of the pool.
// Open scans on that map fail with MapNotFound from now on.
func (h *Handler) DropMap(ctx context.Context, name string) Code {
	return h.do(ctx, "dropMap", func(s *session.Session) error {
		if err := h.db.DropTable(name); err != nil {
			return err
		}

		s.Evict(name)
		h.pool.Evict(name)
		return nil
	})
}

// ListMaps returns the names of the maps, sorted.
func (h *Handler) ListMaps(ctx context.Context) ([]string, Code) {
	var names []string
	code := h.do(ctx, "listMaps", func(*session.Session) error {
		names = h.db.ListTables()
		return nil
	})

	return names, code
}

func (h *Handler) Get(ctx context.Context, name string, key []byte) ([]byte, Code) {
	var v []byte
	code := h.do(ctx, "get", func(*session.Session) error {
		var err error
		v, err = h.db.Get(name, key)
		return err
	})

	return v, code
}

// Put inserts a record. It doesn't replace an existing one.
func (h *Handler) Put(ctx context.Context, name string, key, value []byte) Code {
	return h.do(ctx, "put", func(*session.Session) error {
		return h.db.Insert(name, key, value)
	})
}

// Insert is the same as Put.
func (h *Handler) Insert(ctx context.Context, name string, key, value []byte) Code {
	return h.Put(ctx, name, key, value)
}

// InsertMany inserts records in order, stops at the first failure and
// returns the number of records inserted.
func (h *Handler) InsertMany(ctx context.Context, name string, records []database.Record) (int, Code) {
	var n int
	code := h.do(ctx, "insertMany", func(*session.Session) error {
		var err error
		n, err = h.db.InsertMany(name, records)
		return err
	})

	return n, code
}

func (h *Handler) Update(ctx context.Context, name string, key, value []byte) Code {
	return h.do(ctx, "update", func(*session.Session) error {
		return h.db.Update(name, key, value)
	})
}

func (h *Handler) Remove(ctx context.Context, name string, key []byte) Code {
	return h.do(ctx, "remove", func(*session.Session) error {
		return h.db.Remove(name, key)
	})
}

// Close ends every open scan and closes the sessions.
// Requests must not be served anymore.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	scans := h.scans
	h.scans = make(map[uint64]*openScan)
	h.mu.Unlock()

	var first error
	for _, sc := range scans {
		sc.mu.Lock()
		if err := h.closeScan(sc); err != nil && first == nil {
			first = err
		}
		sc.mu.Unlock()
	}

	if err := h.pool.Close(); err != nil && first == nil {
		first = err
	}

	return first
}
