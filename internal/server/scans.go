package server

import (
	"context"
	"sync"
	"time"

	"github.com/anthrax3/mapkeeper/internal/database"
	"github.com/anthrax3/mapkeeper/internal/scan"
	"github.com/anthrax3/mapkeeper/internal/session"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ScanRequest describes a range scan. A zero limit means unlimited.
type ScanRequest struct {
	Map        string
	Direction  scan.Direction
	Range      scan.Range
	MaxRecords int
	MaxBytes   int
}

// limits counts the records of a scan against its limits.
type limits struct {
	maxRecords, maxBytes int
	records, bytes       int
}

// add counts r and reports whether a limit is reached.
func (l *limits) add(r scan.Record) bool {
	l.records++
	l.bytes += r.Size()

	return (l.maxRecords > 0 && l.records >= l.maxRecords) ||
		(l.maxBytes > 0 && l.bytes >= l.maxBytes)
}

// Scan returns the records of a range in a single call. The code is
// ScanEnded if the range was exhausted and Success if a limit stopped the scan.
func (h *Handler) Scan(ctx context.Context, req ScanRequest) ([]scan.Record, Code) {
	var records []scan.Record

	code := h.do(ctx, "scan", func(s *session.Session) error {
		it, err := h.db.Scan(s, req.Map, req.Direction, req.Range)
		if err != nil {
			return err
		}
		defer h.closeIterator(it)

		l := limits{maxRecords: req.MaxRecords, maxBytes: req.MaxBytes}
		for {
			rec, err := it.Next()
			if err != nil {
				return err
			}

			records = append(records, rec)
			if l.add(rec) {
				return nil
			}
		}
	})

	if code != Success && code != ScanEnded {
		records = nil
	}
	return records, code
}

func (h *Handler) closeIterator(it *database.Scan) {
	if err := it.Close(); err != nil {
		h.logger.Warn("failed to close scan", zap.String("map", it.Table()), zap.Error(err))
	}
}

// openScan is a scan spanning several requests. It owns its session.
type openScan struct {
	mu sync.Mutex

	id       uint64
	s        *session.Session
	it       *database.Scan
	limits   limits
	lastUsed time.Time
	ended    bool
	closed   bool
}

// ScanStart opens a scan and returns its id.
func (h *Handler) ScanStart(ctx context.Context, req ScanRequest) (uint64, Code) {
	var id uint64

	code := h.do(ctx, "scanStart", func(*session.Session) error {
		sid := h.scanIDs.Add(1)
		s := session.New(uint64(h.pool.Size())+sid, h.logger.Named("scan"))

		it, err := h.db.Scan(s, req.Map, req.Direction, req.Range)
		if err != nil {
			_ = s.Close()
			return err
		}

		sc := openScan{
			id:       sid,
			s:        s,
			it:       it,
			limits:   limits{maxRecords: req.MaxRecords, maxBytes: req.MaxBytes},
			lastUsed: h.now(),
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		if h.closed {
			_ = it.Close()
			_ = s.Close()
			return errors.New("server closed")
		}

		h.scans[sid] = &sc
		h.metrics.OpenScans.Inc()
		id = sid
		return nil
	})

	return id, code
}

// ScanNext returns up to count records of an open scan, and never more than
// MaxScanBatch. The code is ScanEnded
// once the range is exhausted or a limit of the scan was reached by a previous call.
// Unknown scans are reported as ended.
func (h *Handler) ScanNext(ctx context.Context, id uint64, count int) ([]scan.Record, Code) {
	if count <= 0 {
		count = 1
	}
	if count > h.opts.MaxScanBatch {
		count = h.opts.MaxScanBatch
	}

	var records []scan.Record

	code := h.do(ctx, "scanNext", func(*session.Session) error {
		h.mu.Lock()
		sc, ok := h.scans[id]
		h.mu.Unlock()
		if !ok {
			return errors.WithStack(scan.ErrScanEnded)
		}

		sc.mu.Lock()
		defer sc.mu.Unlock()

		if sc.closed || sc.ended {
			return errors.WithStack(scan.ErrScanEnded)
		}
		sc.lastUsed = h.now()

		for len(records) < count {
			rec, err := sc.it.Next()
			if err != nil {
				sc.ended = true
				if !errors.Is(err, scan.ErrScanEnded) {
					records = nil
				}
				return err
			}

			records = append(records, rec)
			if sc.limits.add(rec) {
				sc.ended = true
				return nil
			}
		}

		return nil
	})

	return records, code
}

// ScanEnd closes an open scan. Ending an unknown scan is a no-op.
func (h *Handler) ScanEnd(ctx context.Context, id uint64) Code {
	return h.do(ctx, "scanEnd", func(*session.Session) error {
		h.mu.Lock()
		sc, ok := h.scans[id]
		delete(h.scans, id)
		h.mu.Unlock()

		if !ok {
			return nil
		}

		sc.mu.Lock()
		defer sc.mu.Unlock()

		return h.closeScan(sc)
	})
}

// closeScan must be called with sc.mu held.
func (h *Handler) closeScan(sc *openScan) error {
	if sc.closed {
		return nil
	}
	sc.closed = true
	h.metrics.OpenScans.Dec()

	err := sc.it.Close()
	if cerr := sc.s.Close(); err == nil {
		err = cerr
	}
	return err
}

// OpenScans returns the number of open scans.
func (h *Handler) OpenScans() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.scans)
}

// RunScanReaper closes the scans that have been idle for longer than
// ScanIdleTimeout, until ctx is done.
func (h *Handler) RunScanReaper(ctx context.Context) error {
	interval := h.opts.ScanIdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.reap()
		}
	}
}

// reap closes idle scans. Scans serving a request are skipped.
func (h *Handler) reap() int {
	deadline := h.now().Add(-h.opts.ScanIdleTimeout)

	var idle []*openScan
	h.mu.Lock()
	for id, sc := range h.scans {
		if !sc.mu.TryLock() {
			continue
		}
		if sc.lastUsed.Before(deadline) {
			delete(h.scans, id)
			idle = append(idle, sc)
			continue
		}
		sc.mu.Unlock()
	}
	h.mu.Unlock()

	for _, sc := range idle {
		if err := h.closeScan(sc); err != nil {
			h.logger.Warn("failed to close idle scan", zap.Uint64("scan", sc.id), zap.Error(err))
		}
		sc.mu.Unlock()

		h.metrics.ReapedScans.Inc()
		h.logger.Debug("closed idle scan", zap.Uint64("scan", sc.id), zap.String("map", sc.it.Table()))
	}

	return len(idle)
}
