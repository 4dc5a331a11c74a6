package database

import (
	"time"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
)

// ErrRetriesExhausted is returned when an operation met contention on every attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// retry calls fn until it succeeds, fails with an error other than
// engine.ErrConflict, or the number of attempts reaches NumRetries.
func (db *Database) retry(op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, engine.ErrConflict) {
			return err
		}

		if attempt >= db.opts.NumRetries {
			return errors.Mark(errors.Wrapf(err, "%s failed after %d attempts", op, attempt), ErrRetriesExhausted)
		}

		if db.opts.OnRetry != nil {
			db.opts.OnRetry(op)
		}
		time.Sleep(db.opts.RetryPause)
	}
}
