package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrLockTimeout is returned when the lock could not be acquired
// before the context was done.
var ErrLockTimeout = errors.New("lock timeout")

// A LockManager is used to acquire locks on tables and records.
// It is used by the engines to ensure that
// concurrent writes to the same record do not interfere with each other.
type LockManager struct {
	mu sync.Mutex

	locks map[Object]*LockHeader
}

// NewLockManager creates a lock manager.
func NewLockManager() *LockManager {
	var lm LockManager
	lm.locks = make(map[Object]*LockHeader)
	return &lm
}

// HasLock returns true if owner holds a granted lock on obj in the given mode.
func (lm *LockManager) HasLock(owner uint64, obj *Object, mode LockMode) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	head, ok := lm.locks[*obj]
	if !ok {
		return false
	}

	for req := head.Queue; req != nil; req = req.Next {
		if req.Owner == owner {
			return req.Status == LockGranted && req.Mode == mode
		}
	}

	return false
}

// Lock acquires a lock on obj for the given owner, waiting until it is
// granted or the context is done. Locks are reentrant; each successful
// call must be matched by a call to Unlock.
func (lm *LockManager) Lock(ctx context.Context, owner uint64, obj *Object, mode LockMode) error {
	lm.mu.Lock()
	head, ok := lm.locks[*obj]
	if !ok {
		// No lock exists for this object.
		head = &LockHeader{
			Object:    obj,
			GroupMode: mode,
		}
		head.Queue = &LockRequest{
			Head:   head,
			Status: LockGranted,
			Mode:   mode,
			Count:  1,
			Owner:  owner,
		}
		lm.locks[*obj] = head
		lm.mu.Unlock()
		return nil
	}

	// check if a lock request is already in the queue for this couple owner / obj
	var req, last *LockRequest
	for req = head.Queue; req != nil; req = req.Next {
		if req.Owner == owner {
			break
		}
		last = req
	}

	if req != nil {
		defer lm.mu.Unlock()

		if req.Status != LockGranted {
			return errors.Newf("owner %d is already waiting for this lock", owner)
		}

		// a granted request can only be reused if the requested mode
		// is compatible with every other granted request.
		for other := head.Queue; other != nil && other.Status == LockGranted; other = other.Next {
			if other != req && !other.Mode.IsCompatibleWith(mode) {
				return errors.Newf("cannot convert lock of owner %d from %s to %s", owner, req.Mode, mode)
			}
		}

		req.Count++
		req.Mode = MaxMode(mode, req.Mode)
		head.GroupMode = MaxMode(mode, head.GroupMode)
		return nil
	}

	req = &LockRequest{
		Head:  head,
		Mode:  mode,
		Count: 1,
		Owner: owner,
	}
	last.Next = req

	// No need to wait if nobody is waiting before us and
	// the lock is compatible with the current group.
	if !head.Waiting && head.GroupMode.IsCompatibleWith(mode) {
		head.GroupMode = MaxMode(mode, head.GroupMode)
		req.Status = LockGranted
		lm.mu.Unlock()
		return nil
	}

	head.Waiting = true
	req.Status = LockWaiting
	req.WakeUp = make(chan struct{})
	lm.mu.Unlock()

	select {
	case <-req.WakeUp:
		return nil
	case <-ctx.Done():
		// the request may have been granted in the meantime,
		// in both cases it must leave the queue.
		lm.Unlock(owner, obj)
		return errors.Mark(errors.Wrap(ctx.Err(), "lock timeout"), ErrLockTimeout)
	}
}

// Unlock releases one lock held or awaited by owner on obj.
// Unlocking an object that isn't locked is a no-op.
func (lm *LockManager) Unlock(owner uint64, obj *Object) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	head, ok := lm.locks[*obj]
	if !ok {
		return
	}

	var req, prev *LockRequest
	for req = head.Queue; req != nil; req = req.Next {
		if req.Owner == owner {
			break
		}
		prev = req
	}
	if req == nil {
		return
	}

	// held multiple times by the same owner
	if req.Status == LockGranted && req.Count > 1 {
		req.Count--
		return
	}

	if prev != nil {
		prev.Next = req.Next
	} else {
		head.Queue = req.Next
	}

	if head.Queue == nil {
		delete(lm.locks, *obj)
		return
	}

	head.Waiting = false
	head.GroupMode = Free

	// refresh the group mode with granted requests, then wake up
	// waiting requests in order until one is incompatible.
	for req = head.Queue; req != nil; req = req.Next {
		if req.Status == LockGranted {
			head.GroupMode = MaxMode(req.Mode, head.GroupMode)
			continue
		}

		if !head.GroupMode.IsCompatibleWith(req.Mode) {
			head.Waiting = true
			break
		}

		req.Status = LockGranted
		head.GroupMode = MaxMode(req.Mode, head.GroupMode)
		close(req.WakeUp)
	}
}
