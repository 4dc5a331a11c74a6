package lock

// A LockMode defines how an object is locked.
type LockMode int

const (
	// Free means no lock is held.
	Free LockMode = iota
	// S is a shared lock: any number of owners may hold it at once.
	S
	// X is an exclusive lock: a single owner may hold it.
	X
)

func (m LockMode) String() string {
	switch m {
	case Free:
		return "free"
	case S:
		return "S"
	case X:
		return "X"
	}
	return "unknown"
}

// IsCompatibleWith returns true if a lock in mode m can be
// granted while another owner holds a lock in mode other.
func (m LockMode) IsCompatibleWith(other LockMode) bool {
	if m == Free || other == Free {
		return true
	}

	return m == S && other == S
}

// MaxMode returns the most restrictive of the two modes.
func MaxMode(a, b LockMode) LockMode {
	if a > b {
		return a
	}
	return b
}

// A LockStatus is the state of a lock request.
type LockStatus int

const (
	LockGranted LockStatus = iota
	LockWaiting
)

// A LockRequest is an owner's request for a lock on an object.
// Requests for the same object are chained in arrival order.
type LockRequest struct {
	Head   *LockHeader
	Next   *LockRequest
	Status LockStatus
	Mode   LockMode
	// Count is incremented every time the owner locks the object again.
	Count  int
	Owner  uint64
	WakeUp chan struct{}
}

// A LockHeader holds the queue of requests for one object.
type LockHeader struct {
	Object    *Object
	GroupMode LockMode
	Queue     *LockRequest
	Waiting   bool
}
