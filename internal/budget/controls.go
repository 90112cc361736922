package budget

import "sync"

// RunControls tracks the external search-call budget for one run and the
// sticky quota-exhausted flag. The mark methods report true exactly once so
// callers can emit a single user-facing notice.
type RunControls struct {
	mu              sync.Mutex
	maxCalls        int
	callsMade       int
	quotaExhausted  bool
	quotaNotified   bool
	callCapNotified bool
}

// NewRunControls builds controls for at most maxCalls external calls.
// Values below 1 are raised to 1.
func NewRunControls(maxCalls int) *RunControls {
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &RunControls{maxCalls: maxCalls}
}

// TryReserveCall reserves one external call. It fails once the quota is
// marked exhausted or the call cap is spent.
func (r *RunControls) TryReserveCall() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quotaExhausted {
		return false
	}
	if r.callsMade >= r.maxCalls {
		return false
	}
	r.callsMade++
	return true
}

// MarkQuotaExhausted flips the sticky quota flag. Returns true only for the
// first caller.
func (r *RunControls) MarkQuotaExhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotaExhausted = true
	if !r.quotaNotified {
		r.quotaNotified = true
		return true
	}
	return false
}

// QuotaExhausted reports the sticky quota flag.
func (r *RunControls) QuotaExhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quotaExhausted
}

// MarkCallCapReached reports true only for the first caller observing the
// spent call cap.
func (r *RunControls) MarkCallCapReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.callCapNotified {
		r.callCapNotified = true
		return true
	}
	return false
}

// CallsMade returns the number of reserved calls.
func (r *RunControls) CallsMade() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callsMade
}
