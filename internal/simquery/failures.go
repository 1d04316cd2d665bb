package simquery

import "sync"

// FailureCounter tracks consecutive classified failures per identifier and
// trips a temporary deny rule at the threshold. There is no automatic decay;
// a tripped identifier stays denied until Reset is called for it.
type FailureCounter struct {
	mu        sync.Mutex
	counts    map[string]int
	threshold int
}

// NewFailureCounter builds a counter that denies identifiers at threshold.
func NewFailureCounter(threshold int) *FailureCounter {
	return &FailureCounter{
		counts:    make(map[string]int),
		threshold: threshold,
	}
}

// Record increments the failure count for an identifier and returns the new
// count.
func (f *FailureCounter) Record(iccid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[iccid]++
	return f.counts[iccid]
}

// Clear removes the count for an identifier after a successful query.
func (f *FailureCounter) Clear(iccid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, iccid)
}

// Reset clears a tripped identifier on behalf of an external actor and
// returns the count that was dropped.
func (f *FailureCounter) Reset(iccid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.counts[iccid]
	delete(f.counts, iccid)
	return prev
}

// Count returns the current failure count for an identifier.
func (f *FailureCounter) Count(iccid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[iccid]
}

// Denied reports whether the identifier has reached the deny threshold.
func (f *FailureCounter) Denied(iccid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[iccid] >= f.threshold
}
