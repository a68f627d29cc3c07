package job

import (
	"sync"
	"sync/atomic"
)

// DefaultTrackerCapacity is how many jobs stay addressable for late shares.
const DefaultTrackerCapacity = 500

// Tracker keeps the most recent jobs by id and by relay id.
type Tracker struct {
	capacity int

	mu      sync.RWMutex
	order   []*Job
	byID    map[uint64]*Job
	byRelay map[string]*Job

	current atomic.Pointer[Job]
}

// NewTracker returns a tracker holding up to capacity jobs. A non-positive
// capacity uses DefaultTrackerCapacity.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	return &Tracker{
		capacity: capacity,
		byID:     make(map[uint64]*Job),
		byRelay:  make(map[string]*Job),
	}
}

// Add stores j, makes it current and evicts the oldest job past capacity.
func (t *Tracker) Add(j *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order = append(t.order, j)
	t.byID[j.ID] = j
	if j.RelayID != "" {
		t.byRelay[j.RelayID] = j
	}

	for len(t.order) > t.capacity {
		old := t.order[0]
		t.order[0] = nil
		t.order = t.order[1:]
		if t.byID[old.ID] == old {
			delete(t.byID, old.ID)
		}
		if old.RelayID != "" && t.byRelay[old.RelayID] == old {
			delete(t.byRelay, old.RelayID)
		}
	}

	t.current.Store(j)
}

// Get looks a job up by numeric id.
func (t *Tracker) Get(id uint64) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.byID[id]
	return j, ok
}

// GetByRelayID looks a job up by its upstream id.
func (t *Tracker) GetByRelayID(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.byRelay[id]
	return j, ok
}

// Current returns the latest job, or nil before the first Add.
func (t *Tracker) Current() *Job {
	return t.current.Load()
}

// RecentCleanJob returns the newest job with clean-jobs set, or nil.
func (t *Tracker) RecentCleanJob() *Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.order) - 1; i >= 0; i-- {
		if t.order[i].CleanJobs() {
			return t.order[i]
		}
	}
	return nil
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
