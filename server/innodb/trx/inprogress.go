package trx

import "sync"

// defaultInProgressCapacity is the initial number of slots in one
// transaction's in-progress undo-no set (§4.F "compile-time parallelism
// constant"). It is not a limit: Store grows the set when every slot is
// taken.
const defaultInProgressCapacity = 16

// InProgressSet is the per-transaction in-progress undo-no set of §4.F: a
// table of undo-nos currently being applied by a rollback worker, so a
// second worker does not pop the same record twice. The table starts at a
// fixed capacity and grows without bound when full.
type InProgressSet struct {
	mu       sync.Mutex
	occupied []bool
	values   []uint64
}

// NewInProgressSet allocates a set with room for capacity concurrent
// in-flight undo-nos.
func NewInProgressSet(capacity int) *InProgressSet {
	return &InProgressSet{
		occupied: make([]bool, capacity),
		values:   make([]uint64, capacity),
	}
}

// Store records undoNo as in flight, returning true if newly stored and
// false if it was already present (§4.F arr_store).
func (s *InProgressSet) Store(undoNo uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	freeSlot := -1
	for i, occ := range s.occupied {
		if occ && s.values[i] == undoNo {
			return false
		}
		if !occ && freeSlot == -1 {
			freeSlot = i
		}
	}
	if freeSlot == -1 {
		// The set is full; growing it here rather than blocking keeps
		// the pop loop from deadlocking against a worker pool larger
		// than the configured parallelism constant.
		freeSlot = len(s.occupied)
		s.occupied = append(s.occupied, false)
		s.values = append(s.values, 0)
	}
	s.occupied[freeSlot] = true
	s.values[freeSlot] = undoNo
	return true
}

// Remove clears undoNo from the set (§4.F arr_remove).
func (s *InProgressSet) Remove(undoNo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, occ := range s.occupied {
		if occ && s.values[i] == undoNo {
			s.occupied[i] = false
			return
		}
	}
}

// Biggest returns the largest undo-no currently in flight and true, or
// false if the set is empty (§4.F arr_biggest).
func (s *InProgressSet) Biggest() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	found := false
	for i, occ := range s.occupied {
		if occ && (!found || s.values[i] > max) {
			max = s.values[i]
			found = true
		}
	}
	return max, found
}
