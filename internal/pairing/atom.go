package pairing

import (
	"sync"
)

// StateAtom holds the client's current State and fans out every change to
// subscribers. Late subscribers immediately receive the current value, so a
// UI surface mounted mid-session never renders stale state.
type StateAtom struct {
	mu    sync.RWMutex
	state State
	subs  map[int]chan State
	next  int
}

func NewStateAtom() *StateAtom {
	return &StateAtom{
		state: State{Status: StatusIdle},
		subs:  make(map[int]chan State),
	}
}

// Get returns the current snapshot.
func (a *StateAtom) Get() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Subscribe returns a channel replaying the current state followed by every
// subsequent change, and a cancel function. A slow subscriber only misses
// intermediate values, never the latest one delivered after it catches up.
func (a *StateAtom) Subscribe() (<-chan State, func()) {
	a.mu.Lock()
	id := a.next
	a.next++
	ch := make(chan State, 16)
	a.subs[id] = ch
	ch <- a.state
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// update applies fn to a copy of the state and publishes the result.
func (a *StateAtom) update(fn func(*State)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.state
	next.PendingSignatures = append([]PendingSignature(nil), a.state.PendingSignatures...)
	fn(&next)
	a.state = next

	for _, sub := range a.subs {
		select {
		case sub <- next:
		default:
			// Drop for slow subscribers; they will observe the next change
			// or re-read via Get.
		}
	}
}
