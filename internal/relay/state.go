package relay

import "sync/atomic"

// State is the relay switch shared by every component that behaves
// differently while relaying.
type State struct {
	relaying     atomic.Bool
	manualSwitch atomic.Bool
}

// NewState returns a state with relaying set to start.
func NewState(start bool) *State {
	s := &State{}
	s.relaying.Store(start)
	return s
}

// IsRelaying reports whether work comes from an upstream pool.
func (s *State) IsRelaying() bool { return s.relaying.Load() }

// SetRelaying sets the relaying flag and reports whether it changed.
func (s *State) SetRelaying(v bool) bool {
	return s.relaying.Swap(v) != v
}

// Toggle flips the relaying flag and returns the new value.
func (s *State) Toggle() bool {
	for {
		old := s.relaying.Load()
		if s.relaying.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// RequestManualSwitch asks the status watcher to move to the next upstream.
func (s *State) RequestManualSwitch() { s.manualSwitch.Store(true) }

// takeManualSwitch clears the manual switch request and reports whether one was pending.
func (s *State) takeManualSwitch() bool { return s.manualSwitch.Swap(false) }

// ManualSwitchPending reports whether a switch request is waiting.
func (s *State) ManualSwitchPending() bool { return s.manualSwitch.Load() }
