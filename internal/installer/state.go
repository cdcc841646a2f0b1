package installer

import (
	"github.com/swupdate/agent-core/internal/bootloader"
	"github.com/swupdate/agent-core/internal/errs"
)

// State mirrors the bootloader state-marker values the source project
// writes to track install progress across reboots (ustate in
// original_source/core/swupdate.c).
type State int

const (
	StateOK State = iota
	StateInstalled
	StateTesting
	StateFailed
	StateNotAvailable
	StateError
	StateWait
	StateInProgress
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateInstalled:
		return "INSTALLED"
	case StateTesting:
		return "TESTING"
	case StateFailed:
		return "FAILED"
	case StateNotAvailable:
		return "NOT_AVAILABLE"
	case StateError:
		return "ERROR"
	case StateWait:
		return "WAIT"
	case StateInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates the state-marker graph: an install run
// starts at OK or WAIT, moves to IN_PROGRESS while copying/installing
// images, and ends at INSTALLED (success, pending reboot into TESTING) or
// FAILED (any error along the way). TESTING is entered by the bootloader
// itself on the next boot, not by the installer, but the installer must
// still be able to move a stuck TESTING marker to OK (test passed) or
// FAILED (test failed, roll back).
var validTransitions = map[State]map[State]bool{
	StateOK:          {StateInProgress: true, StateWait: true},
	StateWait:        {StateInProgress: true, StateOK: true},
	StateInProgress:  {StateInstalled: true, StateFailed: true, StateError: true},
	StateInstalled:   {StateTesting: true, StateOK: true},
	StateTesting:     {StateOK: true, StateFailed: true},
	StateFailed:      {StateOK: true, StateInProgress: true},
	StateError:       {StateOK: true, StateInProgress: true},
	StateNotAvailable: {StateOK: true},
}

// Transition validates and returns the new state, or an errs.State error
// if moving from cur to next is not a recognized edge in the graph.
func Transition(cur, next State) (State, error) {
	if cur == next {
		return cur, nil
	}
	allowed, ok := validTransitions[cur]
	if !ok || !allowed[next] {
		return cur, errs.New(errs.State, "invalid state transition %s -> %s", cur, next)
	}
	return next, nil
}

func stateFromString(s string) (State, bool) {
	for _, st := range []State{StateOK, StateInstalled, StateTesting, StateFailed, StateNotAvailable, StateError, StateWait, StateInProgress} {
		if st.String() == s {
			return st, true
		}
	}
	return StateOK, false
}

// BootEnvStateStore persists the state marker as a single bootloader
// variable (spec.md §6: "the update state is stored under an
// implementation-selected key"), named per stream_interface.c's
// update_state_t handling. A missing variable reads as StateOK, the state
// the marker is expected to hold outside of an active install.
type BootEnvStateStore struct {
	Env bootloader.Env
	Key string
}

// NewBootEnvStateStore builds a BootEnvStateStore, defaulting key to
// "ustate" when left empty.
func NewBootEnvStateStore(env bootloader.Env, key string) *BootEnvStateStore {
	if key == "" {
		key = "ustate"
	}
	return &BootEnvStateStore{Env: env, Key: key}
}

func (s *BootEnvStateStore) Get() (State, error) {
	v, ok, err := s.Env.Get(s.Key)
	if err != nil {
		return StateOK, errs.Wrap(errs.State, err)
	}
	if !ok {
		return StateOK, nil
	}
	st, known := stateFromString(v)
	if !known {
		return StateOK, errs.New(errs.State, "bootloader variable %q holds unrecognized state %q", s.Key, v)
	}
	return st, nil
}

func (s *BootEnvStateStore) Set(next State) error {
	if err := s.Env.Set(s.Key, next.String()); err != nil {
		return errs.Wrap(errs.State, err)
	}
	return nil
}
