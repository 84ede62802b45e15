package session

import "fmt"

// State is the lifecycle state of a Session or a Channel.
type State int

const (
	StateInitialized State = iota
	StateStarting
	StateGreetingSent
	StateActive
	StateTuningPending
	StateTuning
	StateClosePending
	StateClosing
	StateClosed
	StateAborted
)

var stateNames = [...]string{
	StateInitialized:   "INITIALIZED",
	StateStarting:      "STARTING",
	StateGreetingSent:  "GREETING_SENT",
	StateActive:        "ACTIVE",
	StateTuningPending: "TUNING_PENDING",
	StateTuning:        "TUNING",
	StateClosePending:  "CLOSE_PENDING",
	StateClosing:       "CLOSING",
	StateClosed:        "CLOSED",
	StateAborted:       "ABORTED",
}

func (s State) String() string {
	if s >= StateInitialized && s <= StateAborted {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

type transitions map[State][]State

var sessionTransitions = transitions{
	StateInitialized:   {StateGreetingSent},
	StateGreetingSent:  {StateActive, StateClosed},
	StateActive:        {StateTuningPending, StateClosePending, StateClosing, StateClosed},
	StateTuningPending: {StateTuning, StateActive},
	StateTuning:        {StateActive, StateClosed},
	StateClosePending:  {StateActive, StateClosing, StateClosed},
	StateClosing:       {StateClosed},
}

var channelTransitions = transitions{
	StateInitialized:   {StateStarting, StateActive},
	StateStarting:      {StateActive},
	StateActive:        {StateTuningPending, StateClosePending, StateClosing, StateClosed},
	StateTuningPending: {StateTuning, StateActive},
	StateTuning:        {StateActive, StateClosed},
	StateClosePending:  {StateActive, StateClosing, StateClosed},
	StateClosing:       {StateClosed},
}

// allowed reports whether from may move to to. Every non-terminal state may
// abort, and staying put is always allowed.
func (t transitions) allowed(from, to State) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StateAborted {
		return true
	}
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}
