package automation

import "fmt"

// State is a step of the automation state machine.
type State int

const (
	StateIdle State = iota
	StateLocatingInput
	StateInserting
	StateSubmitting
	StateObservingCompletion
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocatingInput:
		return "locating_input"
	case StateInserting:
		return "inserting"
	case StateSubmitting:
		return "submitting"
	case StateObservingCompletion:
		return "observing_completion"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Failure reasons reported to the requester.
const (
	ReasonInputNotFound = "input surface not found"
	ReasonBusy          = "automation already in progress"
	ReasonNoContent     = "no content to insert"
)

// StepError reports a page operation that failed during a state.
type StepError struct {
	State State
	Op    string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.State, e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
