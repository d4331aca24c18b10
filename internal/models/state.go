package models

// LifecycleState is a section controller's position in its state machine.
//
//	Idle -> ToggledConfigured -> Running -> Waited -> CollectedOutput -> CleanedUp -> Done
//
// Failed is reachable from ToggledConfigured (setup) and Running/Waited
// (launch failure, nonzero exit, timeout).
type LifecycleState int

const (
	StateIdle LifecycleState = iota
	StateToggledConfigured
	StateRunning
	StateWaited
	StateCollectedOutput
	StateCleanedUp
	StateDone
	StateFailed
)

// String returns the string representation of LifecycleState.
func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateToggledConfigured:
		return "toggled-configured"
	case StateRunning:
		return "running"
	case StateWaited:
		return "waited"
	case StateCollectedOutput:
		return "collected-output"
	case StateCleanedUp:
		return "cleaned-up"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s LifecycleState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}
