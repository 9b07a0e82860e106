package bridge

// State is the lifecycle state of an execution context.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateExecuting
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// accepting reports whether new calls may be issued in this state.
func (s State) accepting() bool {
	return s == StateReady || s == StateExecuting
}
