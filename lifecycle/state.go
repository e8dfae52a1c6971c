package lifecycle

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the current instance.
type State int

const (
	Unloaded State = iota
	Ready
	Running
	AwaitingReset
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case AwaitingReset:
		return "awaiting_reset"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Accepting reports whether commands may be submitted in s.
func (s State) Accepting() bool {
	return s == Ready || s == Running
}

// EndReason says why a run finished.
type EndReason int

const (
	// EndExited means the guest called exit (bridge or WASI).
	EndExited EndReason = iota + 1
	// EndCompleted means poll reported that the guest is done.
	EndCompleted
	// EndTrapped means a guest call failed.
	EndTrapped
	// EndStopped means Stop was called.
	EndStopped
	// EndCanceled means the run context ended.
	EndCanceled
)

func (r EndReason) String() string {
	switch r {
	case EndExited:
		return "exited"
	case EndCompleted:
		return "completed"
	case EndTrapped:
		return "trapped"
	case EndStopped:
		return "stopped"
	case EndCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// RunResult describes a finished run.
type RunResult struct {
	// Err is the trap or context error that ended the run, if any.
	Err        error
	Generation uint64
	Duration   time.Duration
	Reason     EndReason
	// Rejected counts commands invalidated by the end of the generation.
	Rejected int
	ExitCode uint32
}

// Event is a lifecycle transition delivered to observers.
type Event struct {
	// Err is a LoadError when State is Unloaded after a failed load, or a
	// LifecycleFatal when a reset failed.
	Err error
	// Result is set on the transition into AwaitingReset.
	Result     *RunResult
	Generation uint64
	State      State
	Previous   State
}

// Observer receives lifecycle events synchronously and in transition
// order. Observers may read the manager but must not start transitions.
type Observer func(Event)
