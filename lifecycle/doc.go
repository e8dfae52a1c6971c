// Package lifecycle owns the instance lifecycle of a loaded module.
//
// The Manager moves through four states:
//
//	Unloaded -> Ready          on a successful Load
//	Ready -> Running           when Run starts
//	Running -> AwaitingReset   when the run ends (exit, poll reporting
//	                           completion, trap, Stop or context end)
//	AwaitingReset -> Ready     on a successful Reset
//
// A finished instance is never reused. Reset closes it and instantiates
// the same compiled module against the same import table, bumping the
// generation. Run performs that reset automatically unless its context
// has ended; a reset failure halts the manager with a LifecycleFatal error.
//
// Commands are accepted in Ready and Running. They are queued to the run
// loop, which is the only goroutine calling into the guest, and awaited
// through engine.Future. When a generation ends every queued or in-flight
// command of that generation is rejected with a NotReady error.
package lifecycle
