// Package errors provides structured error types for the quorum bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The four kinds callers act on are:
//
//	load_failed      artifact could not be fetched, compiled or linked
//	lifecycle_fatal  reset failed; the bridge halts
//	not_ready        command submitted while no generation accepts it
//	command_failed   the module rejected one command
//
// Match them with the exported sentinels:
//
//	if errors.Is(err, errors.ErrNotReady) {
//		// ordering bug at the call site
//	}
//
// Use the Builder for structured construction:
//
//	err := errors.New(errors.PhaseDispatch, errors.KindCommandFailed).
//		Export("join-group").
//		Generation(3).
//		Detail("quorum not initiated").
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
