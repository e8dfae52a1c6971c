// Package quorumbridge hosts a quorum node compiled to WebAssembly and
// drives it from Go.
//
// The bridge loads a module from a URL or path, instantiates it against a
// fixed host import table, keeps it running and re-instantiates it after
// every run, so the node is always callable. Two commands reach the guest,
// initiate-quorum and join-group, and their outcomes feed a small policy
// that tells a front end which of them to offer.
//
// # Architecture Overview
//
//	quorumbridge/        Bridge facade wiring everything below
//	├── engine/          wazero runtime, host import table, instances, futures
//	├── loader/          fetch (HTTP, file, custom), compile, link, instantiate
//	├── lifecycle/       Unloaded/Ready/Running/AwaitingReset state machine
//	├── dispatch/        command submission, one log line and span per outcome
//	├── gate/            can-initiate and can-join affordances
//	├── config/          viper YAML plus QUORUMBRIDGE_* environment
//	├── telemetry/       OpenTelemetry tracing setup
//	├── guest/           wasm encoder and the mock quorum guest
//	└── errors/          structured error types
//
// # Quick Start
//
//	cfg := config.Default()
//	b, err := quorumbridge.New(ctx, cfg, quorumbridge.WithMock())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
//	if err := b.Start(ctx, quorumbridge.MockSource); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := b.InitiateQuorum(ctx, "10.0.0.1:7000")
//	if err != nil {
//	    log.Fatal(err) // not ready
//	}
//	fmt.Println(string(res.Value)) // "quorum initiated"
//
// # Guest Contract
//
// A guest is a core module that exports memory, alloc(len) -> ptr and one
// function (promise: i32, ptr: i32, len: i32) per command. It settles each
// promise by calling bridge.resolve(promise, ok, ptr, len); ok = 0 makes
// the payload the rejection reason. An optional poll() -> i32 is called on
// every tick and ends the run by returning 0; an optional _initialize or
// _start runs first. bridge.log and bridge.exit complete the host module,
// next to WASI preview1.
//
// # Error Handling
//
// Errors are *errors.Error values carrying a Phase and a Kind:
//
//	if errors.Is(err, errors.ErrNotReady) {
//	    // no instance accepts commands right now
//	}
//	if errors.Is(res.Err, errors.ErrCommandFailed) {
//	    fmt.Println(errors.Reason(res.Err))
//	}
package quorumbridge
