// Package guest synthesizes small core WebAssembly modules.
//
// Module and Code form a minimal binary encoder: types, function imports,
// one memory, mutable i32 globals, exports, a start function, code and
// active data segments. It is enough to describe guests that speak the
// bridge ABI without an external toolchain.
//
// Quorum returns the mock quorum guest used by the CLI's --mock flag and
// by tests:
//
//	wasm := guest.Quorum(guest.WithPolls(3))
//	os.WriteFile("quorum.wasm", wasm, 0o644)
package guest
