// Package engine wraps wazero for the quorum bridge.
//
// # Types
//
//	Engine       - owns the wazero runtime and the installed host modules
//	Module       - a compiled artifact; immutable, instantiated many times
//	Instance     - one live instantiation (an instance generation)
//	ImportTable  - host modules supplied unchanged at every instantiation
//	Future       - promise handle settled by the guest through bridge.resolve
//
// # Guest ABI
//
// The host module "bridge" exports:
//
//	resolve(promise i32, ok i32, ptr i32, len i32)
//	log(ptr i32, len i32)
//	exit(code i32)
//
// The guest exports memory, an allocator and one function per command:
//
//	alloc(size i32) -> i32
//	initiate-quorum(promise i32, ptr i32, len i32)
//	join-group(promise i32, ptr i32, len i32)
//
// Optionally an entry point (_initialize or _start) and poll() -> i32.
//
// Command signatures are declared with WIT types and flattened to core
// types the same way the canonical ABI does:
//
//	WIT Type        Core Representation
//	───────────────────────────────────
//	bool, u8-u32    i32
//	u64, s64        i64
//	f32, f64        f32, f64
//	string          (ptr, len) as i32×2
//
// # Thread Safety
//
// Engine, Module and ImportTable are safe for concurrent use. Instance is
// NOT: exactly one goroutine (the lifecycle run loop) may call into it.
// Futures are safe to await from any goroutine.
package engine
