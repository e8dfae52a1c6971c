package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/errors"
)

// Instance is one live instantiation of a Module. Calls into it must come
// from a single goroutine; settlement and rejection are safe from any.
type Instance struct {
	mod     api.Module
	module  *Module
	logger  *zap.Logger
	pending map[uint32]*Future
	abi     ABI
	gen     uint64
	nextID  uint32
	mu      sync.Mutex
	closed  bool
}

type ctxKeyInstance struct{}

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, ctxKeyInstance{}, inst)
}

func instanceFrom(ctx context.Context) *Instance {
	if v := ctx.Value(ctxKeyInstance{}); v != nil {
		return v.(*Instance)
	}
	return nil
}

// Name returns the runtime module name of the instance.
func (i *Instance) Name() string { return i.mod.Name() }

// Generation returns the generation the instance was created for.
func (i *Instance) Generation() uint64 { return i.gen }

// Module returns the compiled module the instance came from.
func (i *Instance) Module() *Module { return i.module }

// ABI returns the export contract the instance was created with.
func (i *Instance) ABI() ABI { return i.abi }

// Has reports whether the instance exports a function called name.
func (i *Instance) Has(name string) bool {
	return name != "" && i.mod.ExportedFunction(name) != nil
}

// Closed reports whether the instance has been closed or has exited.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	return closed || i.mod.IsClosed()
}

// Pending returns the number of unsettled command futures.
func (i *Instance) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Call invokes an export with raw core values. A guest exit is returned as
// the underlying *sys.ExitError; any other failure is a trap.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.MissingExport(name)
	}

	results, err := fn.Call(withInstance(ctx, i), params...)
	if err != nil {
		if code, ok := ExitCode(err); ok {
			i.logger.Debug("guest exited", zap.String("export", name), zap.String("code", exitCodeString(code)))
			return nil, err
		}
		return nil, errors.Trap(name, i.gen, err)
	}
	return results, nil
}

// Invoke calls a command export with fut as its promise and arg as the
// string argument. The future settles when the guest resolves it, which
// may happen during this call or during a later one. If the call itself
// fails, fut is rejected and the error is returned.
func (i *Instance) Invoke(ctx context.Context, fut *Future, arg string) error {
	export := fut.Export()

	ptr, n, err := i.writeArg(ctx, arg)
	if err != nil {
		fut.Reject(errors.GenerationEnded(export, i.gen, err))
		return err
	}

	id, ok := i.register(fut)
	if !ok {
		err := errors.GenerationEnded(export, i.gen, nil)
		fut.Reject(err)
		return err
	}

	if _, err := i.Call(ctx, export, uint64(id), uint64(ptr), uint64(n)); err != nil {
		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()
		fut.Reject(errors.GenerationEnded(export, i.gen, err))
		return err
	}
	return nil
}

func (i *Instance) register(fut *Future) (uint32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, false
	}
	i.nextID++
	i.pending[i.nextID] = fut
	return i.nextID, true
}

// writeArg copies arg into a buffer obtained from the guest allocator.
func (i *Instance) writeArg(ctx context.Context, arg string) (uint32, uint32, error) {
	if arg == "" {
		return 0, 0, nil
	}
	n := uint32(len(arg))
	results, err := i.Call(ctx, i.abi.Alloc, uint64(n))
	if err != nil {
		return 0, 0, err
	}
	if len(results) != 1 {
		return 0, 0, errors.New(errors.PhaseHost, errors.KindInvalidData).
			Export(i.abi.Alloc).
			Detail("alloc returned %d values", len(results)).
			Build()
	}
	ptr := api.DecodeU32(results[0])
	if !i.mod.Memory().Write(ptr, []byte(arg)) {
		return 0, 0, errors.OutOfBounds(errors.PhaseHost, ptr, n)
	}
	return ptr, n, nil
}

// settle completes promise id from bridge.resolve.
func (i *Instance) settle(id uint32, payload []byte, ok bool) {
	fut := i.take(id)
	if fut == nil {
		i.logger.Warn("resolve of unknown promise", zap.Uint32("promise", id))
		return
	}
	if ok {
		fut.Resolve(payload)
		return
	}
	fut.Reject(errors.CommandFailed(fut.Export(), i.gen, string(payload)))
}

// fail rejects promise id because its resolution could not be read.
func (i *Instance) fail(id uint32, err error) {
	if fut := i.take(id); fut != nil {
		fut.Reject(errors.Wrap(errors.PhaseHost, errors.KindInvalidData, err, "read resolution of "+fut.Export()))
	}
}

func (i *Instance) take(id uint32) *Future {
	i.mu.Lock()
	defer i.mu.Unlock()
	fut, ok := i.pending[id]
	if !ok {
		return nil
	}
	delete(i.pending, id)
	return fut
}

// RejectPending rejects every unsettled future with a generation-ended
// error wrapping cause and returns how many were rejected.
func (i *Instance) RejectPending(cause error) int {
	i.mu.Lock()
	ids := make([]uint32, 0, len(i.pending))
	for id := range i.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	futs := make([]*Future, 0, len(ids))
	for _, id := range ids {
		futs = append(futs, i.pending[id])
		delete(i.pending, id)
	}
	i.mu.Unlock()

	for _, fut := range futs {
		fut.Reject(errors.GenerationEnded(fut.Export(), i.gen, cause))
	}
	return len(futs)
}

// Close rejects pending futures and releases the instance. Further
// Invoke calls reject immediately.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.RejectPending(nil)
	if err := i.mod.Close(ctx); err != nil {
		return fmt.Errorf("close instance %s: %w", i.mod.Name(), err)
	}
	return nil
}

// readBytes copies memory[ptr:ptr+n].
func readBytes(mem api.Memory, ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if mem == nil {
		return nil, errors.OutOfBounds(errors.PhaseHost, ptr, n)
	}
	view, ok := mem.Read(ptr, n)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseHost, ptr, n)
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}
