package engine

import (
	"context"
	"sync"
)

// Future is the host side of one guest promise. It settles exactly once,
// either through bridge.resolve or by host rejection.
type Future struct {
	err       error
	done      chan struct{}
	export    string
	value     []byte
	callbacks []func([]byte, error)
	gen       uint64
	mu        sync.Mutex
	settled   bool
}

// NewFuture creates an unsettled future for a call to export in generation gen.
func NewFuture(export string, gen uint64) *Future {
	return &Future{
		export: export,
		gen:    gen,
		done:   make(chan struct{}),
	}
}

// Export returns the command export the future belongs to.
func (f *Future) Export() string { return f.export }

// Generation returns the instance generation the call was submitted to.
func (f *Future) Generation() uint64 { return f.gen }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolve settles the future with a payload. It reports false if the
// future had already settled.
func (f *Future) Resolve(value []byte) bool {
	return f.settle(value, nil)
}

// Reject settles the future with err. It reports false if the future had
// already settled.
func (f *Future) Reject(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(value []byte, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(value, err)
	}
	return true
}

// Result returns the outcome without blocking. settled is false while the
// call is outstanding.
func (f *Future) Result() (value []byte, settled bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.settled, f.err
}

// Await blocks until the future settles or ctx is done. Cancelling ctx
// abandons the wait only; the call itself keeps running.
func (f *Future) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		value, _, err := f.Result()
		return value, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnSettle registers fn to run once with the outcome. If the future has
// already settled, fn runs immediately on the calling goroutine.
func (f *Future) OnSettle(fn func([]byte, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}
