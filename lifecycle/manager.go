package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/loader"
	"github.com/wippyai/quorum-bridge/telemetry"
)

// DefaultTickInterval is the poll period of a running guest.
const DefaultTickInterval = 10 * time.Millisecond

type call struct {
	fut *engine.Future
	arg string
}

// Manager owns the compiled module and its single current instance.
//
// Transitions are serialized: each one updates the state under mu and
// notifies observers before the next transition starts. Guest code only
// ever runs on the goroutine executing Run.
type Manager struct {
	fatal     error
	loader    *loader.Loader
	module    *engine.Module
	inst      *engine.Instance
	logger    *zap.Logger
	tracer    trace.Tracer
	observers map[int]Observer
	wake      chan struct{}
	stop      chan struct{}
	runDone   chan struct{}
	source    string
	queue     []call
	abi       engine.ABI
	gen       uint64
	tick      time.Duration
	delay     time.Duration
	nextObs   int
	maxCycles int
	state     State
	isClosing bool

	// transitionMu orders state changes and their notifications.
	transitionMu sync.Mutex
	mu           sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithTickInterval sets how often a running guest is polled.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithRestartDelay makes Serve wait between a reset and the next run.
func WithRestartDelay(d time.Duration) Option {
	return func(m *Manager) { m.delay = d }
}

// WithMaxCycles makes Serve return after n runs. 0 means no limit.
func WithMaxCycles(n int) Option {
	return func(m *Manager) { m.maxCycles = n }
}

// New creates a manager in the Unloaded state.
func New(l *loader.Loader, opts ...Option) *Manager {
	m := &Manager{
		loader:    l,
		abi:       l.ABI(),
		logger:    engine.Logger(),
		tracer:    telemetry.Tracer("lifecycle"),
		observers: make(map[int]Observer),
		wake:      make(chan struct{}, 1),
		tick:      DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the generation of the current instance, 0 before load.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Err returns the LifecycleFatal that halted the manager, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *Manager) closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosing
}

// Source returns the source the module was loaded from.
func (m *Manager) Source() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it.
func (m *Manager) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// emit delivers ev. Callers hold transitionMu but not mu.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	observers := make([]Observer, 0, len(m.observers))
	for id := 0; id < m.nextObs; id++ {
		if fn, ok := m.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// notReady builds the NotReady error for the current state. Callers hold mu.
func (m *Manager) notReady() error {
	if m.fatal != nil {
		err := errors.NotReady("halted")
		err.Cause = m.fatal
		return err
	}
	return errors.NotReady(m.state.String())
}

// Load fetches and compiles source and makes its first instance current.
// A failure leaves the manager Unloaded and is reported to observers.
func (m *Manager) Load(ctx context.Context, source string) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.fatal != nil {
		err := m.notReady()
		m.mu.Unlock()
		return err
	}
	if m.state != Unloaded {
		state := m.state
		m.mu.Unlock()
		return errors.InvalidInput(errors.PhaseLifecycle, fmt.Sprintf("load while %s", state))
	}
	m.mu.Unlock()

	art, err := m.loader.Load(ctx, source)
	if err != nil {
		m.emit(Event{State: Unloaded, Previous: Unloaded, Err: err})
		return err
	}

	m.mu.Lock()
	m.isClosing = false
	m.module = art.Module
	m.inst = art.Instance
	m.gen = art.Instance.Generation()
	m.source = source
	m.state = Ready
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("instance ready", zap.String("source", source), zap.Uint64("generation", gen))
	m.emit(Event{State: Ready, Previous: Unloaded, Generation: gen})
	return nil
}

// Submit queues a call of the command export with arg on the current
// generation. It never blocks; the returned future settles when the guest
// resolves the call or the generation ends.
func (m *Manager) Submit(export, arg string) (*engine.Future, error) {
	if _, ok := m.abi.Command(export); !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "command", export)
	}

	m.mu.Lock()
	if m.fatal != nil || !m.state.Accepting() {
		err := m.notReady()
		m.mu.Unlock()
		return nil, err
	}
	fut := engine.NewFuture(export, m.gen)
	m.queue = append(m.queue, call{fut: fut, arg: arg})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return fut, nil
}

// takeQueue removes every queued call. Callers hold mu.
func (m *Manager) takeQueue() []call {
	q := m.queue
	m.queue = nil
	return q
}

func rejectCalls(calls []call, cause error) int {
	for _, c := range calls {
		c.fut.Reject(errors.GenerationEnded(c.fut.Export(), c.fut.Generation(), cause))
	}
	return len(calls)
}

// Stop ends the current run. It reports false when no run is in progress.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Running || m.stop == nil {
		return false
	}
	close(m.stop)
	m.stop = nil
	return true
}

// Reset discards the current instance and makes a fresh instantiation of
// the same module current. It is valid in Ready and AwaitingReset. A
// failure is fatal: the manager halts and every later operation fails.
func (m *Manager) Reset(ctx context.Context) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	return m.reset(ctx)
}

// reset runs with transitionMu held.
func (m *Manager) reset(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Reset")
	defer span.End()

	m.mu.Lock()
	if m.fatal != nil || (m.state != Ready && m.state != AwaitingReset) {
		err := m.notReady()
		m.mu.Unlock()
		return err
	}
	prev := m.state
	old := m.inst
	oldGen := m.gen
	nextGen := m.gen + 1
	queued := m.takeQueue()
	// Leave the accepting states while the instance is swapped.
	m.state = AwaitingReset
	m.mu.Unlock()

	span.SetAttributes(attribute.Int64("generation", int64(nextGen)))
	rejectCalls(queued, nil)
	if old != nil {
		if err := old.Close(ctx); err != nil {
			m.logger.Warn("close instance", zap.Uint64("generation", oldGen), zap.Error(err))
		}
	}

	inst, err := m.module.Instantiate(ctx, m.loader.Table(), engine.InstanceConfig{
		Generation: nextGen,
		ABI:        m.abi,
		Logger:     m.logger,
	})
	if err != nil {
		fatal := errors.LifecycleFatal(nextGen, err)
		m.mu.Lock()
		m.fatal = fatal
		m.inst = nil
		m.mu.Unlock()

		span.RecordError(fatal)
		span.SetStatus(codes.Error, "reset failed")
		m.logger.Error("reset failed", zap.Uint64("generation", nextGen), zap.Error(err))
		m.emit(Event{State: AwaitingReset, Previous: prev, Generation: oldGen, Err: fatal})
		return fatal
	}

	m.mu.Lock()
	m.inst = inst
	m.gen = nextGen
	m.state = Ready
	m.mu.Unlock()

	m.logger.Info("instance reset", zap.Uint64("generation", nextGen))
	m.emit(Event{State: Ready, Previous: prev, Generation: nextGen})
	return nil
}

// Close ends any run in progress, releases the instance and the module and
// returns the manager to Unloaded.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.isClosing = true
	m.mu.Unlock()
	m.Stop()

	m.mu.Lock()
	done := m.runDone
	m.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	prev := m.state
	inst, module := m.inst, m.module
	queued := m.takeQueue()
	m.inst, m.module = nil, nil
	m.state = Unloaded
	gen := m.gen
	m.mu.Unlock()

	rejectCalls(queued, nil)

	var errs []error
	if inst != nil {
		errs = append(errs, inst.Close(ctx))
	}
	if module != nil {
		errs = append(errs, module.Close(ctx))
	}
	if prev != Unloaded {
		m.emit(Event{State: Unloaded, Previous: prev, Generation: gen})
	}
	return errors.Join(errs...)
}
