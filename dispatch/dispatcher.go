package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/lifecycle"
	"github.com/wippyai/quorum-bridge/telemetry"
)

// Request identifies one command submission.
type Request struct {
	Name       string
	Argument   string
	Generation uint64
	ID         uuid.UUID
}

// Result is the outcome of a command.
type Result struct {
	// Err is a CommandFailed carrying the guest reason, a NotReady when
	// the generation ended first, or nil on success.
	Err      error
	Value    []byte
	Request  Request
	Duration time.Duration
}

// OK reports whether the command resolved successfully.
func (r Result) OK() bool { return r.Err == nil }

// ResultObserver receives every command outcome once, on the goroutine
// that settled the command and before any Await returns it.
type ResultObserver func(Result)

// Dispatcher submits named commands to the current instance of a manager.
type Dispatcher struct {
	manager   *lifecycle.Manager
	logger    *zap.Logger
	tracer    trace.Tracer
	observers map[int]ResultObserver
	initiate  string
	join      string
	nextObs   int
	mu        sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger that receives one line per outcome.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithCommandNames sets the exports used by InitiateQuorum and JoinGroup.
func WithCommandNames(initiate, join string) Option {
	return func(d *Dispatcher) {
		if initiate != "" {
			d.initiate = initiate
		}
		if join != "" {
			d.join = join
		}
	}
}

// New creates a dispatcher over m.
func New(m *lifecycle.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		manager:   m,
		logger:    engine.Logger(),
		tracer:    telemetry.Tracer("dispatch"),
		observers: make(map[int]ResultObserver),
		initiate:  engine.ExportInitiateQuorum,
		join:      engine.ExportJoinGroup,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InitiateName returns the export InitiateQuorum calls.
func (d *Dispatcher) InitiateName() string { return d.initiate }

// JoinName returns the export JoinGroup calls.
func (d *Dispatcher) JoinName() string { return d.join }

// Subscribe registers fn for command outcomes and returns a function that
// removes it.
func (d *Dispatcher) Subscribe(fn ResultObserver) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Call is a submitted command.
type Call struct {
	fut     *engine.Future
	result  Result
	done    chan struct{}
	Request Request
}

// Done is closed once the outcome has been recorded.
func (c *Call) Done() <-chan struct{} { return c.done }

// Await blocks until the command settles or ctx ends. A ctx error
// abandons the wait only.
func (c *Call) Await(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{Request: c.Request}, ctx.Err()
	}
}

// Submit queues name with arg and returns without waiting. A NotReady or
// NotFound error means no instance was touched.
func (d *Dispatcher) Submit(ctx context.Context, name, arg string) (*Call, error) {
	req := Request{ID: uuid.New(), Name: name, Argument: arg}

	fut, err := d.manager.Submit(name, arg)
	if err != nil {
		d.logger.Warn("command refused",
			zap.String("id", req.ID.String()),
			zap.String("command", name),
			zap.Error(err))
		return nil, err
	}
	req.Generation = fut.Generation()

	_, span := d.tracer.Start(ctx, "dispatch."+name, trace.WithAttributes(
		attribute.String("request.id", req.ID.String()),
		attribute.Int64("generation", int64(req.Generation)),
	))

	c := &Call{fut: fut, Request: req, done: make(chan struct{})}
	start := time.Now()
	fut.OnSettle(func(value []byte, err error) {
		c.result = Result{Request: req, Value: value, Err: err, Duration: time.Since(start)}
		d.record(span, c.result)
		d.notify(c.result)
		close(c.done)
	})
	return c, nil
}

// Dispatch submits name and waits for its outcome. The returned error is
// non-nil only when the command could not be submitted or ctx ended;
// guest rejections are reported in Result.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, name, arg string) (Result, error) {
	c, err := d.Submit(ctx, name, arg)
	if err != nil {
		return Result{Request: Request{Name: name, Argument: arg}, Err: err}, err
	}
	return c.Await(ctx)
}

// InitiateQuorum asks the guest to start a quorum at the bootstrap address.
func (d *Dispatcher) InitiateQuorum(ctx context.Context, bootstrapAddress string) (Result, error) {
	return d.Dispatch(ctx, d.initiate, bootstrapAddress)
}

// JoinGroup asks the guest to join the group identified by seedToken.
func (d *Dispatcher) JoinGroup(ctx context.Context, seedToken string) (Result, error) {
	return d.Dispatch(ctx, d.join, seedToken)
}

func (d *Dispatcher) record(span trace.Span, r Result) {
	fields := []zap.Field{
		zap.String("id", r.Request.ID.String()),
		zap.String("command", r.Request.Name),
		zap.Uint64("generation", r.Request.Generation),
		zap.Duration("duration", r.Duration),
	}

	switch {
	case r.Err == nil:
		d.logger.Info("command resolved", append(fields, zap.ByteString("value", r.Value))...)
		span.SetStatus(codes.Ok, "")
	case errors.Is(r.Err, errors.ErrCommandFailed):
		d.logger.Warn("command rejected", append(fields, zap.String("reason", errors.Reason(r.Err)))...)
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, errors.Reason(r.Err))
	default:
		d.logger.Warn("command failed", append(fields, zap.Error(r.Err))...)
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, "generation ended")
	}
	span.End()
}

func (d *Dispatcher) notify(r Result) {
	d.mu.Lock()
	observers := make([]ResultObserver, 0, len(d.observers))
	for id := 0; id < d.nextObs; id++ {
		if fn, ok := d.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range observers {
		fn(r)
	}
}
