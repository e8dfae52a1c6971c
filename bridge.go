package quorumbridge

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/config"
	"github.com/wippyai/quorum-bridge/dispatch"
	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/gate"
	"github.com/wippyai/quorum-bridge/guest"
	"github.com/wippyai/quorum-bridge/lifecycle"
	"github.com/wippyai/quorum-bridge/loader"
)

// MockSource loads the built-in quorum guest when the bridge was created
// WithMock.
const MockSource = "mock://quorum"

type options struct {
	logger  *zap.Logger
	stdout  io.Writer
	stderr  io.Writer
	fetch   map[string]loader.Fetcher
	modules []engine.HostModule
	mock    []guest.QuorumOption
	useMock bool
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger sets the logger for every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOutput routes guest WASI stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithFetcher serves sources with the given scheme from f.
func WithFetcher(scheme string, f loader.Fetcher) Option {
	return func(o *options) { o.fetch[scheme] = f }
}

// WithHostModule adds a host module to the import table.
func WithHostModule(hm engine.HostModule) Option {
	return func(o *options) { o.modules = append(o.modules, hm) }
}

// WithMock serves the built-in quorum guest at MockSource.
func WithMock(opts ...guest.QuorumOption) Option {
	return func(o *options) {
		o.useMock = true
		o.mock = opts
	}
}

// Bridge hosts one quorum module: it loads it, keeps it running across
// resets and exposes its two commands.
type Bridge struct {
	err        error
	engine     *engine.Engine
	cache      wazero.CompilationCache
	loader     *loader.Loader
	manager    *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	gate       *gate.Gate
	logger     *zap.Logger
	detach     func()
	cancel     context.CancelFunc
	done       chan struct{}
	cfg        config.Config
	mu         sync.Mutex
}

// New wires engine, loader, lifecycle manager, dispatcher and gate from cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger: engine.Logger(),
		fetch:  make(map[string]loader.Fetcher),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.useMock {
		wasm := guest.Quorum(o.mock...)
		o.fetch["mock"] = loader.FetcherFunc(func(context.Context, string) ([]byte, error) {
			return wasm, nil
		})
	}

	b := &Bridge{cfg: cfg, logger: o.logger}

	engineCfg := &engine.Config{MemoryLimitPages: cfg.Engine.MemoryLimitPages}
	if cfg.Engine.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.Engine.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "compilation cache")
		}
		b.cache = cache
		engineCfg.CompilationCache = cache
	}
	b.engine = engine.NewWithConfig(ctx, engineCfg)

	tableOpts := []engine.ImportOption{engine.WithEnv(parseEnv(cfg.Guest.Env))}
	if o.stdout != nil {
		tableOpts = append(tableOpts, engine.WithStdout(o.stdout))
	}
	if o.stderr != nil {
		tableOpts = append(tableOpts, engine.WithStderr(o.stderr))
	}
	for _, hm := range o.modules {
		tableOpts = append(tableOpts, engine.WithHostModule(hm))
	}

	loaderOpts := []loader.Option{
		loader.WithABI(cfg.ABI()),
		loader.WithStreaming(cfg.Loader.Streaming),
		loader.WithMaxSize(cfg.Loader.MaxSize),
		loader.WithHTTPClient(&http.Client{Timeout: cfg.Loader.Timeout.Std()}),
		loader.WithLogger(o.logger.Named("loader")),
	}
	for scheme, f := range o.fetch {
		loaderOpts = append(loaderOpts, loader.WithFetcher(scheme, f))
	}
	b.loader = loader.New(b.engine, engine.NewImportTable(tableOpts...), loaderOpts...)

	b.manager = lifecycle.New(b.loader,
		lifecycle.WithLogger(o.logger.Named("lifecycle")),
		lifecycle.WithTickInterval(cfg.Lifecycle.TickInterval.Std()),
		lifecycle.WithRestartDelay(cfg.Lifecycle.RestartDelay.Std()),
		lifecycle.WithMaxCycles(cfg.Lifecycle.MaxCycles),
	)
	b.dispatcher = dispatch.New(b.manager,
		dispatch.WithLogger(o.logger.Named("dispatch")),
		dispatch.WithCommandNames(cfg.Guest.InitiateExport, cfg.Guest.JoinExport),
	)
	b.gate = gate.New(b.dispatcher.InitiateName())
	b.detach = b.gate.Attach(b.manager, b.dispatcher)
	return b, nil
}

func parseEnv(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			env[k] = v
		}
	}
	return env
}

// Start loads source (cfg.Source when empty) and supervises the instance
// in the background until Close or a fatal reset. A load failure is
// returned and leaves the bridge unloaded.
func (b *Bridge) Start(ctx context.Context, source string) error {
	if source == "" {
		source = b.cfg.Source
	}
	if source == "" {
		return errors.InvalidInput(errors.PhaseLoad, "no module source configured")
	}

	b.mu.Lock()
	if b.done != nil {
		b.mu.Unlock()
		return errors.InvalidInput(errors.PhaseLifecycle, "bridge already started")
	}
	b.mu.Unlock()

	if err := b.manager.Load(ctx, source); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		if err := b.manager.Serve(runCtx); err != nil {
			b.logger.Error("supervisor halted", zap.Error(err))
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
		}
	}()
	return nil
}

// Done is closed when the supervisor returns. It is nil before Start.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// InitiateQuorum starts a quorum at bootstrapAddress and waits for the
// guest's answer.
func (b *Bridge) InitiateQuorum(ctx context.Context, bootstrapAddress string) (dispatch.Result, error) {
	return b.dispatcher.InitiateQuorum(ctx, bootstrapAddress)
}

// JoinGroup joins the group identified by seedToken and waits for the
// guest's answer.
func (b *Bridge) JoinGroup(ctx context.Context, seedToken string) (dispatch.Result, error) {
	return b.dispatcher.JoinGroup(ctx, seedToken)
}

// Affordances returns which commands a front end should currently offer.
func (b *Bridge) Affordances() gate.Affordances { return b.gate.Affordances() }

// OnAffordances registers fn for affordance changes.
func (b *Bridge) OnAffordances(fn gate.Listener) (unsubscribe func()) {
	return b.gate.Subscribe(fn)
}

// OnLifecycle registers fn for lifecycle events.
func (b *Bridge) OnLifecycle(fn lifecycle.Observer) (unsubscribe func()) {
	return b.manager.Subscribe(fn)
}

// OnResult registers fn for command outcomes.
func (b *Bridge) OnResult(fn dispatch.ResultObserver) (unsubscribe func()) {
	return b.dispatcher.Subscribe(fn)
}

// State returns the lifecycle state.
func (b *Bridge) State() lifecycle.State { return b.manager.State() }

// Generation returns the current instance generation.
func (b *Bridge) Generation() uint64 { return b.manager.Generation() }

// Stop ends the current run. The supervisor resets the instance and runs
// the next generation; pending commands are rejected.
func (b *Bridge) Stop() bool { return b.manager.Stop() }

// Err returns the error that halted the supervisor, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return b.manager.Err()
}

// Inspect reports the import and export surface of source without
// instantiating it.
func (b *Bridge) Inspect(ctx context.Context, source string) (*loader.Report, error) {
	return b.loader.Inspect(ctx, source)
}

// Close stops supervision and releases every runtime resource.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	errs := []error{b.manager.Close(ctx)}
	if done != nil {
		<-done
	}
	b.detach()

	errs = append(errs, b.engine.Close(ctx))
	if b.cache != nil {
		errs = append(errs, b.cache.Close(ctx))
	}
	return errors.Join(errs...)
}
