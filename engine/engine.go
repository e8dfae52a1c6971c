package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/errors"
)

// Engine owns a wazero runtime. Host modules installed into it are shared by
// every module compiled from it.
type Engine struct {
	runtime   wazero.Runtime
	installMu sync.Mutex
	instances atomic.Uint64
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means the wazero default.
	MemoryLimitPages uint32

	// CompilationCache shares compiled code between Compile calls.
	CompilationCache wazero.CompilationCache
}

// New creates an engine with default configuration.
func New(ctx context.Context) *Engine {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates an engine. In-flight guest calls are aborted when
// their context is done.
func NewWithConfig(ctx context.Context, cfg *Config) *Engine {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.CompilationCache != nil {
			runtimeCfg = runtimeCfg.WithCompilationCache(cfg.CompilationCache)
		}
	}

	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}
}

// Close releases the runtime and every module compiled or instantiated from it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Install instantiates the host modules of table that are not yet present.
// Safe for concurrent calls; a module already installed is left untouched.
func (e *Engine) Install(ctx context.Context, table *ImportTable) error {
	e.installMu.Lock()
	defer e.installMu.Unlock()

	if table.wasi && e.runtime.Module(wasiModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return errors.Wrap(errors.PhaseHost, errors.KindInstantiation, err, "instantiate "+wasiModuleName)
		}
	}

	for _, hm := range table.modules {
		if e.runtime.Module(hm.Name) != nil {
			continue
		}
		builder := e.runtime.NewHostModuleBuilder(hm.Name)
		for _, fn := range hm.Funcs {
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
				Export(fn.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseHost, errors.KindInstantiation, err, "instantiate host module "+hm.Name)
		}
		Logger().Debug("host module installed", zap.String("module", hm.Name), zap.Int("funcs", len(hm.Funcs)))
	}
	return nil
}

// Compile validates and compiles wasm. Each call yields an independent Module.
func (e *Engine) Compile(ctx context.Context, name string, wasm []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Compile(name, err)
	}

	imports := make([]ImportRef, 0, len(compiled.ImportedFunctions()))
	for _, def := range compiled.ImportedFunctions() {
		mod, fn, _ := def.Import()
		imports = append(imports, ImportRef{Module: mod, Name: fn})
	}

	return &Module{
		engine:   e,
		name:     name,
		compiled: compiled,
		imports:  imports,
		exports:  compiled.ExportedFunctions(),
		memories: len(compiled.ExportedMemories()),
		size:     len(wasm),
	}, nil
}

func (e *Engine) instantiate(ctx context.Context, m *Module, cfg wazero.ModuleConfig) (api.Module, error) {
	mod, err := e.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", m.name, err)
	}
	return mod, nil
}

// nextInstance numbers instantiations so every live module name is unique
// within the runtime.
func (e *Engine) nextInstance() uint64 {
	return e.instances.Add(1)
}
