package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/errors"
)

// ImportRef names one imported function.
type ImportRef struct {
	Module string
	Name   string
}

func (r ImportRef) String() string {
	return r.Module + "#" + r.Name
}

// Module is a compiled artifact. It is immutable and may be instantiated
// any number of times.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	exports  map[string]api.FunctionDefinition
	name     string
	imports  []ImportRef
	memories int
	size     int
}

// Name returns the name the module was compiled under.
func (m *Module) Name() string { return m.name }

// Size returns the artifact size in bytes.
func (m *Module) Size() int { return m.size }

// HasMemory reports whether the module exports a linear memory.
func (m *Module) HasMemory() bool { return m.memories > 0 }

// Imports returns the imported functions in declaration order.
func (m *Module) Imports() []ImportRef {
	out := make([]ImportRef, len(m.imports))
	copy(out, m.imports)
	return out
}

// Exports returns the exported function names, sorted.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export returns the definition of an exported function.
func (m *Module) Export(name string) (api.FunctionDefinition, bool) {
	def, ok := m.exports[name]
	return def, ok
}

// CheckImports reports every import that table does not provide.
func (m *Module) CheckImports(table *ImportTable) error {
	var missing []string
	for _, imp := range m.imports {
		if !table.Provides(imp.Module, imp.Name) {
			missing = append(missing, imp.String())
		}
	}
	if len(missing) > 0 {
		return errors.Link(m.name, errors.NewMissingImportsError(missing))
	}
	return nil
}

// InstanceConfig configures one instantiation.
type InstanceConfig struct {
	Logger     *zap.Logger
	ABI        ABI
	Generation uint64
}

// Instantiate creates a fresh instance bound to table. The module's own
// start section runs during instantiation; the ABI entry point does not.
func (m *Module) Instantiate(ctx context.Context, table *ImportTable, cfg InstanceConfig) (*Instance, error) {
	if err := m.engine.Install(ctx, table); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s#%d", m.name, m.engine.nextInstance())
	mod, err := m.engine.instantiate(ctx, m, table.moduleConfig(name))
	if err != nil {
		return nil, errors.Instantiation(cfg.Generation, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	if len(cfg.ABI.Commands) == 0 && cfg.ABI.Alloc == "" {
		cfg.ABI = DefaultABI()
	}

	return &Instance{
		mod:     mod,
		module:  m,
		abi:     cfg.ABI,
		gen:     cfg.Generation,
		logger:  logger.With(zap.String("instance", name), zap.Uint64("generation", cfg.Generation)),
		pending: make(map[uint32]*Future),
	}, nil
}

// Close releases the compiled code. Live instances must be closed first.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}
