package engine

import (
	"context"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/errors"
)

const (
	// BridgeModule is the import module name of the bridge host functions.
	BridgeModule = "bridge"

	wasiModuleName = wasi_snapshot_preview1.ModuleName
)

// HostFunction is a raw host function exported to guests.
type HostFunction struct {
	Fn      api.GoModuleFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// HostModule groups host functions under one import module name.
type HostModule struct {
	Name  string
	Funcs []HostFunction
}

// ImportTable is the set of host capabilities an artifact may import. It is
// built once and applied unchanged to every instantiation.
type ImportTable struct {
	stdout   io.Writer
	stderr   io.Writer
	env      map[string]string
	provided map[string]map[string]struct{}
	args     []string
	modules  []HostModule
	wasi     bool
}

// ImportOption configures an ImportTable.
type ImportOption func(*ImportTable)

// WithStdout routes guest WASI stdout.
func WithStdout(w io.Writer) ImportOption {
	return func(t *ImportTable) { t.stdout = w }
}

// WithStderr routes guest WASI stderr.
func WithStderr(w io.Writer) ImportOption {
	return func(t *ImportTable) { t.stderr = w }
}

// WithArgs sets the guest argv.
func WithArgs(args ...string) ImportOption {
	return func(t *ImportTable) { t.args = append([]string(nil), args...) }
}

// WithEnv sets guest environment variables.
func WithEnv(env map[string]string) ImportOption {
	return func(t *ImportTable) {
		t.env = make(map[string]string, len(env))
		for k, v := range env {
			t.env[k] = v
		}
	}
}

// WithHostModule adds an extra host module next to the bridge module.
func WithHostModule(hm HostModule) ImportOption {
	return func(t *ImportTable) { t.modules = append(t.modules, hm) }
}

// WithoutWASI leaves wasi_snapshot_preview1 out of the table.
func WithoutWASI() ImportOption {
	return func(t *ImportTable) { t.wasi = false }
}

// NewImportTable builds the bridge host module plus WASI preview1 and any
// extra modules from opts.
func NewImportTable(opts ...ImportOption) *ImportTable {
	t := &ImportTable{
		stdout:  io.Discard,
		stderr:  io.Discard,
		wasi:    true,
		modules: []HostModule{bridgeModule()},
	}
	for _, opt := range opts {
		opt(t)
	}

	t.provided = make(map[string]map[string]struct{})
	for _, hm := range t.modules {
		names := make(map[string]struct{}, len(hm.Funcs))
		for _, fn := range hm.Funcs {
			names[fn.Name] = struct{}{}
		}
		t.provided[hm.Name] = names
	}
	return t
}

// Provides reports whether the table supplies module#name.
func (t *ImportTable) Provides(module, name string) bool {
	if module == wasiModuleName {
		if !t.wasi {
			return false
		}
		_, ok := wasiFunctions()[name]
		return ok
	}
	_, ok := t.provided[module][name]
	return ok
}

// Modules returns the names of the host modules in the table.
func (t *ImportTable) Modules() []string {
	names := make([]string, 0, len(t.modules)+1)
	for _, hm := range t.modules {
		names = append(names, hm.Name)
	}
	if t.wasi {
		names = append(names, wasiModuleName)
	}
	return names
}

// moduleConfig is the per-instantiation configuration. Start functions are
// disabled; the lifecycle run loop invokes the entry point itself.
func (t *ImportTable) moduleConfig(name string) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions().
		WithStdout(t.stdout).
		WithStderr(t.stderr).
		WithArgs(t.args...)

	keys := make([]string, 0, len(t.env))
	for k := range t.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, t.env[k])
	}
	return cfg
}

func bridgeModule() HostModule {
	i32 := api.ValueTypeI32
	return HostModule{
		Name: BridgeModule,
		Funcs: []HostFunction{
			{Name: "resolve", Fn: resolveFn, Params: []api.ValueType{i32, i32, i32, i32}},
			{Name: "log", Fn: logFn, Params: []api.ValueType{i32, i32}},
			{Name: "exit", Fn: exitFn, Params: []api.ValueType{i32}},
		},
	}
}

// resolveFn settles promise stack[0]; stack[1] != 0 means success and
// memory[stack[2]:stack[2]+stack[3]] is the payload or rejection reason.
func resolveFn(ctx context.Context, mod api.Module, stack []uint64) {
	id := api.DecodeU32(stack[0])
	ok := api.DecodeU32(stack[1]) != 0
	ptr := api.DecodeU32(stack[2])
	n := api.DecodeU32(stack[3])

	inst := instanceFrom(ctx)
	if inst == nil {
		Logger().Warn("resolve outside of a bridge call", zap.String("module", mod.Name()), zap.Uint32("promise", id))
		return
	}

	payload, err := readBytes(mod.Memory(), ptr, n)
	if err != nil {
		inst.fail(id, err)
		return
	}
	inst.settle(id, payload, ok)
}

func logFn(ctx context.Context, mod api.Module, stack []uint64) {
	line, err := readBytes(mod.Memory(), api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if err != nil {
		Logger().Warn("guest log out of bounds", zap.String("module", mod.Name()), zap.Error(err))
		return
	}

	l := Logger()
	if inst := instanceFrom(ctx); inst != nil {
		l = inst.logger
	}
	l.Info(string(line), zap.String("module", mod.Name()))
}

// exitFn ends the guest's availability the same way WASI proc_exit does.
func exitFn(ctx context.Context, mod api.Module, stack []uint64) {
	code := api.DecodeU32(stack[0])
	_ = mod.CloseWithExitCode(ctx, code)
	panic(sys.NewExitError(code))
}

// wasiFunctions lists the function names wazero's preview1 host module
// exports. The host module is compiled once in a scratch runtime and never
// instantiated.
var wasiFunctions = sync.OnceValue(func() map[string]struct{} {
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	builder := r.NewHostModuleBuilder(wasiModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
	compiled, err := builder.Compile(ctx)
	if err != nil {
		Logger().Error("list wasi functions", zap.Error(err))
		return nil
	}

	names := make(map[string]struct{}, len(compiled.ExportedFunctions()))
	for name := range compiled.ExportedFunctions() {
		names[name] = struct{}{}
	}
	return names
})

// ExitCode extracts the guest exit code from err, if err is an exit.
func ExitCode(err error) (uint32, bool) {
	var exitErr *sys.ExitError
	if !errors.As(err, &exitErr) {
		return 0, false
	}
	return exitErr.ExitCode(), true
}

func exitCodeString(code uint32) string {
	switch code {
	case sys.ExitCodeContextCanceled:
		return "context canceled"
	case sys.ExitCodeDeadlineExceeded:
		return "deadline exceeded"
	default:
		return strconv.FormatUint(uint64(code), 10)
	}
}
