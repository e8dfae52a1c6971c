package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/guest"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	if cfg.MemoryLimitPages != 0 {
		t.Errorf("expected default MemoryLimitPages 0, got %d", cfg.MemoryLimitPages)
	}
}

func TestNewWithConfig(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		cfg  *Config
		name string
	}{
		{nil, "nil config"},
		{&Config{}, "default config"},
		{&Config{MemoryLimitPages: 256}, "16MB limit"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewWithConfig(ctx, tc.cfg)
			defer e.Close(ctx)

			if e.runtime == nil {
				t.Error("engine runtime should not be nil")
			}
		})
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e := New(ctx)
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func compileQuorum(t *testing.T, e *Engine, opts ...guest.QuorumOption) *Module {
	t.Helper()
	m, err := e.Compile(context.Background(), "quorum.wasm", guest.Quorum(opts...))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return m
}

func TestCompile_Invalid(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Compile(context.Background(), "lib.bin", []byte("not a module"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errors.ErrLoad) {
		t.Errorf("error %v is not a load error", err)
	}
	if !strings.Contains(err.Error(), "lib.bin") {
		t.Errorf("error %q should name the source", err)
	}
}

func TestModule_Surface(t *testing.T) {
	e := newTestEngine(t)
	m := compileQuorum(t, e)

	if m.Name() != "quorum.wasm" {
		t.Errorf("Name = %q", m.Name())
	}
	if !m.HasMemory() {
		t.Error("quorum guest exports memory")
	}
	if m.Size() == 0 {
		t.Error("Size should be recorded")
	}

	imports := m.Imports()
	if len(imports) != 2 || imports[0].String() != "bridge#resolve" || imports[1].String() != "bridge#log" {
		t.Errorf("Imports = %v", imports)
	}

	want := []string{"_initialize", "alloc", "initiate-quorum", "join-group", "poll"}
	got := m.Exports()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Exports = %v, want %v", got, want)
	}

	if err := DefaultABI().Check(m); err != nil {
		t.Errorf("ABI check: %v", err)
	}
}

func TestModule_CheckImports(t *testing.T) {
	e := newTestEngine(t)

	g := guest.NewModule()
	g.Import("bridge", "resolve", guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32, guest.I32)))
	g.Import("bridge", "nonexistent", guest.Sig(nil))
	g.Import("env", "abort", guest.Sig(nil))
	g.Import("wasi_snapshot_preview1", "fd_write", guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32, guest.I32), guest.I32))
	g.Import("wasi_snapshot_preview1", "fd_wirte", guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32, guest.I32), guest.I32))

	m, err := e.Compile(context.Background(), "lib.bin", g.Encode())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	err = m.CheckImports(NewImportTable())
	if err == nil {
		t.Fatal("expected missing imports")
	}
	if !errors.Is(err, errors.ErrLoad) {
		t.Errorf("missing imports should be a load error: %v", err)
	}
	var missing *errors.MissingImportsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingImportsError, got %T", err)
	}
	if len(missing.Imports) != 3 {
		t.Errorf("missing = %+v, want bridge#nonexistent, env#abort and wasi_snapshot_preview1#fd_wirte", missing.Imports)
	}

	if err := m.CheckImports(NewImportTable(WithoutWASI())); err == nil {
		t.Error("WASI import should be missing without WASI")
	} else if errors.As(err, &missing) && len(missing.Imports) != 4 {
		t.Errorf("missing = %+v", missing.Imports)
	}
}

func TestABI_Check(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	noMemory := guest.NewModule()
	noMemory.Export("alloc", noMemory.Func(guest.Sig(guest.Params(guest.I32), guest.I32), nil, guest.NewCode().LocalGet(0)))

	noJoin := guest.NewModule()
	noJoin.Memory(1, "memory")
	noJoin.Export("alloc", noJoin.Func(guest.Sig(guest.Params(guest.I32), guest.I32), nil, guest.NewCode().LocalGet(0)))
	noJoin.Export("initiate-quorum", noJoin.Func(guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32)), nil, guest.NewCode()))

	badSig := guest.NewModule()
	badSig.Memory(1, "memory")
	badSig.Export("alloc", badSig.Func(guest.Sig(guest.Params(guest.I32), guest.I32), nil, guest.NewCode().LocalGet(0)))
	badSig.Export("initiate-quorum", badSig.Func(guest.Sig(guest.Params(guest.I32)), nil, guest.NewCode()))
	badSig.Export("join-group", badSig.Func(guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32)), nil, guest.NewCode()))

	badPoll := guest.Quorum()

	tests := []struct {
		name string
		wasm []byte
		kind errors.Kind
		abi  ABI
	}{
		{"no memory", noMemory.Encode(), errors.KindMissingExport, DefaultABI()},
		{"missing command", noJoin.Encode(), errors.KindMissingExport, DefaultABI()},
		{"signature mismatch", badSig.Encode(), errors.KindSignatureMismatch, DefaultABI()},
		{"poll signature", badPoll, errors.KindSignatureMismatch, ABI{Alloc: "alloc", Poll: "join-group"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := e.Compile(ctx, tt.name, tt.wasm)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			err = tt.abi.Check(m)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, &errors.Error{Kind: tt.kind}) {
				t.Errorf("error %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	sig := Command("join-group")
	params, results := sig.Core()
	if got := TypeName(params, results); got != "(i32,i32,i32) -> ()" {
		t.Errorf("TypeName = %q", got)
	}

	abi := DefaultABI()
	if _, ok := abi.Command("initiate-quorum"); !ok {
		t.Error("initiate-quorum should be a command")
	}
	if _, ok := abi.Command("poll"); ok {
		t.Error("poll is not a command")
	}
}

func instantiate(t *testing.T, m *Module, table *ImportTable, gen uint64) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := m.Instantiate(ctx, table, InstanceConfig{Generation: gen})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

func TestInstance_Invoke(t *testing.T) {
	e := newTestEngine(t)
	m := compileQuorum(t, e)
	inst := instantiate(t, m, NewImportTable(), 1)
	ctx := context.Background()

	tests := []struct {
		name    string
		export  string
		arg     string
		want    string
		failure bool
	}{
		{"join before initiate", ExportJoinGroup, "bad-seed", guest.MsgNotInitiated, true},
		{"initiate", ExportInitiateQuorum, "10.0.0.1:7000", guest.MsgInitiated, false},
		{"join", ExportJoinGroup, "seed-42", "seed-42", false},
		{"join empty", ExportJoinGroup, "", guest.MsgEmptySeed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fut := NewFuture(tt.export, inst.Generation())
			if err := inst.Invoke(ctx, fut, tt.arg); err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			select {
			case <-fut.Done():
			default:
				t.Fatal("mock guest resolves synchronously")
			}

			value, err := fut.Await(ctx)
			if tt.failure {
				if !errors.Is(err, errors.ErrCommandFailed) {
					t.Fatalf("err = %v, want command failure", err)
				}
				if errors.Reason(err) != tt.want {
					t.Errorf("reason = %q, want %q", errors.Reason(err), tt.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Await: %v", err)
			}
			if string(value) != tt.want {
				t.Errorf("value = %q, want %q", value, tt.want)
			}
		})
	}

	if inst.Pending() != 0 {
		t.Errorf("Pending = %d after synchronous resolutions", inst.Pending())
	}
}

func TestInstance_IndependentState(t *testing.T) {
	e := newTestEngine(t)
	m := compileQuorum(t, e)
	table := NewImportTable()
	ctx := context.Background()

	first := instantiate(t, m, table, 1)
	second := instantiate(t, m, table, 2)
	if first.Name() == second.Name() {
		t.Fatalf("instances share name %q", first.Name())
	}

	fut := NewFuture(ExportInitiateQuorum, 1)
	if err := first.Invoke(ctx, fut, "10.0.0.1:7000"); err != nil {
		t.Fatal(err)
	}

	fut = NewFuture(ExportJoinGroup, 2)
	if err := second.Invoke(ctx, fut, "seed-42"); err != nil {
		t.Fatal(err)
	}
	if _, err := fut.Await(ctx); errors.Reason(err) != guest.MsgNotInitiated {
		t.Errorf("second instance saw first's state: %v", err)
	}
}

func TestInstance_CallTrap(t *testing.T) {
	e := newTestEngine(t)

	g := guest.NewModule()
	g.Export("_initialize", g.Func(guest.Sig(nil), nil, guest.NewCode().Unreachable()))
	m, err := e.Compile(context.Background(), "trap.wasm", g.Encode())
	if err != nil {
		t.Fatal(err)
	}
	inst := instantiate(t, m, NewImportTable(), 3)

	_, err = inst.Call(context.Background(), "_initialize")
	if !errors.Is(err, errors.ErrTrap) {
		t.Fatalf("err = %v, want trap", err)
	}
	if _, ok := ExitCode(err); ok {
		t.Error("trap should not be an exit")
	}

	if _, err := inst.Call(context.Background(), "missing"); !errors.Is(err, &errors.Error{Kind: errors.KindMissingExport}) {
		t.Errorf("missing export err = %v", err)
	}
}

func TestInstance_BridgeExit(t *testing.T) {
	e := newTestEngine(t)

	g := guest.NewModule()
	exit := g.Import(BridgeModule, "exit", guest.Sig(guest.Params(guest.I32)))
	g.Export("_initialize", g.Func(guest.Sig(nil), nil, guest.NewCode().I32Const(3).Call(exit)))
	m, err := e.Compile(context.Background(), "exit.wasm", g.Encode())
	if err != nil {
		t.Fatal(err)
	}
	inst := instantiate(t, m, NewImportTable(), 1)

	_, err = inst.Call(context.Background(), "_initialize")
	code, ok := ExitCode(err)
	if !ok || code != 3 {
		t.Fatalf("ExitCode(%v) = %d, %v", err, code, ok)
	}
	if !inst.Closed() {
		t.Error("instance should be closed after exit")
	}
}

func TestInstance_RejectPending(t *testing.T) {
	e := newTestEngine(t)

	// A guest that never resolves its promises.
	g := guest.NewModule()
	g.Memory(1, "memory")
	g.Export("alloc", g.Func(guest.Sig(guest.Params(guest.I32), guest.I32), nil, guest.NewCode().I32Const(64)))
	g.Export(ExportInitiateQuorum, g.Func(guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32)), nil, guest.NewCode()))
	m, err := e.Compile(context.Background(), "silent.wasm", g.Encode())
	if err != nil {
		t.Fatal(err)
	}
	inst := instantiate(t, m, NewImportTable(), 5)
	ctx := context.Background()

	futs := []*Future{NewFuture(ExportInitiateQuorum, 5), NewFuture(ExportInitiateQuorum, 5)}
	for _, fut := range futs {
		if err := inst.Invoke(ctx, fut, "10.0.0.1:7000"); err != nil {
			t.Fatal(err)
		}
	}
	if inst.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", inst.Pending())
	}

	if n := inst.RejectPending(nil); n != 2 {
		t.Errorf("RejectPending = %d, want 2", n)
	}
	for _, fut := range futs {
		_, err := fut.Await(ctx)
		if !errors.Is(err, errors.ErrNotReady) {
			t.Errorf("err = %v, want not ready", err)
		}
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatal(err)
	}
	fut := NewFuture(ExportInitiateQuorum, 5)
	if err := inst.Invoke(ctx, fut, ""); err == nil {
		t.Error("Invoke on closed instance should fail")
	}
	if _, settled, _ := fut.Result(); !settled {
		t.Error("future should be rejected")
	}
}

func TestImportTable(t *testing.T) {
	extra := HostModule{
		Name: "test",
		Funcs: []HostFunction{{
			Name:    "gate",
			Fn:      func(_ context.Context, _ api.Module, stack []uint64) { stack[0] = 1 },
			Results: []api.ValueType{api.ValueTypeI32},
		}},
	}
	table := NewImportTable(WithHostModule(extra), WithArgs("quorum"), WithEnv(map[string]string{"A": "1"}))

	tests := []struct {
		module, name string
		want         bool
	}{
		{BridgeModule, "resolve", true},
		{BridgeModule, "log", true},
		{BridgeModule, "exit", true},
		{BridgeModule, "nonexistent", false},
		{"test", "gate", true},
		{wasiModuleName, "fd_write", true},
		{wasiModuleName, "proc_exit", true},
		{wasiModuleName, "fd_wirte", false},
		{wasiModuleName, "reset_adapter_state", false},
		{"env", "abort", false},
	}
	for _, tt := range tests {
		if got := table.Provides(tt.module, tt.name); got != tt.want {
			t.Errorf("Provides(%s, %s) = %v, want %v", tt.module, tt.name, got, tt.want)
		}
	}

	mods := table.Modules()
	if len(mods) != 3 || mods[0] != BridgeModule || mods[1] != "test" || mods[2] != wasiModuleName {
		t.Errorf("Modules = %v", mods)
	}
}

func TestEngine_InstallIdempotent(t *testing.T) {
	e := newTestEngine(t)
	table := NewImportTable()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.Install(ctx, table); err != nil {
			t.Fatalf("Install #%d: %v", i, err)
		}
	}
}

func TestBridgeLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := newTestEngine(t)
	m := compileQuorum(t, e)
	ctx := context.Background()

	inst, err := m.Instantiate(ctx, NewImportTable(), InstanceConfig{Generation: 1, Logger: zap.New(core)})
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close(ctx)

	if _, err := inst.Call(ctx, "_initialize"); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage(guest.MsgReady).All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["generation"] != uint64(1) {
		t.Errorf("log context = %v", entries[0].ContextMap())
	}
}

func TestWASIStdout(t *testing.T) {
	var out bytes.Buffer
	e := newTestEngine(t)
	ctx := context.Background()

	// fd_write(1, iovs=0, iovs_len=1, nwritten=8) with the iovec pointing at "hi\n".
	g := guest.NewModule()
	fdWrite := g.Import("wasi_snapshot_preview1", "fd_write",
		guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32, guest.I32), guest.I32))
	g.Memory(1, "memory")
	g.Data(0, []byte{16, 0, 0, 0, 3, 0, 0, 0})
	g.Data(16, []byte("hi\n"))
	g.Export("_start", g.Func(guest.Sig(nil), nil, guest.NewCode().
		I32Const(1).I32Const(0).I32Const(1).I32Const(8).Call(fdWrite).Drop()))

	m, err := e.Compile(ctx, "hello.wasm", g.Encode())
	if err != nil {
		t.Fatal(err)
	}
	inst := instantiate(t, m, NewImportTable(WithStdout(&out)), 1)
	if _, err := inst.Call(ctx, "_start"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hi\n" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestFuture(t *testing.T) {
	ctx := context.Background()

	t.Run("settles once", func(t *testing.T) {
		fut := NewFuture("join-group", 2)
		if !fut.Resolve([]byte("ok")) {
			t.Fatal("first Resolve should win")
		}
		if fut.Reject(errors.NotReady("ready")) {
			t.Error("Reject after Resolve should be ignored")
		}
		value, err := fut.Await(ctx)
		if err != nil || string(value) != "ok" {
			t.Errorf("Await = %q, %v", value, err)
		}
		if fut.Export() != "join-group" || fut.Generation() != 2 {
			t.Errorf("metadata = %s, %d", fut.Export(), fut.Generation())
		}
	})

	t.Run("callbacks", func(t *testing.T) {
		fut := NewFuture("initiate-quorum", 1)
		var calls []string
		fut.OnSettle(func(v []byte, err error) { calls = append(calls, "before:"+string(v)) })
		fut.Resolve([]byte("x"))
		fut.OnSettle(func(v []byte, err error) { calls = append(calls, "after:"+string(v)) })
		if strings.Join(calls, ",") != "before:x,after:x" {
			t.Errorf("calls = %v", calls)
		}
	})

	t.Run("await honours caller context", func(t *testing.T) {
		fut := NewFuture("initiate-quorum", 1)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if _, err := fut.Await(cctx); err != context.DeadlineExceeded {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
		if _, settled, _ := fut.Result(); settled {
			t.Error("abandoning the wait must not settle the future")
		}
	})
}
