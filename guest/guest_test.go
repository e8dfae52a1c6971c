package guest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestWriter_LEB128(t *testing.T) {
	tests := []struct {
		name  string
		write func(*writer)
		want  []byte
	}{
		{"u32 zero", func(w *writer) { w.WriteU32(0) }, []byte{0x00}},
		{"u32 127", func(w *writer) { w.WriteU32(127) }, []byte{0x7f}},
		{"u32 128", func(w *writer) { w.WriteU32(128) }, []byte{0x80, 0x01}},
		{"u32 624485", func(w *writer) { w.WriteU32(624485) }, []byte{0xe5, 0x8e, 0x26}},
		{"s32 zero", func(w *writer) { w.WriteS32(0) }, []byte{0x00}},
		{"s32 63", func(w *writer) { w.WriteS32(63) }, []byte{0x3f}},
		{"s32 64", func(w *writer) { w.WriteS32(64) }, []byte{0xc0, 0x00}},
		{"s32 -1", func(w *writer) { w.WriteS32(-1) }, []byte{0x7f}},
		{"s32 -123456", func(w *writer) { w.WriteS32(-123456) }, []byte{0xc0, 0xbb, 0x78}},
		{"name", func(w *writer) { w.WriteName("abc") }, []byte{0x03, 'a', 'b', 'c'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w writer
			tt.write(&w)
			if !bytes.Equal(w.Bytes(), tt.want) {
				t.Errorf("got % x, want % x", w.Bytes(), tt.want)
			}
		})
	}
}

func TestEncodeEmptyModule(t *testing.T) {
	data := NewModule().Encode()
	if len(data) != 8 {
		t.Fatalf("expected 8 bytes for empty module, got %d", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0x00, 0x61, 0x73, 0x6D}) {
		t.Error("invalid magic number")
	}
	if !bytes.Equal(data[4:8], []byte{0x01, 0x00, 0x00, 0x00}) {
		t.Error("invalid version")
	}
}

func TestModule_TypeDedup(t *testing.T) {
	m := NewModule()
	m.Import("bridge", "log", Sig(Params(I32, I32)))
	m.Import("env", "other", Sig(Params(I32, I32)))
	m.Func(Sig(nil), nil, NewCode())
	m.Func(Sig(nil), nil, NewCode())

	if len(m.types) != 2 {
		t.Errorf("types = %d, want 2", len(m.types))
	}
}

func TestModule_ImportAfterFuncPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	m := NewModule()
	m.Func(Sig(nil), nil, NewCode())
	m.Import("bridge", "log", Sig(Params(I32, I32)))
}

func TestModule_CompilesWithWazero(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	m := NewModule()
	m.Memory(1, "memory")
	counter := m.Global(I32, true, 40)
	add := m.Func(Sig(Params(I32), I32), nil, NewCode().
		GlobalGet(counter).LocalGet(0).I32Add().GlobalSet(counter).
		GlobalGet(counter))
	m.Export("add", add)
	m.Data(8, []byte("hello"))

	mod, err := r.Instantiate(ctx, m.Encode())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	results, err := mod.ExportedFunction("add").Call(ctx, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 42 {
		t.Errorf("add(2) = %d, want 42", got)
	}

	data, ok := mod.Memory().Read(8, 5)
	if !ok || string(data) != "hello" {
		t.Errorf("data segment = %q, %v", data, ok)
	}
}

func TestModule_StartFunction(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	m := NewModule()
	flag := m.Global(I32, true, 0)
	start := m.Func(Sig(nil), nil, NewCode().I32Const(7).GlobalSet(flag))
	get := m.Func(Sig(nil, I32), nil, NewCode().GlobalGet(flag))
	m.Start(start)
	m.Export("get", get)

	mod, err := r.Instantiate(ctx, m.Encode())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	results, err := mod.ExportedFunction("get").Call(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if results[0] != 7 {
		t.Errorf("start function did not run, got %d", results[0])
	}
}

type resolution struct {
	promise uint32
	ok      bool
	payload string
}

// quorumHarness instantiates the mock guest against a recording bridge.
type quorumHarness struct {
	mod      api.Module
	resolved []resolution
	logs     []string
}

func newQuorumHarness(t *testing.T, opts ...QuorumOption) *quorumHarness {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	h := &quorumHarness{}
	_, err := r.NewHostModuleBuilder("bridge").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			data, _ := mod.Memory().Read(api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
			h.resolved = append(h.resolved, resolution{
				promise: api.DecodeU32(stack[0]),
				ok:      stack[1] != 0,
				payload: string(data),
			})
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("resolve").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			data, _ := mod.Memory().Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			h.logs = append(h.logs, string(data))
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}

	h.mod, err = r.Instantiate(ctx, Quorum(opts...))
	if err != nil {
		t.Fatalf("Instantiate quorum: %v", err)
	}
	return h
}

func (h *quorumHarness) call(t *testing.T, export string, promise uint32, arg string) resolution {
	t.Helper()
	ctx := context.Background()

	var ptr uint64
	if arg != "" {
		res, err := h.mod.ExportedFunction("alloc").Call(ctx, uint64(len(arg)))
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		ptr = res[0]
		if !h.mod.Memory().Write(uint32(ptr), []byte(arg)) {
			t.Fatalf("write arg out of bounds at %d", ptr)
		}
	}

	before := len(h.resolved)
	if _, err := h.mod.ExportedFunction(export).Call(ctx, uint64(promise), ptr, uint64(len(arg))); err != nil {
		t.Fatalf("%s: %v", export, err)
	}
	if len(h.resolved) != before+1 {
		t.Fatalf("%s resolved %d promises, want 1", export, len(h.resolved)-before)
	}
	return h.resolved[len(h.resolved)-1]
}

func TestQuorum_Commands(t *testing.T) {
	h := newQuorumHarness(t)

	got := h.call(t, "join-group", 1, "seed-42")
	if got.ok || got.payload != MsgNotInitiated {
		t.Errorf("join before initiate = %+v", got)
	}

	got = h.call(t, "initiate-quorum", 2, "")
	if got.ok || got.payload != MsgEmptyAddress {
		t.Errorf("initiate with empty address = %+v", got)
	}

	got = h.call(t, "initiate-quorum", 3, "10.0.0.1:7000")
	if !got.ok || got.payload != MsgInitiated || got.promise != 3 {
		t.Errorf("initiate = %+v", got)
	}

	got = h.call(t, "join-group", 4, "")
	if got.ok || got.payload != MsgEmptySeed {
		t.Errorf("join with empty seed = %+v", got)
	}

	got = h.call(t, "join-group", 5, "seed-42")
	if !got.ok || got.payload != "seed-42" {
		t.Errorf("join = %+v", got)
	}
}

func TestQuorum_Entry(t *testing.T) {
	h := newQuorumHarness(t)
	if _, err := h.mod.ExportedFunction("_initialize").Call(context.Background()); err != nil {
		t.Fatalf("_initialize: %v", err)
	}
	if len(h.logs) != 1 || h.logs[0] != MsgReady {
		t.Errorf("logs = %q", h.logs)
	}

	h = newQuorumHarness(t, WithEntry(""))
	if h.mod.ExportedFunction("_initialize") != nil {
		t.Error("entry should be omitted")
	}
}

func TestQuorum_Polls(t *testing.T) {
	tests := []struct {
		name  string
		polls int32
		want  []uint64
	}{
		{"unlimited", 0, []uint64{1, 1, 1, 1}},
		{"three", 3, []uint64{1, 1, 1, 0}},
		{"one", 1, []uint64{1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newQuorumHarness(t, WithPolls(tt.polls))
			poll := h.mod.ExportedFunction("poll")
			for i, want := range tt.want {
				res, err := poll.Call(context.Background())
				if err != nil {
					t.Fatalf("poll: %v", err)
				}
				if res[0] != want {
					t.Errorf("tick %d: poll = %d, want %d", i, res[0], want)
				}
			}
		})
	}
}

func TestQuorum_CommandNames(t *testing.T) {
	h := newQuorumHarness(t, WithCommandNames("start", "join"))
	if h.mod.ExportedFunction("start") == nil || h.mod.ExportedFunction("join") == nil {
		t.Fatal("renamed exports missing")
	}
	if h.mod.ExportedFunction("initiate-quorum") != nil {
		t.Error("default export name should be gone")
	}
}

func TestQuorum_AllocWraps(t *testing.T) {
	h := newQuorumHarness(t)
	alloc := h.mod.ExportedFunction("alloc")
	ctx := context.Background()

	first, err := alloc.Call(ctx, 60000)
	if err != nil {
		t.Fatal(err)
	}
	if first[0] != heapBase {
		t.Errorf("first alloc = %d, want %d", first[0], heapBase)
	}
	if _, err := alloc.Call(ctx, 60000); err != nil {
		t.Fatal(err)
	}
	third, err := alloc.Call(ctx, 60000)
	if err != nil {
		t.Fatal(err)
	}
	if third[0] != heapBase {
		t.Errorf("alloc past end of memory = %d, want wrap to %d", third[0], heapBase)
	}
}
