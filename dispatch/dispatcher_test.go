package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/guest"
	"github.com/wippyai/quorum-bridge/lifecycle"
	"github.com/wippyai/quorum-bridge/loader"
)

type fixture struct {
	manager    *lifecycle.Manager
	dispatcher *Dispatcher
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T, wasm []byte) *fixture {
	t.Helper()
	ctx := context.Background()
	e := engine.New(ctx)
	t.Cleanup(func() { e.Close(ctx) })

	l := loader.New(e, engine.NewImportTable(),
		loader.WithFetcher("mock", loader.FetcherFunc(func(context.Context, string) ([]byte, error) {
			return wasm, nil
		})),
	)
	m := lifecycle.New(l, lifecycle.WithTickInterval(time.Millisecond))
	t.Cleanup(func() { m.Close(ctx) })

	core, logs := observer.New(zapcore.InfoLevel)
	return &fixture{
		manager:    m,
		dispatcher: New(m, WithLogger(zap.New(core))),
		logs:       logs,
	}
}

// start loads the module and serves it until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.manager.Load(context.Background(), "mock://lib.bin"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.manager.Serve(ctx)
}

func (f *fixture) outcomes() int {
	n := 0
	for _, msg := range []string{"command resolved", "command rejected", "command failed"} {
		n += f.logs.FilterMessage(msg).Len()
	}
	return n
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatcher_InitiateThenJoin(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	f.start(t)
	ctx := timeout(t)

	res, err := f.dispatcher.InitiateQuorum(ctx, "10.0.0.1:7000")
	if err != nil {
		t.Fatalf("InitiateQuorum: %v", err)
	}
	if !res.OK() || string(res.Value) != guest.MsgInitiated {
		t.Fatalf("initiate = %q, %v", res.Value, res.Err)
	}
	if res.Request.Generation != 1 || res.Request.Name != engine.ExportInitiateQuorum {
		t.Errorf("request = %+v", res.Request)
	}

	res, err = f.dispatcher.JoinGroup(ctx, "seed-42")
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if !res.OK() || string(res.Value) != "seed-42" {
		t.Errorf("join = %q, %v", res.Value, res.Err)
	}

	if got := f.logs.FilterMessage("command resolved").Len(); got != 2 {
		t.Errorf("resolved log lines = %d, want 2", got)
	}
}

func TestDispatcher_JoinBeforeInitiate(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	f.start(t)
	ctx := timeout(t)

	res, err := f.dispatcher.JoinGroup(ctx, "bad-seed")
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if !errors.Is(res.Err, errors.ErrCommandFailed) {
		t.Fatalf("err = %v, want command failed", res.Err)
	}
	if reason := errors.Reason(res.Err); reason != guest.MsgNotInitiated {
		t.Errorf("reason = %q", reason)
	}
	if f.manager.State() != lifecycle.Running || f.manager.Generation() != 1 {
		t.Errorf("lifecycle moved to %s@%d", f.manager.State(), f.manager.Generation())
	}

	entries := f.logs.FilterMessage("command rejected").All()
	if len(entries) != 1 {
		t.Fatalf("rejected log lines = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["reason"]; got != guest.MsgNotInitiated {
		t.Errorf("logged reason = %v", got)
	}
}

func TestDispatcher_GuestRejections(t *testing.T) {
	tests := []struct {
		name   string
		before []string
		cmd    string
		arg    string
		reason string
	}{
		{name: "empty address", cmd: engine.ExportInitiateQuorum, reason: guest.MsgEmptyAddress},
		{name: "join without quorum", cmd: engine.ExportJoinGroup, arg: "seed-42", reason: guest.MsgNotInitiated},
		{
			name:   "empty seed",
			before: []string{"10.0.0.1:7000"},
			cmd:    engine.ExportJoinGroup,
			reason: guest.MsgEmptySeed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, guest.Quorum())
			f.start(t)
			ctx := timeout(t)

			for _, addr := range tt.before {
				if res, err := f.dispatcher.InitiateQuorum(ctx, addr); err != nil || !res.OK() {
					t.Fatalf("setup initiate: %v %v", err, res.Err)
				}
			}
			res, err := f.dispatcher.Dispatch(ctx, tt.cmd, tt.arg)
			if err != nil {
				t.Fatal(err)
			}
			if errors.Reason(res.Err) != tt.reason {
				t.Errorf("reason = %q, want %q", errors.Reason(res.Err), tt.reason)
			}
		})
	}
}

func TestDispatcher_NotReady(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	ctx := timeout(t)

	res, err := f.dispatcher.InitiateQuorum(ctx, "10.0.0.1:7000")
	if !errors.Is(err, errors.ErrNotReady) {
		t.Fatalf("err = %v, want not ready", err)
	}
	if res.Err != err {
		t.Errorf("Result.Err = %v", res.Err)
	}
	if f.logs.FilterMessage("command refused").Len() != 1 {
		t.Error("refusal not logged")
	}
	if f.outcomes() != 0 {
		t.Error("refused command produced an outcome")
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	f.start(t)

	_, err := f.dispatcher.Submit(context.Background(), "leave-group", "")
	if !errors.Is(err, &errors.Error{Kind: errors.KindNotFound}) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDispatcher_CommandIsolation(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	f.start(t)
	ctx := timeout(t)

	failed, err := f.dispatcher.Submit(ctx, engine.ExportJoinGroup, "bad-seed")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.dispatcher.Submit(ctx, engine.ExportInitiateQuorum, "10.0.0.1:7000")
	if err != nil {
		t.Fatal(err)
	}

	if res, _ := failed.Await(ctx); !errors.Is(res.Err, errors.ErrCommandFailed) {
		t.Errorf("join = %v, want command failed", res.Err)
	}
	if res, _ := ok.Await(ctx); !res.OK() {
		t.Errorf("initiate after failed join = %v", res.Err)
	}
	if failed.Request.ID == ok.Request.ID {
		t.Error("requests share an ID")
	}
}

func TestDispatcher_ConcurrentAwaits(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	f.start(t)
	ctx := timeout(t)

	if res, err := f.dispatcher.InitiateQuorum(ctx, "10.0.0.1:7000"); err != nil || !res.OK() {
		t.Fatalf("initiate: %v %v", err, res.Err)
	}

	seeds := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	var wg sync.WaitGroup
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			res, err := f.dispatcher.JoinGroup(ctx, seed)
			if err != nil || string(res.Value) != seed {
				t.Errorf("join %q = %q, %v %v", seed, res.Value, err, res.Err)
			}
		}(seed)
	}
	wg.Wait()

	if got := f.outcomes(); got != len(seeds)+1 {
		t.Errorf("outcome log lines = %d, want %d", got, len(seeds)+1)
	}
}

func TestDispatcher_GenerationEnded(t *testing.T) {
	// Commands are accepted but never resolved.
	g := guest.NewModule()
	g.Memory(1, "memory")
	g.Export("alloc", g.Func(guest.Sig(guest.Params(guest.I32), guest.I32), nil, guest.NewCode().I32Const(1024)))
	command := guest.Sig(guest.Params(guest.I32, guest.I32, guest.I32))
	g.Export(engine.ExportInitiateQuorum, g.Func(command, nil, guest.NewCode()))
	g.Export(engine.ExportJoinGroup, g.Func(command, nil, guest.NewCode()))

	f := newFixture(t, g.Encode())
	f.start(t)
	ctx := timeout(t)

	c, err := f.dispatcher.Submit(ctx, engine.ExportInitiateQuorum, "10.0.0.1:7000")
	if err != nil {
		t.Fatal(err)
	}
	for f.manager.State() != lifecycle.Running {
		time.Sleep(time.Millisecond)
	}
	f.manager.Stop()

	res, err := c.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(res.Err, errors.ErrNotReady) {
		t.Errorf("err = %v, want generation ended", res.Err)
	}
	if f.logs.FilterMessage("command failed").Len() != 1 {
		t.Error("generation end not logged")
	}
}

func TestDispatcher_Subscribe(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	f.start(t)
	ctx := timeout(t)

	var mu sync.Mutex
	var seen []Result
	unsubscribe := f.dispatcher.Subscribe(func(r Result) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})

	if _, err := f.dispatcher.InitiateQuorum(ctx, "10.0.0.1:7000"); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	if _, err := f.dispatcher.JoinGroup(ctx, "seed-42"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Request.Name != engine.ExportInitiateQuorum || !seen[0].OK() {
		t.Errorf("observed = %+v", seen)
	}
}

func TestDispatcher_AwaitAbandon(t *testing.T) {
	f := newFixture(t, guest.Quorum())
	// Loaded but not running: the call stays queued.
	if err := f.manager.Load(context.Background(), "mock://lib.bin"); err != nil {
		t.Fatal(err)
	}
	c, err := f.dispatcher.Submit(context.Background(), engine.ExportInitiateQuorum, "10.0.0.1:7000")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Await(ctx); err != context.Canceled {
		t.Errorf("Await = %v, want context.Canceled", err)
	}

	// The call still runs once the instance does.
	go f.manager.Serve(timeout(t))
	res, err := c.Await(timeout(t))
	if err != nil || !res.OK() {
		t.Errorf("after abandon: %v %v", err, res.Err)
	}
}
