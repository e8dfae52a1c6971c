package gate

import (
	"sync"

	"github.com/wippyai/quorum-bridge/dispatch"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/lifecycle"
)

// Affordances are the actions a user interface may currently offer.
type Affordances struct {
	CanInitiate bool
	CanJoin     bool
}

// Listener is notified with the new affordances whenever they change.
type Listener func(Affordances)

// Gate derives Affordances from lifecycle events and command outcomes.
//
// Initiate becomes available once the manager first reaches Ready. Join is
// available only after an initiate of the current generation resolved.
// A load failure disables both until a later load succeeds; a fatal reset
// disables both for good.
type Gate struct {
	listeners map[int]Listener
	initiate  string
	gen       uint64
	nextID    int
	current   Affordances
	ready     bool
	initiated  bool
	loadFailed bool
	halted     bool
	mu         sync.Mutex
}

// New creates a gate that treats initiate as the export whose success
// enables joining.
func New(initiate string) *Gate {
	return &Gate{
		initiate:  initiate,
		listeners: make(map[int]Listener),
	}
}

// Attach wires the gate to m and d and returns a function that detaches it.
func (g *Gate) Attach(m *lifecycle.Manager, d *dispatch.Dispatcher) (detach func()) {
	offEvents := m.Subscribe(g.Observe)
	offResults := d.Subscribe(func(r dispatch.Result) {
		g.CommandResolved(r.Request.Name, r.Request.Generation, r.Err)
	})
	return func() {
		offEvents()
		offResults()
	}
}

// Affordances returns the current affordances.
func (g *Gate) Affordances() Affordances {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Halted reports whether a fatal reset disabled the gate.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Subscribe registers fn and returns a function that removes it.
func (g *Gate) Subscribe(fn Listener) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Observe applies a lifecycle event.
func (g *Gate) Observe(ev lifecycle.Event) {
	g.mu.Lock()
	switch {
	case errors.Is(ev.Err, errors.ErrLifecycleFatal):
		g.halted = true
	case ev.Err != nil:
		g.loadFailed = true
		g.ready = false
	case ev.State == lifecycle.Ready:
		g.ready = true
		if ev.Previous == lifecycle.Unloaded {
			g.loadFailed = false
		}
		if ev.Generation != g.gen {
			g.gen = ev.Generation
			g.initiated = false
		}
	case ev.State == lifecycle.AwaitingReset:
		// The generation is over; late outcomes must not re-enable join.
		g.gen = 0
		g.initiated = false
	case ev.State == lifecycle.Unloaded:
		g.ready = false
		g.gen = 0
		g.initiated = false
	}
	g.update()
}

// CommandResolved applies the outcome of export in generation gen.
// Outcomes of a superseded generation are ignored.
func (g *Gate) CommandResolved(export string, gen uint64, err error) {
	g.mu.Lock()
	if export == g.initiate && err == nil && gen == g.gen {
		g.initiated = true
	}
	g.update()
}

// update recomputes the affordances, releases mu and notifies listeners
// when they changed. Callers hold mu.
func (g *Gate) update() {
	next := Affordances{
		CanInitiate: g.ready && !g.halted && !g.loadFailed,
		CanJoin:     g.ready && g.initiated && !g.halted && !g.loadFailed,
	}
	if next == g.current {
		g.mu.Unlock()
		return
	}
	g.current = next

	listeners := make([]Listener, 0, len(g.listeners))
	for id := 0; id < g.nextID; id++ {
		if fn, ok := g.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}
