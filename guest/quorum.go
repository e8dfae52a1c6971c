package guest

// Messages the mock quorum guest resolves or logs with.
const (
	MsgInitiated    = "quorum initiated"
	MsgEmptyAddress = "empty bootstrap address"
	MsgNotInitiated = "quorum not initiated"
	MsgEmptySeed    = "empty seed token"
	MsgReady        = "quorum guest ready"
)

const (
	heapBase         = 1024
	quorumMemoryPage = 2
)

type quorumConfig struct {
	initiate string
	join     string
	entry    string
	polls    int32
}

// QuorumOption customises the mock quorum guest.
type QuorumOption func(*quorumConfig)

// WithPolls makes poll report the guest alive n times and end the run on
// the following tick. n <= 0 keeps the guest alive indefinitely.
func WithPolls(n int32) QuorumOption {
	return func(c *quorumConfig) { c.polls = n }
}

// WithCommandNames renames the two command exports.
func WithCommandNames(initiate, join string) QuorumOption {
	return func(c *quorumConfig) {
		c.initiate = initiate
		c.join = join
	}
}

// WithEntry renames the entry point export. An empty name omits it.
func WithEntry(name string) QuorumOption {
	return func(c *quorumConfig) { c.entry = name }
}

// Quorum returns the mock quorum guest binary.
//
// initiate-quorum rejects an empty address, otherwise marks the quorum as
// initiated and resolves with MsgInitiated. join-group rejects until a
// quorum was initiated in the same instance, rejects an empty seed, and
// otherwise resolves with the seed echoed back. Both settle their promise
// before returning.
func Quorum(opts ...QuorumOption) []byte {
	cfg := quorumConfig{
		initiate: "initiate-quorum",
		join:     "join-group",
		entry:    "_initialize",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return buildQuorum(cfg).Encode()
}

type message struct {
	offset uint32
	length int32
}

func buildQuorum(cfg quorumConfig) *Module {
	m := NewModule()

	resolve := m.Import("bridge", "resolve", Sig(Params(I32, I32, I32, I32)))
	log := m.Import("bridge", "log", Sig(Params(I32, I32)))

	m.Memory(quorumMemoryPage, "memory")

	msgs := make(map[string]message)
	offset := uint32(16)
	for _, s := range []string{MsgInitiated, MsgEmptyAddress, MsgNotInitiated, MsgEmptySeed, MsgReady} {
		m.Data(offset, []byte(s))
		msgs[s] = message{offset: offset, length: int32(len(s))}
		offset += uint32(len(s)+15) &^ 15
	}

	heap := m.Global(I32, true, heapBase)
	initiated := m.Global(I32, true, 0)
	pollsLeft := m.Global(I32, true, cfg.polls)

	reject := func(c *Code, msg string) *Code {
		return c.LocalGet(0).
			I32Const(0).
			I32Const(int32(msgs[msg].offset)).
			I32Const(msgs[msg].length).
			Call(resolve)
	}

	// alloc(size) -> ptr, bump allocation that wraps to the heap base.
	alloc := m.Func(Sig(Params(I32), I32), []ValType{I32}, NewCode().
		GlobalGet(heap).LocalGet(0).I32Add().
		I32Const(quorumMemoryPage*PageSize).I32GtU().
		If().
		I32Const(heapBase).GlobalSet(heap).
		End().
		GlobalGet(heap).LocalSet(1).
		GlobalGet(heap).LocalGet(0).I32Add().GlobalSet(heap).
		LocalGet(1))
	m.Export("alloc", alloc)

	command := Sig(Params(I32, I32, I32))

	initiate := NewCode().LocalGet(2).I32Eqz().If()
	reject(initiate, MsgEmptyAddress).Return().End()
	initiate.I32Const(1).GlobalSet(initiated).
		LocalGet(0).
		I32Const(1).
		I32Const(int32(msgs[MsgInitiated].offset)).
		I32Const(msgs[MsgInitiated].length).
		Call(resolve)
	m.Export(cfg.initiate, m.Func(command, nil, initiate))

	join := NewCode().GlobalGet(initiated).I32Eqz().If()
	reject(join, MsgNotInitiated).Return().End()
	join.LocalGet(2).I32Eqz().If()
	reject(join, MsgEmptySeed).Return().End()
	join.LocalGet(0).I32Const(1).LocalGet(1).LocalGet(2).Call(resolve)
	m.Export(cfg.join, m.Func(command, nil, join))

	if cfg.entry != "" {
		m.Export(cfg.entry, m.Func(Sig(nil), nil, NewCode().
			I32Const(int32(msgs[MsgReady].offset)).
			I32Const(msgs[MsgReady].length).
			Call(log)))
	}

	poll := NewCode()
	if cfg.polls > 0 {
		poll.GlobalGet(pollsLeft).I32Eqz().If().
			I32Const(0).Return().
			End().
			GlobalGet(pollsLeft).I32Const(1).I32Sub().GlobalSet(pollsLeft)
	}
	poll.I32Const(1)
	m.Export("poll", m.Func(Sig(nil, I32), nil, poll))

	return m
}
