package guest

import "fmt"

// Binary format constants
const (
	magic   uint32 = 0x6D736100 // "\0asm"
	version uint32 = 0x01

	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionStart    byte = 8
	sectionCode     byte = 10
	sectionData     byte = 11

	kindFunc   byte = 0x00
	kindMemory byte = 0x02

	funcTypeByte byte = 0x60
)

// PageSize is the size of one linear memory page.
const PageSize = 65536

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

// FuncType is a core function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Sig is shorthand for a FuncType.
func Sig(params []ValType, results ...ValType) FuncType {
	return FuncType{Params: params, Results: results}
}

// Params is shorthand for a parameter list.
func Params(types ...ValType) []ValType { return types }

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type function struct {
	body   *Code
	locals []ValType
	typ    uint32
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type global struct {
	typ     ValType
	mutable bool
	init    int32
}

type segment struct {
	init   []byte
	offset uint32
}

// Module builds a small core module. Function indices follow the binary
// format: imports first, then defined functions, so every Import call
// must precede the first Func call.
type Module struct {
	start     *uint32
	types     []FuncType
	imports   []funcImport
	funcs     []function
	exports   []export
	globals   []global
	data      []segment
	memPages  uint32
	hasMemory bool
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{}
}

func (m *Module) typeIndex(ft FuncType) uint32 {
	for i, t := range m.types {
		if sameVals(t.Params, ft.Params) && sameVals(t.Results, ft.Results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic(fmt.Sprintf("guest: import %s#%s declared after a defined function", module, name))
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: m.typeIndex(ft)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its function index. Locals are
// declared beyond the parameters.
func (m *Module) Func(ft FuncType, locals []ValType, body *Code) uint32 {
	m.funcs = append(m.funcs, function{typ: m.typeIndex(ft), locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports function idx under name.
func (m *Module) Export(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
}

// Memory declares the single linear memory with a fixed page count and
// exports it under name when name is not empty.
func (m *Module) Memory(pages uint32, name string) {
	m.hasMemory = true
	m.memPages = pages
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: kindMemory})
	}
}

// Global declares a global initialised to init and returns its index.
func (m *Module) Global(t ValType, mutable bool, init int32) uint32 {
	m.globals = append(m.globals, global{typ: t, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// Data places init at offset in memory 0.
func (m *Module) Data(offset uint32, init []byte) {
	m.data = append(m.data, segment{offset: offset, init: init})
}

// Start sets the start function, run during instantiation.
func (m *Module) Start(idx uint32) {
	m.start = &idx
}

// Encode renders the module in the binary format.
func (m *Module) Encode() []byte {
	var w writer
	writeU32LE(&w, magic)
	writeU32LE(&w, version)

	if len(m.types) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.types)))
		for _, ft := range m.types {
			sec.Byte(funcTypeByte)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		w.section(sectionType, &sec)
	}

	if len(m.imports) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.WriteName(imp.module)
			sec.WriteName(imp.name)
			sec.Byte(kindFunc)
			sec.WriteU32(imp.typ)
		}
		w.section(sectionImport, &sec)
	}

	if len(m.funcs) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.funcs)))
		for _, fn := range m.funcs {
			sec.WriteU32(fn.typ)
		}
		w.section(sectionFunction, &sec)
	}

	if m.hasMemory {
		var sec writer
		sec.WriteU32(1)
		sec.Byte(0x01) // limits with max
		sec.WriteU32(m.memPages)
		sec.WriteU32(m.memPages)
		w.section(sectionMemory, &sec)
	}

	if len(m.globals) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.Byte(byte(g.typ))
			if g.mutable {
				sec.Byte(0x01)
			} else {
				sec.Byte(0x00)
			}
			sec.WriteBytes(NewCode().I32Const(g.init).End().Bytes())
		}
		w.section(sectionGlobal, &sec)
	}

	if len(m.exports) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.exports)))
		for _, exp := range m.exports {
			sec.WriteName(exp.name)
			sec.Byte(exp.kind)
			sec.WriteU32(exp.idx)
		}
		w.section(sectionExport, &sec)
	}

	if m.start != nil {
		var sec writer
		sec.WriteU32(*m.start)
		w.section(sectionStart, &sec)
	}

	if len(m.funcs) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.funcs)))
		for _, fn := range m.funcs {
			var body writer
			body.WriteU32(uint32(len(fn.locals)))
			for _, l := range fn.locals {
				body.WriteU32(1)
				body.Byte(byte(l))
			}
			body.WriteBytes(fn.body.Bytes())
			if !fn.body.ended() {
				body.Byte(opEnd)
			}
			sec.WriteU32(uint32(body.Len()))
			sec.WriteBytes(body.Bytes())
		}
		w.section(sectionCode, &sec)
	}

	if len(m.data) > 0 {
		var sec writer
		sec.WriteU32(uint32(len(m.data)))
		for _, d := range m.data {
			sec.WriteU32(0) // active, memory 0
			sec.WriteBytes(NewCode().I32Const(int32(d.offset)).End().Bytes())
			sec.WriteU32(uint32(len(d.init)))
			sec.WriteBytes(d.init)
		}
		w.section(sectionData, &sec)
	}

	return w.Bytes()
}

func writeU32LE(w *writer, v uint32) {
	w.Byte(byte(v))
	w.Byte(byte(v >> 8))
	w.Byte(byte(v >> 16))
	w.Byte(byte(v >> 24))
}

func writeValTypes(w *writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func sameVals(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
