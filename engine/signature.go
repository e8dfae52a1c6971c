package engine

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/quorum-bridge/errors"
)

// Signature declares a guest export in WIT terms.
type Signature struct {
	Name    string
	Params  []wit.Type
	Results []wit.Type
}

// Command is the signature shared by every command entry point:
// (promise: u32, argument: string).
func Command(name string) Signature {
	return Signature{
		Name:   name,
		Params: []wit.Type{wit.U32{}, wit.String{}},
	}
}

// FlattenTypes flattens WIT types to core wasm types
func FlattenTypes(types []wit.Type) []api.ValueType {
	var result []api.ValueType
	for _, t := range types {
		result = append(result, FlattenType(t)...)
	}
	return result
}

// FlattenType flattens a WIT type to core wasm types. Only the scalar and
// string shapes used by the command surface are supported.
func FlattenType(t wit.Type) []api.ValueType {
	switch t.(type) {
	case wit.Bool, wit.U8, wit.U16, wit.U32, wit.S8, wit.S16, wit.S32, wit.Char:
		return []api.ValueType{api.ValueTypeI32}
	case wit.U64, wit.S64:
		return []api.ValueType{api.ValueTypeI64}
	case wit.F32:
		return []api.ValueType{api.ValueTypeF32}
	case wit.F64:
		return []api.ValueType{api.ValueTypeF64}
	case wit.String:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32} // ptr, len
	default:
		return nil
	}
}

// Core returns the flattened core params and results.
func (s Signature) Core() (params, results []api.ValueType) {
	return FlattenTypes(s.Params), FlattenTypes(s.Results)
}

// Check verifies that def matches the flattened signature.
func (s Signature) Check(def api.FunctionDefinition) error {
	params, results := s.Core()
	if !sameTypes(params, def.ParamTypes()) || !sameTypes(results, def.ResultTypes()) {
		return errors.SignatureMismatch(s.Name,
			TypeName(params, results),
			TypeName(def.ParamTypes(), def.ResultTypes()))
	}
	return nil
}

// TypeName renders a core function type as "(i32,i32) -> (i32)".
func TypeName(params, results []api.ValueType) string {
	var b strings.Builder
	writeTypes(&b, params)
	b.WriteString(" -> ")
	writeTypes(&b, results)
	return b.String()
}

func writeTypes(b *strings.Builder, types []api.ValueType) {
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteByte(')')
}

func sameTypes(a, b []api.ValueType) bool {
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

// ABI names the guest exports the bridge relies on.
type ABI struct {
	// Alloc returns a guest buffer for command arguments.
	Alloc string
	// Entry is tried in order at run start; the first one exported runs.
	Entry []string
	// Poll is called on every scheduler tick. Returning 0 ends the run.
	Poll string
	// Commands are the command entry points.
	Commands []Signature
}

// Export names of the default ABI.
const (
	ExportMemory         = "memory"
	ExportAlloc          = "alloc"
	ExportPoll           = "poll"
	ExportInitiateQuorum = "initiate-quorum"
	ExportJoinGroup      = "join-group"
)

// DefaultABI is the guest contract of the quorum bridge.
func DefaultABI() ABI {
	return ABI{
		Alloc: ExportAlloc,
		Entry: []string{"_initialize", "_start"},
		Poll:  ExportPoll,
		Commands: []Signature{
			Command(ExportInitiateQuorum),
			Command(ExportJoinGroup),
		},
	}
}

var (
	allocSig = Signature{Params: []wit.Type{wit.U32{}}, Results: []wit.Type{wit.U32{}}}
	pollSig  = Signature{Results: []wit.Type{wit.S32{}}}
	entrySig = Signature{}
)

// Check verifies that m exports everything the ABI requires with the
// expected signatures. Optional exports are checked only when present.
func (a ABI) Check(m *Module) error {
	if !m.HasMemory() {
		return errors.MissingExport(ExportMemory)
	}

	required := append([]Signature{withName(allocSig, a.Alloc)}, a.Commands...)
	for _, sig := range required {
		def, ok := m.Export(sig.Name)
		if !ok {
			return errors.MissingExport(sig.Name)
		}
		if err := sig.Check(def); err != nil {
			return err
		}
	}

	if def, ok := m.Export(a.Poll); ok && a.Poll != "" {
		if err := withName(pollSig, a.Poll).Check(def); err != nil {
			return err
		}
	}
	for _, name := range a.Entry {
		if def, ok := m.Export(name); ok {
			if err := withName(entrySig, name).Check(def); err != nil {
				return err
			}
		}
	}
	return nil
}

// Command returns the signature of the named command.
func (a ABI) Command(name string) (Signature, bool) {
	for _, sig := range a.Commands {
		if sig.Name == name {
			return sig, true
		}
	}
	return Signature{}, false
}

func withName(s Signature, name string) Signature {
	s.Name = name
	return s
}
