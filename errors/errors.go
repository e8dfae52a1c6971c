package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates where in the bridge the error occurred
type Phase string

const (
	PhaseFetch     Phase = "fetch"     // artifact transport
	PhaseCompile   Phase = "compile"   // wasm validation and compilation
	PhaseLink      Phase = "link"      // import table and export surface checks
	PhaseLoad      Phase = "load"      // loader as a whole
	PhaseLifecycle Phase = "lifecycle" // run, reset, teardown
	PhaseDispatch  Phase = "dispatch"  // command submission and results
	PhaseHost      Phase = "host"      // host function execution
	PhaseConfig    Phase = "config"    // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindLoadFailed        Kind = "load_failed"
	KindLifecycleFatal    Kind = "lifecycle_fatal"
	KindNotReady          Kind = "not_ready"
	KindCommandFailed     Kind = "command_failed"
	KindTrap              Kind = "trap"
	KindMissingImport     Kind = "missing_import"
	KindMissingExport     Kind = "missing_export"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindInstantiation     Kind = "instantiation"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindInvalidData       Kind = "invalid_data"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindUnsupported       Kind = "unsupported"
)

// Sentinels for errors.Is. They carry no Phase, so they match any phase.
var (
	ErrLoad           = &Error{Kind: KindLoadFailed}
	ErrLifecycleFatal = &Error{Kind: KindLifecycleFatal}
	ErrNotReady       = &Error{Kind: KindNotReady}
	ErrCommandFailed  = &Error{Kind: KindCommandFailed}
	ErrTrap           = &Error{Kind: KindTrap}
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Source     string
	Export     string
	Detail     string
	Generation uint64
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Export != "" {
		b.WriteString(" in ")
		b.WriteString(e.Export)
	}
	if e.Generation > 0 {
		b.WriteString(" (generation ")
		b.WriteString(strconv.FormatUint(e.Generation, 10))
		b.WriteByte(')')
	}
	if e.Source != "" {
		b.WriteString(" from ")
		b.WriteString(e.Source)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Kinds must match; phases are compared only when target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Export sets the export or command name
func (b *Builder) Export(name string) *Builder {
	b.err.Export = name
	return b
}

// Source sets the artifact source
func (b *Builder) Source(src string) *Builder {
	b.err.Source = src
	return b
}

// Generation sets the instance generation
func (b *Builder) Generation(gen uint64) *Builder {
	b.err.Generation = gen
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Loader constructors

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoadFailed,
		Detail: detail,
		Cause:  cause,
	}
}

// Fetch creates a load error for a failed artifact transfer
func Fetch(source string, cause error) *Error {
	return &Error{
		Phase:  PhaseFetch,
		Kind:   KindLoadFailed,
		Source: source,
		Detail: "fetch artifact",
		Cause:  cause,
	}
}

// Compile creates a load error for bytes that are not a valid module
func Compile(source string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindLoadFailed,
		Source: source,
		Detail: "compile module",
		Cause:  cause,
	}
}

// Link creates a load error for an import/export contract violation
func Link(source string, cause error) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindLoadFailed,
		Source: source,
		Detail: "link module",
		Cause:  cause,
	}
}

// MissingExport reports an export required by the command surface
func MissingExport(name string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingExport,
		Export: name,
		Detail: fmt.Sprintf("export %q not found", name),
	}
}

// SignatureMismatch reports an export whose core signature differs from the expected one
func SignatureMismatch(name, want, got string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindSignatureMismatch,
		Export: name,
		Detail: fmt.Sprintf("want %s, got %s", want, got),
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module   string // e.g., "bridge"
	Function string // e.g., "resolve"
}

// MissingImportsError is returned when the artifact imports functions the host import table lacks
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, fn := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Module:   mod,
			Function: fn,
		})
	}
	return result
}

func parseImportKey(key string) (module, function string) {
	mod, fn, found := strings.Cut(key, "#")
	if found {
		return mod, fn
	}
	return key, ""
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] missing_import: no imports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d host function(s):\n", len(e.Imports)))

	// Group by module for cleaner output
	byMod := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byMod[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byMod[imp.Module] = append(byMod[imp.Module], imp.Function)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, fn := range byMod[mod] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}

// Lifecycle constructors

// Instantiation creates an instantiation error
func Instantiation(gen uint64, cause error) *Error {
	return &Error{
		Phase:      PhaseLifecycle,
		Kind:       KindInstantiation,
		Generation: gen,
		Detail:     "instantiate module",
		Cause:      cause,
	}
}

// LifecycleFatal reports a reset that could not produce a callable instance
func LifecycleFatal(gen uint64, cause error) *Error {
	return &Error{
		Phase:      PhaseLifecycle,
		Kind:       KindLifecycleFatal,
		Generation: gen,
		Detail:     "reset failed; no callable instance remains",
		Cause:      cause,
	}
}

// Trap wraps a guest failure raised while executing an export
func Trap(export string, gen uint64, cause error) *Error {
	return &Error{
		Phase:      PhaseLifecycle,
		Kind:       KindTrap,
		Export:     export,
		Generation: gen,
		Cause:      cause,
	}
}

// NotReady reports a command submitted outside an accepting lifecycle state
func NotReady(state string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindNotReady,
		Detail: fmt.Sprintf("lifecycle state is %s", state),
	}
}

// GenerationEnded reports command intent invalidated by the end of its instance generation
func GenerationEnded(export string, gen uint64, cause error) *Error {
	return &Error{
		Phase:      PhaseDispatch,
		Kind:       KindNotReady,
		Export:     export,
		Generation: gen,
		Detail:     "instance generation ended before the command resolved",
		Cause:      cause,
	}
}

// CommandFailed carries a module-reported rejection verbatim in Detail
func CommandFailed(export string, gen uint64, reason string) *Error {
	return &Error{
		Phase:      PhaseDispatch,
		Kind:       KindCommandFailed,
		Export:     export,
		Generation: gen,
		Detail:     reason,
	}
}

// Reason returns the module-supplied reason of a CommandFailed error,
// or the plain error text for anything else.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if as(err, &e) && e.Kind == KindCommandFailed {
		return e.Detail
	}
	return err.Error()
}

// General constructors

// OutOfBounds reports a guest memory access outside linear memory
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) outside guest memory", offset, uint64(offset)+uint64(length)),
		Value:  offset,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Is, As and Join forward to the standard library so callers need a single import.

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

func as(err error, target any) bool { return stderrors.As(err, target) }
