package loader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/quorum-bridge/engine"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/telemetry"
)

// wasmHeader is the magic number followed by binary format version 1.
var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// DefaultMaxSize bounds artifacts unless overridden.
const DefaultMaxSize = 64 << 20

// Artifact is the result of a successful load.
type Artifact struct {
	Module   *engine.Module
	Instance *engine.Instance
	Source   string
	Streamed bool
}

// Loader fetches, compiles, links and instantiates artifacts.
type Loader struct {
	engine    *engine.Engine
	table     *engine.ImportTable
	fetchers  map[string]Fetcher
	logger    *zap.Logger
	tracer    trace.Tracer
	abi       engine.ABI
	maxSize   int64
	streaming bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithFetcher routes sources with the given URL scheme to f.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(l *Loader) { l.fetchers[scheme] = f }
}

// WithHTTPClient sets the client used for http and https sources.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		f := &HTTPFetcher{Client: c}
		l.fetchers["http"] = f
		l.fetchers["https"] = f
	}
}

// WithStreaming enables or disables streaming compilation.
func WithStreaming(enabled bool) Option {
	return func(l *Loader) { l.streaming = enabled }
}

// WithMaxSize bounds the artifact size. 0 disables the bound.
func WithMaxSize(n int64) Option {
	return func(l *Loader) { l.maxSize = n }
}

// WithABI sets the export contract checked at load.
func WithABI(abi engine.ABI) Option {
	return func(l *Loader) { l.abi = abi }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loader) { l.tracer = t }
}

// New creates a loader that compiles into e and links against table.
func New(e *engine.Engine, table *engine.ImportTable, opts ...Option) *Loader {
	files := &FileFetcher{}
	web := &HTTPFetcher{}
	l := &Loader{
		engine: e,
		table:  table,
		fetchers: map[string]Fetcher{
			"file":  files,
			"http":  web,
			"https": web,
		},
		logger:    engine.Logger(),
		tracer:    telemetry.Tracer("loader"),
		abi:       engine.DefaultABI(),
		maxSize:   DefaultMaxSize,
		streaming: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ABI returns the export contract the loader enforces.
func (l *Loader) ABI() engine.ABI { return l.abi }

// Table returns the import table artifacts are linked against.
func (l *Loader) Table() *engine.ImportTable { return l.table }

// Load fetches source, compiles it, verifies its imports and exports and
// creates the first instance (generation 1). Every call produces an
// independent module.
func (l *Loader) Load(ctx context.Context, source string) (*Artifact, error) {
	ctx, span := l.tracer.Start(ctx, "loader.Load", trace.WithAttributes(attribute.String("source", source)))
	defer span.End()

	art, err := l.load(ctx, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		l.logger.Error("load failed", zap.String("source", source), zap.Error(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("bytes", art.Module.Size()),
		attribute.Bool("streamed", art.Streamed),
	)
	return art, nil
}

func (l *Loader) load(ctx context.Context, source string) (*Artifact, error) {
	start := time.Now()

	m, streamed, err := l.compile(ctx, source)
	if err != nil {
		return nil, err
	}

	inst, err := m.Instantiate(ctx, l.table, engine.InstanceConfig{
		Generation: 1,
		ABI:        l.abi,
		Logger:     l.logger,
	})
	if err != nil {
		_ = m.Close(ctx)
		return nil, errors.Load(fmt.Sprintf("instantiate %s", source), err)
	}

	l.logger.Info("module loaded",
		zap.String("source", source),
		zap.Int("bytes", m.Size()),
		zap.Bool("streamed", streamed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Artifact{Module: m, Instance: inst, Source: source, Streamed: streamed}, nil
}

// Compile fetches and compiles source and checks it against the import
// table and ABI without instantiating it.
func (l *Loader) Compile(ctx context.Context, source string) (*engine.Module, error) {
	m, _, err := l.compile(ctx, source)
	return m, err
}

func (l *Loader) compile(ctx context.Context, source string) (*engine.Module, bool, error) {
	wasm, streamed, err := l.fetch(ctx, source)
	if err != nil {
		return nil, false, err
	}

	m, err := l.engine.Compile(ctx, source, wasm)
	if err != nil {
		return nil, false, err
	}
	if err := m.CheckImports(l.table); err != nil {
		_ = m.Close(ctx)
		return nil, false, err
	}
	if err := l.abi.Check(m); err != nil {
		_ = m.Close(ctx)
		return nil, false, errors.Link(source, err)
	}
	return m, streamed, nil
}

// Inspect fetches and compiles source and reports its surface, including
// contract violations, without failing on them.
func (l *Loader) Inspect(ctx context.Context, source string) (*Report, error) {
	wasm, _, err := l.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	m, err := l.engine.Compile(ctx, source, wasm)
	if err != nil {
		return nil, err
	}
	defer m.Close(ctx)

	return &Report{
		Source:      source,
		Size:        m.Size(),
		Imports:     m.Imports(),
		Exports:     m.Exports(),
		ImportError: m.CheckImports(l.table),
		ExportError: l.abi.Check(m),
	}, nil
}

// Report describes a compiled artifact.
type Report struct {
	ImportError error
	ExportError error
	Source      string
	Imports     []engine.ImportRef
	Exports     []string
	Size        int
}

// OK reports whether the artifact satisfies the bridge contract.
func (r *Report) OK() bool {
	return r.ImportError == nil && r.ExportError == nil
}

func (l *Loader) fetch(ctx context.Context, source string) ([]byte, bool, error) {
	name := scheme(source)
	f, ok := l.fetchers[name]
	if !ok {
		return nil, false, errors.Fetch(source, errors.Unsupported(errors.PhaseFetch, "scheme "+name))
	}

	stream, err := f.Fetch(ctx, source)
	if err != nil {
		return nil, false, errors.Fetch(source, err)
	}
	defer stream.Body.Close()

	if l.maxSize > 0 && stream.Size > l.maxSize {
		return nil, false, errors.Fetch(source, errors.New(errors.PhaseFetch, errors.KindInvalidInput).
			Value(stream.Size).
			Detail("artifact announces %d bytes, limit is %d", stream.Size, l.maxSize).
			Build())
	}

	if l.streaming && stream.Streaming {
		wasm, err := l.readStreaming(source, stream)
		if err != nil {
			return nil, false, err
		}
		return wasm, true, nil
	}

	wasm, err := readLimited(stream.Body, stream.Size, l.maxSize)
	if err != nil {
		return nil, false, errors.Fetch(source, err)
	}
	return wasm, false, nil
}

// readStreaming validates the module header as soon as it arrives and only
// then consumes the rest of the stream.
func (l *Loader) readStreaming(source string, stream *Stream) ([]byte, error) {
	r := bufio.NewReaderSize(stream.Body, 64<<10)
	header, err := r.Peek(len(wasmHeader))
	if err != nil && len(header) < len(wasmHeader) {
		if len(header) == 0 {
			return nil, errors.Compile(source, fmt.Errorf("empty artifact"))
		}
		return nil, errors.Compile(source, fmt.Errorf("truncated header: %d bytes", len(header)))
	}
	if !bytes.Equal(header, wasmHeader) {
		return nil, errors.Compile(source, fmt.Errorf("invalid module header % x", header))
	}

	wasm, err := readLimited(r, stream.Size, l.maxSize)
	if err != nil {
		return nil, errors.Fetch(source, err)
	}
	return wasm, nil
}
