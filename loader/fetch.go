package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/wippyai/quorum-bridge/errors"
)

// Stream is an open artifact.
type Stream struct {
	Body io.ReadCloser
	// Size is the announced length, or -1 when unknown.
	Size int64
	// Streaming reports whether Body can be consumed incrementally. Sources
	// that cannot stream are buffered in full before compilation.
	Streaming bool
}

// Fetcher opens artifacts for one or more URL schemes.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (*Stream, error)
}

// FetcherFunc adapts a function that returns the whole artifact. Such
// sources never stream.
type FetcherFunc func(ctx context.Context, source string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, source string) (*Stream, error) {
	data, err := f(ctx, source)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Body: io.NopCloser(bytes.NewReader(data)),
		Size: int64(len(data)),
	}, nil
}

// HTTPFetcher downloads artifacts with GET. The content type is ignored.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, source string) (*Stream, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return &Stream{Body: resp.Body, Size: resp.ContentLength, Streaming: true}, nil
}

// FileFetcher reads artifacts from the local filesystem. Sources are
// file:// URLs or plain paths, resolved against Dir when relative.
type FileFetcher struct {
	Dir string
}

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(_ context.Context, source string) (*Stream, error) {
	path := filePath(source)
	if !filepath.IsAbs(path) && f.Dir != "" {
		path = filepath.Join(f.Dir, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &Stream{Body: file, Size: info.Size(), Streaming: true}, nil
}

func filePath(source string) string {
	if rest, ok := strings.CutPrefix(source, "file://"); ok {
		return rest
	}
	return source
}

// scheme returns the URL scheme of source, or "file" for plain paths.
func scheme(source string) string {
	u, err := url.Parse(source)
	if err != nil || len(u.Scheme) <= 1 {
		// Windows drive letters parse as one-letter schemes.
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// readLimited reads r fully, failing once more than limit bytes arrive.
// sizeHint presizes the buffer when the source announced its length.
func readLimited(r io.Reader, sizeHint, limit int64) ([]byte, error) {
	var capacity int64
	if sizeHint > 0 && (limit <= 0 || sizeHint <= limit) {
		capacity = sizeHint
	}
	buf := bytes.NewBuffer(make([]byte, 0, capacity))

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, err
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, errors.New(errors.PhaseFetch, errors.KindInvalidInput).
			Value(limit).
			Detail("artifact exceeds %d bytes", limit).
			Build()
	}
	return buf.Bytes(), nil
}
