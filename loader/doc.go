// Package loader turns an artifact source into a compiled module and its
// first live instance.
//
// Sources are URLs or paths. http and https are fetched with GET, file://
// URLs and plain paths are read from disk, and further schemes can be
// routed to any Fetcher with WithFetcher.
//
// Streaming sources have their module header checked as soon as the first
// eight bytes arrive, so a non-module payload fails before the rest is
// downloaded. Sources that cannot stream, or every source when streaming
// is disabled, are buffered in full and left to the compiler to reject.
// Both paths produce equivalent artifacts.
//
// All failures are load errors (errors.ErrLoad) carrying the phase that
// failed: fetch, compile or link.
package loader
