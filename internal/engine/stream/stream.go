// Package stream converts raw engine output into normalized log entries.
package stream

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/bitk/bitk/internal/engine"
)

const (
	// initialBufSize seeds the line scanner.
	initialBufSize = 64 * 1024

	// maxLineSize bounds a single output line. Engines emit whole JSON
	// documents per line, so tool results can get large.
	maxLineSize = 10 * 1024 * 1024
)

// ParseFunc maps one raw line to at most one entry. A nil return drops the
// line.
type ParseFunc func(raw string) *engine.Entry

// EmitFunc receives each parsed entry in stream order.
type EmitFunc func(entry *engine.Entry)

// Consume reads r line by line, feeding every complete non-blank line through
// parse and handing each non-nil result to emit. A trailing fragment without
// a final newline is parsed exactly once at EOF. r is closed on every exit
// path.
func Consume(ctx context.Context, r io.ReadCloser, parse ParseFunc, emit EmitFunc) error {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufSize), maxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if entry := parse(line); entry != nil {
			emit(entry)
		}
	}
}

// ConsumeStderr applies the same framing as Consume but bypasses the parser:
// each non-empty line becomes an error-message entry.
func ConsumeStderr(ctx context.Context, r io.ReadCloser, emit EmitFunc) error {
	return Consume(ctx, r, func(raw string) *engine.Entry {
		return engine.ErrorEntry(raw)
	}, emit)
}
