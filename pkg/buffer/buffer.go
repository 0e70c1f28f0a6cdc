// Package buffer implements the body-accumulation storage
// pkg/httpparser uses for request and response bodies (spec.md §4.2):
// bytes stay in memory up to a configurable limit, then spill to a
// temp file so a handler streaming a large upload or download never
// holds the whole thing in the connection's own goroutine stack.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/relaymesh/goproxy/pkg/errors"
)

// DefaultBodyLimit is the in-memory threshold httpparser.New applies
// to a fresh request/response body before it spills to disk.
const DefaultBodyLimit = 4 * 1024 * 1024 // 4MB

// Body accumulates a single HTTP message body across however many
// Feed calls the parser makes as bytes arrive off the wire, spilling
// to a temp file once the in-memory limit is exceeded.
type Body struct {
	mem    bytes.Buffer
	spill  *os.File
	path   string
	size   int64
	limit  int64
	mu     sync.Mutex
	closed bool
}

// NewBody constructs an empty Body with the given in-memory limit;
// limit<=0 falls back to DefaultBodyLimit.
func NewBody(limit int64) *Body {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return &Body{limit: limit}
}

// NewBodyWithData seeds a Body with bytes already read elsewhere (a
// pipelined request's leftover tail, for instance), under
// DefaultBodyLimit.
func NewBodyWithData(data []byte) *Body {
	b := &Body{limit: DefaultBodyLimit, size: int64(len(data))}
	b.mem.Write(data)
	return b
}

// Write appends to the body, spilling to a temp file once the
// in-memory limit would be exceeded.
func (b *Body) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("body buffer is closed", nil)
	}

	b.size += int64(len(p))

	if b.spill == nil && int64(b.mem.Len()+len(p)) <= b.limit {
		return b.mem.Write(p)
	}

	if b.spill == nil {
		tmp, err := os.CreateTemp("", "goproxy-body-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating body spill file", err)
		}
		b.spill = tmp
		b.path = tmp.Name()

		if b.mem.Len() > 0 {
			if _, err := tmp.Write(b.mem.Bytes()); err != nil {
				b.Close()
				return 0, errors.NewIOError("writing to body spill file", err)
			}
		}
		b.mem.Reset()
	}

	n, err := b.spill.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing to body spill file", err)
	}
	return n, nil
}

// Bytes returns the in-memory data; empty once the body has spilled.
func (b *Body) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spill != nil {
		return nil
	}
	return b.mem.Bytes()
}

// Path returns the spill file's path, or "" if the body never spilled.
func (b *Body) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total bytes written so far.
func (b *Body) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the body has spilled to disk.
func (b *Body) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spill != nil
}

// Reader opens a fresh reader over the stored body, from memory or
// from the spill file.
func (b *Body) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("body buffer is closed", nil)
	}

	if b.spill != nil {
		if err := b.spill.Sync(); err != nil {
			return nil, errors.NewIOError("syncing body spill file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening body spill file for reading", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.mem.Bytes())), nil
}

// ReadAll returns the full stored body regardless of whether it has
// spilled, for httpparser's response re-serialization (Build), which
// needs the bytes rather than a streaming Reader.
func (b *Body) ReadAll() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Close releases the spill file, if any. Safe for concurrent and
// repeated calls.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.spill != nil {
		err := b.spill.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = errors.NewIOError("removing body spill file", removeErr)
		}
		b.spill = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing body spill file", err)
		}
	}
	return nil
}

// Reset closes and clears the body, ready for reuse by a parser
// handling the next pipelined message on the same connection.
func (b *Body) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.mem.Reset()
	b.size = 0
	b.closed = false
	return nil
}
