// Package capture drains a child process's output pipe into memory while the
// child runs, optionally echoing each chunk live.
//
// A StreamCapturer owns exactly one background reader. The caller only
// synchronizes with it at Halt and Buffer, so partial reads are never exposed.
package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"unicode/utf8"
)

// chunkSize is the read size of the background reader.
const chunkSize = 4096

var (
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("capturer already started")
	// ErrNotStarted is returned by Halt when Start was never called.
	ErrNotStarted = errors.New("capturer not started")
	// ErrNotHalted is returned by Buffer before Halt has completed.
	ErrNotHalted = errors.New("capturer not halted")
)

// StreamCapturer accumulates everything read from a source into a buffer.
type StreamCapturer struct {
	echo   bool
	echoTo io.Writer

	mu      sync.Mutex
	buf     bytes.Buffer
	src     io.Reader
	started bool
	halted  bool
	readErr error
	done    chan struct{}
}

// New creates a capturer. When echo is set every chunk is also written to
// echoTo as it arrives; a nil echoTo means os.Stdout.
func New(echo bool, echoTo io.Writer) *StreamCapturer {
	if echoTo == nil {
		echoTo = os.Stdout
	}
	return &StreamCapturer{
		echo:   echo,
		echoTo: echoTo,
		done:   make(chan struct{}),
	}
}

// Start launches the background reader on src.
func (c *StreamCapturer) Start(src io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.src = src

	go c.drain(src)
	return nil
}

// drain reads until EOF or a read error. It is the only writer of buf.
func (c *StreamCapturer) drain(src io.Reader) {
	defer close(c.done)

	chunk := make([]byte, chunkSize)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf.Write(chunk[:n])
			c.mu.Unlock()

			if c.echo {
				// Echo failures must not stop the drain or the child blocks.
				_, _ = c.echoTo.Write(chunk[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// Halt waits for the reader to reach EOF and exit. Call it only once the
// producer has exited or the source is otherwise known to be closed.
//
// If ctx ends first, the source is closed (when it is an io.Closer) so the
// reader unblocks, the reader is joined, and ctx.Err() is returned. Bytes
// read before that point are kept.
func (c *StreamCapturer) Halt(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	src := c.src
	c.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	var haltErr error
	select {
	case <-c.done:
	case <-ctx.Done():
		if closer, ok := src.(io.Closer); ok {
			closer.Close()
		}
		<-c.done
		haltErr = ctx.Err()
	}

	c.mu.Lock()
	c.halted = true
	if haltErr == nil {
		haltErr = c.readErr
	}
	c.mu.Unlock()

	return haltErr
}

// Buffer returns a copy of every byte captured. It may be called any number
// of times after Halt.
func (c *StreamCapturer) Buffer() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.halted {
		return nil, ErrNotHalted
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// Text returns the captured bytes decoded as UTF-8, with invalid sequences
// replaced by U+FFFD.
func (c *StreamCapturer) Text() (string, error) {
	b, err := c.Buffer()
	if err != nil {
		return "", err
	}
	return Decode(b), nil
}

// Decode converts captured bytes to text, substituting one U+FFFD for each
// undecodable byte instead of failing.
func Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]byte, 0, len(b)+8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = utf8.AppendRune(out, r)
		b = b[size:]
	}
	return string(out)
}
