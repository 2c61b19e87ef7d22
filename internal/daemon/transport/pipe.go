package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

// Pipe is a long-lived duplex stream over the worker's stdin and stdout.
// Both files must come from os.Pipe so that deadlines are honoured.
type Pipe struct {
	stdin  *os.File
	stdout *os.File
	diag   func([]byte)

	mu       sync.Mutex
	pending  []byte
	inClosed bool
	closed   bool
}

// NewPipe wraps the parent ends of the worker's stdio. diag receives lines
// that are not protocol messages; it may be nil.
func NewPipe(stdin, stdout *os.File, diag func([]byte)) *Pipe {
	return &Pipe{stdin: stdin, stdout: stdout, diag: diag}
}

func (p *Pipe) Kind() Kind { return KindPipe }

// Open returns a view on the shared stream. It fails with ErrClosed once
// the pipe has been closed.
func (p *Pipe) Open(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.inClosed {
		return nil, ErrClosed
	}
	return &pipeConn{p: p}, nil
}

// CloseInput closes the worker's stdin, which makes its request loop exit.
func (p *Pipe) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inClosed {
		return nil
	}
	p.inClosed = true
	return p.stdin.Close()
}

// Close closes both ends. Safe to call more than once.
func (p *Pipe) Close() error {
	inErr := p.CloseInput()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.pending = nil
	return errors.Join(inErr, p.stdout.Close())
}

type pipeConn struct {
	p *Pipe
}

func (c *pipeConn) Read(b []byte) (int, error) {
	c.p.mu.Lock()
	if len(c.p.pending) > 0 {
		n := copy(b, c.p.pending)
		c.p.pending = c.p.pending[n:]
		c.p.mu.Unlock()
		return n, nil
	}
	c.p.mu.Unlock()

	n, err := c.p.stdout.Read(b)
	if err != nil && errors.Is(err, os.ErrClosed) {
		return n, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return n, err
}

func (c *pipeConn) Write(b []byte) (int, error) {
	n, err := c.p.stdin.Write(b)
	if err != nil && (errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)) {
		return n, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return n, err
}

func (c *pipeConn) SetDeadline(t time.Time) error {
	return errors.Join(c.p.stdin.SetWriteDeadline(t), c.p.stdout.SetReadDeadline(t))
}

// Close ends the exchange and clears deadlines; the stdio stays open.
func (c *pipeConn) Close() error {
	if err := c.SetDeadline(time.Time{}); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Unread pushes b back in front of the stream.
func (c *pipeConn) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	buf := make([]byte, 0, len(b)+len(c.p.pending))
	buf = append(buf, b...)
	c.p.pending = append(buf, c.p.pending...)
}

func (c *pipeConn) Diagnostic(line []byte) {
	if c.p.diag != nil {
		c.p.diag(line)
	}
}

var (
	_ Unreader       = (*pipeConn)(nil)
	_ DiagnosticSink = (*pipeConn)(nil)
	_ io.Closer      = (*Pipe)(nil)
)
