// Package transport carries request and reply bytes between renderd and
// the video renderer worker, either over the worker's stdio pipes or over
// a Unix domain socket the worker listens on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind names a transport flavour.
type Kind string

const (
	KindPipe   Kind = "pipe"
	KindSocket Kind = "socket"
)

// ParseKind accepts "pipe" or "socket", case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPipe, "":
		return KindPipe, nil
	case KindSocket, "unix":
		return KindSocket, nil
	}
	return "", fmt.Errorf("unknown worker transport %q (want pipe or socket)", s)
}

var (
	// ErrSocketMissing means the socket path does not exist.
	ErrSocketMissing = errors.New("worker socket does not exist")
	// ErrConnRefused means the socket exists but nobody is accepting on it.
	ErrConnRefused = errors.New("worker socket refused connection")
	// ErrClosed means the worker end is gone (broken pipe or closed stream).
	ErrClosed = errors.New("worker stream closed")
)

// Conn is one exchange channel. Close releases the exchange; for the pipe
// transport it does not close the underlying stdio.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Transport hands out connections to a running worker.
type Transport interface {
	Kind() Kind
	Open(ctx context.Context) (Conn, error)
}

// Unreader is implemented by connections that can keep bytes read past
// the end of one reply for the next exchange.
type Unreader interface {
	Unread(b []byte)
}

// DiagnosticSink is implemented by connections whose stream may carry
// non-protocol text lines from the worker.
type DiagnosticSink interface {
	Diagnostic(line []byte)
}
