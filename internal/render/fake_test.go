package render

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"renderd/internal/daemon/supervisor"
	"renderd/internal/daemon/transport"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	tr      *fakeTransport
	suspect string
}

func (f *fakeSupervisor) EnsureAlive(context.Context) (transport.Transport, error) {
	return f.tr, nil
}

func (f *fakeSupervisor) MarkSuspect(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspect = reason
}

func (f *fakeSupervisor) Output() string { return "stderr: renderer ready" }

func (f *fakeSupervisor) Status() supervisor.Status {
	return supervisor.Status{State: supervisor.Alive, Alive: true, PID: 1}
}

// fakeTransport counts overlapping exchanges. Each exchange writes the
// artifact, so an overlapping Clear from another request would be caught
// as ARTIFACT_MISSING.
type fakeTransport struct {
	artifact  string
	openErr   error
	active    atomic.Int32
	maxActive atomic.Int32
	opened    atomic.Int32
}

func (f *fakeTransport) Kind() transport.Kind { return transport.KindSocket }

func (f *fakeTransport) Open(context.Context) (transport.Conn, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened.Add(1)
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return &fakeConn{t: f}, nil
}

type fakeConn struct {
	t     *fakeTransport
	reply io.Reader
}

func (c *fakeConn) Write(b []byte) (int, error) {
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(c.t.artifact, []byte("video-bytes"), 0o644); err != nil {
		return 0, err
	}
	c.reply = bytes.NewReader([]byte(`{"success":true,"file_size":11}`))
	return len(b), nil
}

func (c *fakeConn) Read(b []byte) (int, error) {
	if c.reply == nil {
		return 0, io.EOF
	}
	return c.reply.Read(b)
}

func (c *fakeConn) Close() error {
	c.t.active.Add(-1)
	return nil
}

func (c *fakeConn) SetDeadline(time.Time) error { return nil }
