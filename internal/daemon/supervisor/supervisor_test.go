package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/daemon/protocol"
	"renderd/internal/daemon/transport"
	"renderd/internal/daemon/workertest"
	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	if workertest.Enabled() {
		workertest.Main()
	}
	os.Exit(m.Run())
}

type fixture struct {
	sup      *Supervisor
	dir      string
	artifact string
	socket   string
}

func newFixture(t *testing.T, kind transport.Kind, mode workertest.Mode, opts workertest.Options) *fixture {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	f := &fixture{dir: t.TempDir()}
	f.artifact = filepath.Join(f.dir, "output.mp4")
	opts.Artifact = f.artifact
	if kind == transport.KindSocket {
		sockDir, err := os.MkdirTemp("", "rd")
		require.NoError(t, err)
		t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
		f.socket = filepath.Join(sockDir, "w.sock")
		opts.Socket = f.socket
	}

	f.sup = New(Config{
		Binary:       self,
		Dir:          f.dir,
		Env:          workertest.Env(mode, opts),
		Transport:    kind,
		SocketPath:   f.socket,
		StartupGrace: 100 * time.Millisecond,
		SocketWait:   2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	}, logger.Discard())
	t.Cleanup(func() { _ = f.sup.Terminate(context.Background()) })
	return f
}

func exchange(t *testing.T, tr transport.Transport, seconds float64) *contracts.RenderResponse {
	t.Helper()
	conn, err := tr.Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, protocol.WriteRequest(conn, contracts.RenderRequest{Seconds: seconds}))

	var opts []protocol.Option
	if sink, ok := conn.(transport.DiagnosticSink); ok {
		opts = append(opts, protocol.WithDiagnostics(sink.Diagnostic))
	}
	resp, err := protocol.NewDecoder(conn, opts...).Decode()
	require.NoError(t, err)
	return resp
}

func TestEnsureAlivePipe(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{})

	tr, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transport.KindPipe, tr.Kind())

	st := f.sup.Status()
	assert.Equal(t, Alive, st.State)
	assert.True(t, st.Alive)
	assert.Positive(t, st.PID)
	assert.Equal(t, 1, st.Spawns)
	assert.False(t, st.SocketExists)

	again, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	assert.Same(t, tr, again)
	assert.Equal(t, 1, f.sup.Status().Spawns)
}

func TestPipeExchangeReusesWorker(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Noisy, workertest.Options{ArtifactSize: 2048})

	tr, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp := exchange(t, tr, 0.5)
		assert.True(t, resp.Success)
		require.NotNil(t, resp.FileSize)
		assert.EqualValues(t, 2048, *resp.FileSize)
	}

	fi, err := os.Stat(f.artifact)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, fi.Size())
	assert.Equal(t, 1, f.sup.Status().Spawns)
}

func TestStartupFailureReportsExitCode(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Exit, workertest.Options{ExitCode: 7})
	f.sup.cfg.StartupGrace = 5 * time.Second

	_, err := f.sup.EnsureAlive(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStartupFailure))

	fields := errors.GetFields(err)
	assert.Equal(t, 7, fields["exit_code"])
	assert.Contains(t, fields["output"], "fatal: cannot initialise renderer")

	st := f.sup.Status()
	assert.Equal(t, Dead, st.State)
	assert.False(t, st.Alive)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 7, *st.ExitCode)
}

func TestBinaryPreflight(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "video_renderer")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644))

	tests := []struct {
		name   string
		binary string
		code   errors.Code
	}{
		{"missing", "./does_not_exist", errors.CodeBinaryMissing},
		{"empty", "", errors.CodeBinaryMissing},
		{"not executable", "./video_renderer", errors.CodeBinaryNotExecutable},
		{"directory", dir, errors.CodeBinaryNotExecutable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := New(Config{Binary: tt.binary, Dir: dir}, logger.Discard())
			_, err := sup.EnsureAlive(context.Background())
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, 0, sup.Status().Spawns)
		})
	}
}

func TestRespawnAfterCrash(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{})

	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	first := f.sup.Status().PID

	require.NoError(t, syscall.Kill(first, syscall.SIGKILL))
	require.Eventually(t, func() bool { return !f.sup.Status().Alive }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Dead, f.sup.Status().State)

	tr, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	st := f.sup.Status()
	assert.True(t, st.Alive)
	assert.NotEqual(t, first, st.PID)
	assert.Equal(t, 2, st.Spawns)
	assert.True(t, exchange(t, tr, 0.5).Success)
}

func TestMarkSuspectForcesRestart(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{})

	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	first := f.sup.Status().PID

	f.sup.MarkSuspect("render timed out")
	st := f.sup.Status()
	assert.True(t, st.Suspect)
	assert.Equal(t, "render timed out", st.SuspectWhy)

	_, err = f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	st = f.sup.Status()
	assert.False(t, st.Suspect)
	assert.NotEqual(t, first, st.PID)
	assert.Equal(t, 2, st.Spawns)
}

func TestTerminateIsIdempotent(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Silent, workertest.Options{})

	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	pid := f.sup.Status().PID

	require.NoError(t, f.sup.Terminate(context.Background()))
	require.NoError(t, f.sup.Terminate(context.Background()))

	st := f.sup.Status()
	assert.Equal(t, Dead, st.State)
	assert.False(t, st.Alive)
	assert.Zero(t, st.PID)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestSocketMode(t *testing.T) {
	f := newFixture(t, transport.KindSocket, workertest.Echo, workertest.Options{})

	tr, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transport.KindSocket, tr.Kind())
	assert.True(t, f.sup.Status().SocketExists)

	assert.True(t, exchange(t, tr, 0.5).Success)
	assert.True(t, exchange(t, tr, 1).Success)

	require.NoError(t, f.sup.Terminate(context.Background()))
	assert.False(t, f.sup.Status().SocketExists)
}

func TestSocketNeverAppears(t *testing.T) {
	f := newFixture(t, transport.KindSocket, workertest.NoSocket, workertest.Options{})
	f.sup.cfg.SocketWait = 300 * time.Millisecond

	// a leftover socket file must not count as readiness
	require.NoError(t, os.WriteFile(f.socket, nil, 0o600))

	start := time.Now()
	_, err := f.sup.EnsureAlive(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDaemonUnavailable), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)

	st := f.sup.Status()
	assert.Equal(t, Dead, st.State)
	assert.False(t, st.Alive)
}

func TestStartupCanceled(t *testing.T) {
	f := newFixture(t, transport.KindSocket, workertest.NoSocket, workertest.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := f.sup.EnsureAlive(ctx)
	assert.True(t, errors.IsCode(err, errors.CodeDaemonUnavailable), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutputKeptAfterStop(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Silent, workertest.Options{})
	assert.Empty(t, f.sup.Output())

	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return strings.Contains(f.sup.Output(), "stderr: fake renderer starting")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.sup.Terminate(context.Background()))
	assert.Contains(t, f.sup.Output(), "fake renderer starting")
}

func TestTerminateWithExpiredContext(t *testing.T) {
	f := newFixture(t, transport.KindSocket, workertest.Silent, workertest.Options{})
	f.sup.cfg.StopTimeout = time.Minute

	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)
	pid := f.sup.Status().PID

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, f.sup.Terminate(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
	assert.False(t, f.sup.Status().SocketExists)
}
