package render

import (
	"context"
	"encoding/base64"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/daemon/supervisor"
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
	orch     *Orchestrator
	sup      *supervisor.Supervisor
	artifact string
}

func newFixture(t *testing.T, kind transport.Kind, mode workertest.Mode, opts workertest.Options, timeout time.Duration) *fixture {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	artifact := filepath.Join(dir, "output.mp4")
	opts.Artifact = artifact

	cfg := supervisor.Config{
		Binary:       self,
		Dir:          dir,
		Transport:    kind,
		StartupGrace: 100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	}
	if kind == transport.KindSocket {
		sockDir, err := os.MkdirTemp("", "rd")
		require.NoError(t, err)
		t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
		cfg.SocketPath = filepath.Join(sockDir, "w.sock")
		opts.Socket = cfg.SocketPath
	}
	if mode == workertest.Exit {
		cfg.StartupGrace = 5 * time.Second
	}
	cfg.Env = workertest.Env(mode, opts)

	sup := supervisor.New(cfg, logger.Discard())
	t.Cleanup(func() { _ = sup.Terminate(context.Background()) })

	orch := New(sup, Config{ArtifactPath: artifact, Timeout: timeout}, logger.Discard())
	return &fixture{orch: orch, sup: sup, artifact: artifact}
}

func decodeVideo(t *testing.T, res contracts.Result) []byte {
	t.Helper()
	require.True(t, res.Success, "render failed: %s (%s)", res.Error, res.Code)
	assert.Equal(t, contracts.EncodingBase64, res.Encoding)
	b, err := base64.StdEncoding.DecodeString(res.Video)
	require.NoError(t, err)
	assert.EqualValues(t, len(b), res.FileSize)
	return b
}

func assertArtifact(t *testing.T, f *fixture, video []byte, size int) {
	t.Helper()
	onDisk, err := os.ReadFile(f.artifact)
	require.NoError(t, err)
	assert.Equal(t, onDisk, video)
	assert.Equal(t, workertest.Content(size), video)
}

func TestRenderRoundTripPipe(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{ArtifactSize: 3000}, 5*time.Second)

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assertArtifact(t, f, decodeVideo(t, res), 3000)

	res = f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 1})
	decodeVideo(t, res)
	assert.Equal(t, 1, f.sup.Status().Spawns)
}

func TestRenderRoundTripSocket(t *testing.T) {
	f := newFixture(t, transport.KindSocket, workertest.Echo, workertest.Options{}, 5*time.Second)

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assertArtifact(t, f, decodeVideo(t, res), 1024)
}

func TestRenderFileSizeComesFromArtifact(t *testing.T) {
	for _, tc := range []struct {
		name     string
		reported int
	}{
		{"reported matches", 123},
		{"reported differs", 999},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, transport.KindPipe, workertest.Echo,
				workertest.Options{ArtifactSize: 123, ReportedSize: tc.reported}, 5*time.Second)

			res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
			video := decodeVideo(t, res)
			assert.EqualValues(t, 123, res.FileSize)
			assertArtifact(t, f, video, 123)
		})
	}
}

func TestRenderNoisyWorker(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Noisy, workertest.Options{}, 5*time.Second)

	for i := 0; i < 3; i++ {
		decodeVideo(t, f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5}))
	}
	assert.Equal(t, 1, f.sup.Status().Spawns)
}

func TestRenderReplacesStaleArtifact(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{ArtifactSize: 10}, 5*time.Second)
	require.NoError(t, os.WriteFile(f.artifact, []byte("stale video from a previous run"), 0o644))

	video := decodeVideo(t, f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5}))
	assertArtifact(t, f, video, 10)
}

func TestRenderSuccessWithoutArtifact(t *testing.T) {
	for _, stale := range []bool{false, true} {
		t.Run(map[bool]string{false: "absent", true: "stale present"}[stale], func(t *testing.T) {
			f := newFixture(t, transport.KindPipe, workertest.Lie, workertest.Options{}, 5*time.Second)
			if stale {
				require.NoError(t, os.WriteFile(f.artifact, []byte("stale"), 0o644))
			}

			res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
			assert.False(t, res.Success)
			assert.Equal(t, string(errors.CodeArtifactMissing), res.Code)
			assert.Contains(t, res.Error, "output video file was not generated")
			assert.Empty(t, res.Video)

			after, ok := res.Details["files_after"].([]string)
			require.True(t, ok, "files_after: %#v", res.Details["files_after"])
			assert.NotContains(t, after, "output.mp4 (5 bytes)")
			before, ok := res.Details["files_before"].([]string)
			require.True(t, ok, "files_before: %#v", res.Details["files_before"])
			if stale {
				assert.Contains(t, before, "output.mp4 (5 bytes)")
			} else {
				assert.NotContains(t, before, "output.mp4 (5 bytes)")
			}
			assert.Contains(t, res.Details["output"], "fake renderer starting")
		})
	}
}

func TestRenderWorkerFailure(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Fail, workertest.Options{}, 5*time.Second)

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assert.False(t, res.Success)
	assert.Equal(t, string(errors.CodeRenderFailed), res.Code)
	assert.Equal(t, workertest.FailureMessage, res.Error)
	assert.Contains(t, res.Details["output"], "fake renderer starting")
	assert.False(t, f.sup.Status().Suspect)
}

func TestRenderTimeout(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Silent, workertest.Options{}, 300*time.Millisecond)

	// spawn first so the measurement covers the exchange only
	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	start := time.Now()
	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, string(errors.CodeRenderTimeout), res.Code)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, f.sup.Status().Suspect)
	assert.Contains(t, res.Details["output"], "fake renderer starting")

	// the hung worker is replaced on the next request
	_ = f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assert.Equal(t, 2, f.sup.Status().Spawns)
}

func TestRenderTimeoutSocket(t *testing.T) {
	f := newFixture(t, transport.KindSocket, workertest.Silent, workertest.Options{}, 300*time.Millisecond)

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assert.Equal(t, string(errors.CodeRenderTimeout), res.Code)
}

func TestRenderCallerDeadline(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Silent, workertest.Options{}, time.Minute)
	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := f.orch.Render(ctx, contracts.RenderRequest{Seconds: 0.5})
	assert.Equal(t, string(errors.CodeRenderTimeout), res.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRenderStartupFailure(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Exit, workertest.Options{ExitCode: 9}, 5*time.Second)

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assert.False(t, res.Success)
	assert.Equal(t, string(errors.CodeStartupFailure), res.Code)
	assert.Equal(t, 9, res.Details["exit_code"])
}

func TestRenderWorkerCrashMidRequest(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Crash, workertest.Options{}, 5*time.Second)

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assert.False(t, res.Success)
	assert.Equal(t, string(errors.CodeProtocol), res.Code)
	assert.Contains(t, res.Error, "incomplete response")
	assert.Contains(t, res.Details["output"], "fake renderer starting")
	assert.True(t, f.sup.Status().Suspect)
}

func TestRenderCallerCancels(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Silent, workertest.Options{}, time.Minute)
	_, err := f.sup.EnsureAlive(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	res := f.orch.Render(ctx, contracts.RenderRequest{Seconds: 0.5})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, string(errors.CodeDaemonUnavailable), res.Code)
	assert.Equal(t, "canceled", res.Details["reason"])
	assert.True(t, f.sup.Status().Suspect)
}

func TestRenderValidation(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{}, 5*time.Second)

	for _, s := range []float64{0, -1, 0.01, math.NaN(), math.Inf(1), 42, 1000, 1e300} {
		res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: s})
		assert.False(t, res.Success, "seconds=%v", s)
		assert.Equal(t, string(errors.CodeValidation), res.Code, "seconds=%v", s)
		assert.Equal(t, "seconds", res.Details["field"])
	}
	assert.Equal(t, 0, f.sup.Status().Spawns, "invalid requests must not reach the worker")

	res := f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 1e300})
	assert.Contains(t, res.Error, "at most")
}

func TestHealthDoesNotSpawn(t *testing.T) {
	f := newFixture(t, transport.KindPipe, workertest.Echo, workertest.Options{}, 5*time.Second)

	h := f.orch.Health()
	assert.True(t, h.Success)
	assert.False(t, h.DaemonAlive)
	assert.Nil(t, h.PID)
	assert.Equal(t, 0, f.sup.Status().Spawns)

	decodeVideo(t, f.orch.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5}))

	h = f.orch.Health()
	assert.True(t, h.DaemonAlive)
	require.NotNil(t, h.PID)
	assert.Equal(t, f.sup.Status().PID, *h.PID)
}

func TestDefaults(t *testing.T) {
	o := New(&fakeSupervisor{}, Config{MaxSeconds: 500}, logger.Discard())
	assert.Equal(t, DefaultSeconds, o.DefaultSeconds())
	assert.Equal(t, DefaultTimeout, o.cfg.Timeout)
	assert.InDelta(t, 41.666, o.cfg.MaxSeconds, 0.001)
}

func TestRenderSerializesRequests(t *testing.T) {
	dir := t.TempDir()
	sup := &fakeSupervisor{tr: &fakeTransport{artifact: filepath.Join(dir, "output.mp4")}}
	o := New(sup, Config{ArtifactPath: filepath.Join(dir, "output.mp4"), Timeout: 5 * time.Second}, logger.Discard())

	var wg sync.WaitGroup
	results := make([]contracts.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.True(t, res.Success, "request %d: %s", i, res.Error)
	}
	assert.Equal(t, int32(1), sup.tr.maxActive.Load())
	assert.Equal(t, int32(8), sup.tr.opened.Load())
}

func TestRenderCanceledWhileQueued(t *testing.T) {
	dir := t.TempDir()
	o := New(&fakeSupervisor{tr: &fakeTransport{artifact: filepath.Join(dir, "out.mp4")}},
		Config{ArtifactPath: filepath.Join(dir, "out.mp4")}, logger.Discard())

	require.True(t, o.sem.TryAcquire(1))
	defer o.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Render(ctx, contracts.RenderRequest{Seconds: 0.5})
	assert.False(t, res.Success)
	assert.Equal(t, string(errors.CodeDaemonUnavailable), res.Code)
}

func TestRenderTransportOpenFailure(t *testing.T) {
	dir := t.TempDir()
	sup := &fakeSupervisor{tr: &fakeTransport{artifact: filepath.Join(dir, "out.mp4"), openErr: transport.ErrConnRefused}}
	o := New(sup, Config{ArtifactPath: filepath.Join(dir, "out.mp4")}, logger.Discard())

	res := o.Render(context.Background(), contracts.RenderRequest{Seconds: 0.5})
	assert.Equal(t, string(errors.CodeDaemonUnavailable), res.Code)
	assert.Contains(t, res.Error, "refused")
	assert.Equal(t, "transport open failed", sup.suspect)
}
