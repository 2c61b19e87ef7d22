// Package render runs one render request at a time against the supervised
// worker and turns every outcome into a contracts.Result.
package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/daemon/protocol"
	"renderd/internal/daemon/supervisor"
	"renderd/internal/daemon/transport"
	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
)

const (
	// FPS is the worker's fixed frame rate.
	FPS = 24
	// MaxFrames is the worker's hard frame cap.
	MaxFrames = 1000

	DefaultSeconds = 8.33
	DefaultTimeout = 60 * time.Second
)

// Supervisor is the part of supervisor.Supervisor the orchestrator needs.
type Supervisor interface {
	EnsureAlive(ctx context.Context) (transport.Transport, error)
	MarkSuspect(reason string)
	Status() supervisor.Status
	// Output is the recent stdout and stderr of the worker.
	Output() string
}

type Config struct {
	ArtifactPath string
	// Timeout bounds the wait for a reply once the request is sent.
	Timeout        time.Duration
	DefaultSeconds float64
	// MaxSeconds is the longest accepted request; values above
	// MaxFrames/FPS are clamped to it.
	MaxSeconds float64
}

type Orchestrator struct {
	sup      Supervisor
	cfg      Config
	log      *logger.Logger
	artifact Artifact
	sem      *semaphore.Weighted
}

func New(sup Supervisor, cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultSeconds <= 0 {
		cfg.DefaultSeconds = DefaultSeconds
	}
	if limit := float64(MaxFrames) / FPS; cfg.MaxSeconds <= 0 || cfg.MaxSeconds > limit {
		cfg.MaxSeconds = limit
	}
	return &Orchestrator{
		sup:      sup,
		cfg:      cfg,
		log:      log.WithComponent("render"),
		artifact: Artifact{Path: cfg.ArtifactPath},
		sem:      semaphore.NewWeighted(1),
	}
}

// DefaultSeconds is used when an invocation does not name a duration.
func (o *Orchestrator) DefaultSeconds() float64 {
	return o.cfg.DefaultSeconds
}

// Render performs one full exchange with the worker. Failures are reported
// in the Result, never as a Go error. Concurrent callers wait their turn.
func (o *Orchestrator) Render(ctx context.Context, req contracts.RenderRequest) contracts.Result {
	log := o.log.FromContext(ctx)
	start := time.Now()

	if err := o.validate(req); err != nil {
		return o.failure(log, err, start)
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.failure(log, errors.DaemonUnavailable("canceled while waiting for the worker", err).
			WithField("reason", "canceled"), start)
	}
	defer o.sem.Release(1)

	res, err := o.render(ctx, req)
	if err != nil {
		return o.failure(log, o.withOutput(err), start)
	}
	log.Info("render completed",
		"seconds", req.Seconds,
		"file_size", res.FileSize,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// Health reports worker liveness without spawning it.
func (o *Orchestrator) Health() contracts.HealthStatus {
	st := o.sup.Status()
	h := contracts.HealthStatus{
		Success:      true,
		DaemonAlive:  st.Alive,
		SocketExists: st.SocketExists,
	}
	if st.Alive && st.PID > 0 {
		pid := st.PID
		h.PID = &pid
	}
	return h
}

func (o *Orchestrator) validate(req contracts.RenderRequest) error {
	s := req.Seconds
	switch {
	case math.IsNaN(s) || math.IsInf(s, 0):
		return errors.ValidationField("seconds", "seconds must be a finite number")
	case s <= 0:
		return errors.ValidationField("seconds", "seconds must be greater than 0")
	case s > o.cfg.MaxSeconds || int(s*FPS) > MaxFrames:
		// before the frame count: converting a huge float to int is not defined
		return errors.ValidationField("seconds", fmt.Sprintf("seconds must be at most %.2f", o.cfg.MaxSeconds))
	case int(s*FPS) < 1:
		return errors.ValidationField("seconds", fmt.Sprintf("seconds must cover at least one frame at %d fps", FPS))
	}
	return nil
}

func (o *Orchestrator) render(ctx context.Context, req contracts.RenderRequest) (contracts.Result, error) {
	before, err := o.artifact.Clear()
	if err != nil {
		return contracts.Result{}, err
	}

	tr, err := o.sup.EnsureAlive(ctx)
	if err != nil {
		var e *errors.Error
		if !errors.As(err, &e) {
			err = errors.DaemonUnavailable("cannot start worker", err)
		}
		return contracts.Result{}, err
	}

	deadline := time.Now().Add(o.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	budget := time.Until(deadline).Round(time.Millisecond)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := tr.Open(ctx)
	if err != nil {
		o.sup.MarkSuspect("transport open failed")
		return contracts.Result{}, errors.DaemonUnavailable("cannot connect to worker", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return contracts.Result{}, errors.DaemonUnavailable("cannot arm request deadline", err)
	}
	// caller cancellation interrupts a blocked read or write
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteRequest(conn, req); err != nil {
		if ierr := o.interrupted(ctx, err, budget); ierr != nil {
			return contracts.Result{}, ierr
		}
		o.sup.MarkSuspect("request write failed")
		return contracts.Result{}, errors.DaemonUnavailable("cannot send request to worker", err)
	}

	var opts []protocol.Option
	if sink, ok := conn.(transport.DiagnosticSink); ok {
		opts = append(opts, protocol.WithDiagnostics(sink.Diagnostic))
	}
	dec := protocol.NewDecoder(conn, opts...)

	resp, err := dec.Decode()
	if err != nil {
		return contracts.Result{}, o.decodeFailure(ctx, tr.Kind(), err, budget)
	}
	if u, ok := conn.(transport.Unreader); ok {
		u.Unread(dec.Buffered())
	}

	if !resp.Success {
		return contracts.Result{}, errors.RenderFailed(resp.Error)
	}

	size, err := o.artifact.Verify(before)
	if err != nil {
		return contracts.Result{}, err
	}
	if resp.FileSize != nil && *resp.FileSize != size {
		o.log.Debug("worker reported a different file size", "reported", *resp.FileSize, "actual", size)
	}

	data, err := o.artifact.Read()
	if err != nil {
		return contracts.Result{}, err
	}

	return contracts.Result{
		Success:  true,
		Video:    base64.StdEncoding.EncodeToString(data),
		FileSize: int64(len(data)),
		Encoding: contracts.EncodingBase64,
	}, nil
}

func (o *Orchestrator) decodeFailure(ctx context.Context, kind transport.Kind, err error, budget time.Duration) error {
	if ierr := o.interrupted(ctx, err, budget); ierr != nil {
		return ierr
	}

	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		if kind == transport.KindPipe {
			// the shared stream is out of step with the worker
			o.sup.MarkSuspect("protocol error on pipe")
		}
		return errors.WrapWithCode(err, errors.CodeProtocol, "render.decode", "invalid response from video renderer").
			WithField("raw", string(perr.Raw))
	}

	o.sup.MarkSuspect("reply read failed")
	return errors.DaemonUnavailable("lost connection to worker", err)
}

// interrupted classifies an I/O error caused by the request deadline or by
// the caller going away. It returns nil for any other error. Either way the
// worker still owes a reply, so it is replaced before the next request.
func (o *Orchestrator) interrupted(ctx context.Context, err error, budget time.Duration) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		o.sup.MarkSuspect("request canceled")
		return errors.DaemonUnavailable("canceled", ctx.Err()).WithField("reason", "canceled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		o.sup.MarkSuspect("no reply within " + budget.String())
		return errors.RenderTimeout(budget)
	}
	return nil
}

// withOutput attaches the worker's recent output unless the error already
// carries it.
func (o *Orchestrator) withOutput(err error) error {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err
	}
	if _, ok := e.Fields["output"]; ok {
		return err
	}
	if out := o.sup.Output(); out != "" {
		e.WithField("output", out)
	}
	return err
}

func (o *Orchestrator) failure(log *logger.Logger, err error, start time.Time) contracts.Result {
	code := errors.GetCode(err)
	fields := errors.GetFields(err)

	l := log.With("code", string(code), "duration_ms", time.Since(start).Milliseconds())
	if code == errors.CodeValidation {
		l.Warn("render rejected", "error", errors.Summary(err))
	} else {
		l.Error("render failed", "error", err.Error())
	}

	res := contracts.Result{
		Success: false,
		Error:   errors.Summary(err),
		Code:    string(code),
	}
	if len(fields) > 0 {
		res.Details = make(map[string]any, len(fields))
		for k, v := range fields {
			res.Details[k] = v
		}
	}
	return res
}
