// Package supervisor owns the video renderer worker process: it spawns the
// binary, decides when it counts as started, restarts it after a crash or
// a suspected hang, and terminates it on shutdown.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"renderd/internal/daemon/transport"
	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
)

// drainTimeout bounds how long startup failure diagnostics wait for
// buffered worker output.
const drainTimeout = 500 * time.Millisecond

// Supervisor manages one shared worker instance.
type Supervisor struct {
	cfg Config
	log *logger.Logger

	// lifecycle serialises EnsureAlive and Terminate.
	lifecycle sync.Mutex

	mu       sync.Mutex
	proc     *process
	state    State
	suspect  string
	spawns   int
	lastExit *int
	lastTail *tail
}

type process struct {
	cmd    *exec.Cmd
	pid    int
	stdin  *os.File
	stdout *os.File
	pipe   *transport.Pipe
	tr     transport.Transport
	tail   *tail
	pumps  sync.WaitGroup

	exited   chan struct{}
	exitCode int
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func New(cfg Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg: cfg.withDefaults(),
		log: log.WithComponent("supervisor"),
	}
}

// TransportKind reports how requests reach the worker.
func (s *Supervisor) TransportKind() transport.Kind {
	return s.cfg.Transport
}

// EnsureAlive returns a transport to a live worker, spawning or replacing
// the process when needed. It never hands out the transport of a process
// that has exited.
func (s *Supervisor) EnsureAlive(ctx context.Context) (transport.Transport, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	p, state, suspect := s.proc, s.state, s.suspect
	s.mu.Unlock()

	if p != nil {
		if state == Alive && suspect == "" && p.alive() {
			return p.tr, nil
		}
		if suspect != "" {
			s.log.WithWorkerPID(p.pid).Warn("replacing suspect worker", "reason", suspect)
		} else if !p.alive() {
			s.log.WithWorkerPID(p.pid).Warn("worker exited, respawning", "exit_code", p.exitCode)
		}
		s.stop(ctx, p, suspect != "")
	}

	return s.spawn(ctx)
}

// MarkSuspect flags the current worker so the next EnsureAlive replaces it.
func (s *Supervisor) MarkSuspect(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return
	}
	s.suspect = reason
	s.log.WithWorkerPID(s.proc.pid).Warn("worker marked suspect", "reason", reason)
}

// Terminate stops the worker: stdin is closed, SIGTERM is sent, and after
// StopTimeout the process is killed. Calling it again is a no-op.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	s.stop(ctx, p, false)
	return nil
}

// Status reports worker liveness without spawning.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state,
		Spawns:     s.spawns,
		Suspect:    s.suspect != "",
		SuspectWhy: s.suspect,
		ExitCode:   s.lastExit,
	}
	p := s.proc
	s.mu.Unlock()

	if p != nil {
		if p.alive() {
			st.PID = p.pid
			st.Alive = st.State == Alive
			st.ExitCode = nil
		} else {
			code := p.exitCode
			st.ExitCode = &code
			st.State = Dead
		}
	}
	if s.cfg.Transport == transport.KindSocket {
		_, err := os.Stat(s.cfg.SocketPath)
		st.SocketExists = err == nil
	}
	return st
}

// Output returns the recent stdout and stderr lines of the current worker,
// or of the last one stopped.
func (s *Supervisor) Output() string {
	s.mu.Lock()
	t := s.lastTail
	if s.proc != nil {
		t = s.proc.tail
	}
	s.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.String()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) spawn(ctx context.Context) (transport.Transport, error) {
	bin, err := s.resolveBinary()
	if err != nil {
		s.setState(Dead)
		return nil, err
	}

	socketMode := s.cfg.Transport == transport.KindSocket
	if socketMode {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.DaemonUnavailable("cannot remove stale socket", err)
		}
	}

	p, err := s.start(bin)
	if err != nil {
		s.setState(Dead)
		return nil, err
	}

	s.mu.Lock()
	s.proc = p
	s.state = Starting
	s.suspect = ""
	s.spawns++
	s.mu.Unlock()

	log := s.log.WithWorkerPID(p.pid)
	log.Info("video renderer spawned", "binary", bin, "transport", string(s.cfg.Transport))

	if err := s.awaitStartup(ctx, p); err != nil {
		log.WithError(err).Error("video renderer failed to start")
		return nil, err
	}

	s.setState(Alive)
	log.Info("video renderer ready")
	return p.tr, nil
}

func (s *Supervisor) start(bin string) (*process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeStartupFailure, "supervisor.spawn", "cannot create stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, errors.WrapWithCode(err, errors.CodeStartupFailure, "supervisor.spawn", "cannot create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, errors.WrapWithCode(err, errors.CodeStartupFailure, "supervisor.spawn", "cannot create stderr pipe")
	}

	cmd := exec.Command(bin, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// own process group: terminal signals to renderd must not reach the worker
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, errors.BinaryNotExecutable(bin)
		case errors.Is(err, fs.ErrNotExist):
			return nil, errors.BinaryMissing(bin)
		}
		return nil, errors.WrapWithCode(err, errors.CodeStartupFailure, "supervisor.spawn", "cannot start video renderer")
	}
	closeAll(stdinR, stdoutW, stderrW)

	p := &process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdinW,
		stdout: stdoutR,
		tail:   newTail(s.cfg.OutputTail),
		exited: make(chan struct{}),
	}
	wlog := s.log.WithComponent("worker").WithWorkerPID(p.pid)

	p.pumps.Add(1)
	go s.pump(p, wlog, stderrR, "stderr")

	if s.cfg.Transport == transport.KindSocket {
		p.pumps.Add(1)
		go s.pump(p, wlog, stdoutR, "stdout")
		p.tr = transport.NewUnix(s.cfg.SocketPath)
	} else {
		p.pipe = transport.NewPipe(stdinW, stdoutR, func(line []byte) {
			p.tail.add("stdout", string(line))
			wlog.Debug("worker output", "stream", "stdout", "line", string(line))
		})
		p.tr = p.pipe
	}

	go func() {
		_ = cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		close(p.exited)
	}()

	return p, nil
}

func (s *Supervisor) pump(p *process, log *logger.Logger, r *os.File, stream string) {
	defer p.pumps.Done()
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64<<10)
	for sc.Scan() {
		line := sc.Text()
		p.tail.add(stream, line)
		log.Debug("worker output", "stream", stream, "line", line)
	}
}

// awaitStartup waits out the grace period and, in socket mode, the socket
// file. A process that exits meanwhile is a startup failure.
func (s *Supervisor) awaitStartup(ctx context.Context, p *process) error {
	grace := time.NewTimer(s.cfg.StartupGrace)
	defer grace.Stop()

	select {
	case <-p.exited:
		return s.startupFailure(p)
	case <-ctx.Done():
		s.stop(context.Background(), p, true)
		return errors.DaemonUnavailable("startup canceled", ctx.Err())
	case <-grace.C:
	}

	if s.cfg.Transport != transport.KindSocket {
		return nil
	}

	deadline := time.NewTimer(s.cfg.SocketWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for {
		if _, err := os.Stat(s.cfg.SocketPath); err == nil {
			return nil
		}
		select {
		case <-p.exited:
			return s.startupFailure(p)
		case <-ctx.Done():
			s.stop(context.Background(), p, true)
			return errors.DaemonUnavailable("startup canceled", ctx.Err())
		case <-deadline.C:
			s.stop(context.Background(), p, true)
			return errors.DaemonUnavailable(
				fmt.Sprintf("socket %s did not appear within %s", s.cfg.SocketPath, s.cfg.SocketWait), nil).
				WithField("socket", s.cfg.SocketPath).
				WithField("output", p.tail.String())
		case <-tick.C:
		}
	}
}

func (s *Supervisor) startupFailure(p *process) error {
	if p.pipe != nil {
		// stdout is not pumped in pipe mode; collect what the worker printed
		_ = p.stdout.SetReadDeadline(time.Now().Add(drainTimeout))
		if out, _ := io.ReadAll(io.LimitReader(p.stdout, 64<<10)); len(out) > 0 {
			for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
				p.tail.add("stdout", line)
			}
		}
	}
	waitGroup(&p.pumps, drainTimeout)
	s.release(p)

	code := p.exitCode
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.lastTail = p.tail
	s.state = Dead
	s.lastExit = &code
	s.mu.Unlock()

	return errors.StartupFailure(code).WithField("output", p.tail.String())
}

// stop terminates p; force skips the polite phase.
func (s *Supervisor) stop(ctx context.Context, p *process, force bool) {
	log := s.log.WithWorkerPID(p.pid)

	if p.alive() {
		if force {
			_ = p.cmd.Process.Kill()
		} else {
			if p.pipe != nil {
				_ = p.pipe.CloseInput()
			} else {
				_ = p.stdin.Close()
			}
			_ = p.cmd.Process.Signal(syscall.SIGTERM)

			timer := time.NewTimer(s.cfg.StopTimeout)
			select {
			case <-p.exited:
			case <-timer.C:
				log.Warn("worker ignored SIGTERM, killing", "timeout", s.cfg.StopTimeout.String())
				_ = p.cmd.Process.Kill()
			case <-ctx.Done():
				_ = p.cmd.Process.Kill()
			}
			timer.Stop()
		}
		<-p.exited
	}

	s.release(p)
	if s.cfg.Transport == transport.KindSocket {
		_ = os.Remove(s.cfg.SocketPath)
	}

	code := p.exitCode
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.lastTail = p.tail
	s.state = Dead
	s.suspect = ""
	s.lastExit = &code
	s.mu.Unlock()

	log.Info("video renderer stopped", "exit_code", code, "forced", force)
}

// release closes the parent's ends of the worker's stdio.
func (s *Supervisor) release(p *process) {
	if p.pipe != nil {
		_ = p.pipe.Close()
		return
	}
	closeAll(p.stdin)
}

func (s *Supervisor) resolveBinary() (string, error) {
	bin := strings.TrimSpace(s.cfg.Binary)
	if bin == "" {
		return "", errors.BinaryMissing("")
	}

	switch {
	case filepath.IsAbs(bin):
	case strings.ContainsRune(bin, os.PathSeparator):
		bin = filepath.Join(s.cfg.Dir, bin)
	default:
		local := filepath.Join(s.cfg.Dir, bin)
		if _, err := os.Stat(local); err == nil {
			bin = local
		} else if found, err := exec.LookPath(bin); err == nil {
			bin = found
		} else {
			return "", errors.BinaryMissing(bin)
		}
	}
	if abs, err := filepath.Abs(bin); err == nil {
		bin = abs
	}

	fi, err := os.Stat(bin)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errors.BinaryMissing(bin)
		}
		return "", errors.WrapWithCode(err, errors.CodeBinaryMissing, "supervisor.resolve", "cannot stat video renderer binary")
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return "", errors.BinaryNotExecutable(bin)
	}
	return bin, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func waitGroup(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
