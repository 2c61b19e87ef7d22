// Package workertest turns a test binary into a fake video renderer worker.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		if workertest.Enabled() {
//			workertest.Main()
//		}
//		os.Exit(m.Run())
//	}
//
// and then spawns os.Args[0] with the environment returned by Env. The fake
// speaks the same line protocol as the real renderer: one JSON request per
// line on stdin (pipe mode) or per connection (socket mode).
package workertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Mode selects how the fake worker behaves.
type Mode string

const (
	// Echo renders: writes the artifact and replies success.
	Echo Mode = "echo"
	// Silent reads requests and never replies.
	Silent Mode = "silent"
	// Exit dies right after start with Options.ExitCode.
	Exit Mode = "exit"
	// Fail replies success:false with "Rendering failed".
	Fail Mode = "fail"
	// Lie replies success:true without writing the artifact.
	Lie Mode = "lie"
	// Noisy behaves like Echo but surrounds replies with progress text.
	Noisy Mode = "noisy"
	// Crash reads one request and exits without replying.
	Crash Mode = "crash"
	// NoSocket stays alive in socket mode but never creates the socket.
	NoSocket Mode = "nosocket"
)

const (
	EnvMode         = "RENDERD_FAKE_WORKER"
	EnvArtifact     = "RENDERD_FAKE_ARTIFACT"
	EnvArtifactSize = "RENDERD_FAKE_ARTIFACT_SIZE"
	EnvSocket       = "RENDERD_FAKE_SOCKET"
	EnvExitCode     = "RENDERD_FAKE_EXIT_CODE"
	EnvDelay        = "RENDERD_FAKE_DELAY"
	EnvReportedSize = "RENDERD_FAKE_REPORTED_SIZE"
)

// FailureMessage is the error text replied in Fail mode.
const FailureMessage = "Rendering failed"

// Options parameterise a fake worker.
type Options struct {
	// Artifact is the path written on a successful render.
	Artifact string
	// ArtifactSize defaults to 1024 bytes.
	ArtifactSize int
	// Socket switches the fake to socket mode on this path.
	Socket string
	// ExitCode is used by Exit and Crash; defaults to 3.
	ExitCode int
	// Delay is slept before each reply.
	Delay time.Duration
	// ReportedSize overrides the file_size in success replies.
	ReportedSize int
}

// Content returns the bytes a fake render writes for an artifact of size n.
func Content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) + 1
	}
	return b
}

// Enabled reports whether this process was started as a fake worker.
func Enabled() bool {
	return os.Getenv(EnvMode) != ""
}

// Env returns the environment entries that select mode and opts.
func Env(mode Mode, opts Options) []string {
	env := []string{EnvMode + "=" + string(mode)}
	if opts.Artifact != "" {
		env = append(env, EnvArtifact+"="+opts.Artifact)
	}
	if opts.ArtifactSize > 0 {
		env = append(env, EnvArtifactSize+"="+strconv.Itoa(opts.ArtifactSize))
	}
	if opts.Socket != "" {
		env = append(env, EnvSocket+"="+opts.Socket)
	}
	if opts.ExitCode != 0 {
		env = append(env, EnvExitCode+"="+strconv.Itoa(opts.ExitCode))
	}
	if opts.Delay > 0 {
		env = append(env, EnvDelay+"="+opts.Delay.String())
	}
	if opts.ReportedSize > 0 {
		env = append(env, EnvReportedSize+"="+strconv.Itoa(opts.ReportedSize))
	}
	return env
}

// Main runs the fake worker described by the environment and exits.
func Main() {
	w := fromEnv()
	fmt.Fprintln(os.Stderr, "fake renderer starting, mode", w.mode)

	if w.mode == Exit {
		fmt.Fprintln(os.Stderr, "fatal: cannot initialise renderer")
		os.Exit(w.exitCode)
	}
	if w.mode == Noisy {
		fmt.Println("=== Video Renderer Daemon ===")
	}

	if w.socket != "" {
		w.serveSocket()
	} else {
		w.servePipe()
	}
	os.Exit(0)
}

type worker struct {
	mode     Mode
	artifact string
	size     int
	socket   string
	exitCode int
	delay    time.Duration
	reported int
}

func fromEnv() *worker {
	w := &worker{
		mode:     Mode(os.Getenv(EnvMode)),
		artifact: os.Getenv(EnvArtifact),
		size:     1024,
		socket:   os.Getenv(EnvSocket),
		exitCode: 3,
	}
	if n, err := strconv.Atoi(os.Getenv(EnvArtifactSize)); err == nil && n > 0 {
		w.size = n
	}
	if n, err := strconv.Atoi(os.Getenv(EnvExitCode)); err == nil {
		w.exitCode = n
	}
	if d, err := time.ParseDuration(os.Getenv(EnvDelay)); err == nil {
		w.delay = d
	}
	if n, err := strconv.Atoi(os.Getenv(EnvReportedSize)); err == nil && n > 0 {
		w.reported = n
	}
	return w
}

func (w *worker) servePipe() {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		reply, ok := w.handle(sc.Bytes())
		if !ok {
			continue
		}
		if w.mode == Noisy {
			fmt.Print(reply, "\nDone.\n")
		} else {
			fmt.Print(reply)
		}
	}
}

func (w *worker) serveSocket() {
	if w.mode == NoSocket {
		for {
			time.Sleep(time.Hour)
		}
	}

	_ = os.Remove(w.socket)
	l, err := net.Listen("unix", w.socket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(4)
	}
	defer l.Close()

	var held []net.Conn
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		line, err := bufio.NewReader(c).ReadBytes('\n')
		if err != nil {
			_ = c.Close()
			continue
		}
		reply, ok := w.handle(line)
		if !ok {
			// keep a reference so the caller sees silence, not EOF
			held = append(held, c)
			continue
		}
		_, _ = c.Write([]byte(reply))
		_ = c.Close()
	}
}

// handle returns the reply for one request line. ok is false when the
// fake must not answer.
func (w *worker) handle(line []byte) (string, bool) {
	var req struct {
		Seconds *float64 `json:"seconds"`
	}
	if err := json.Unmarshal(line, &req); err != nil || req.Seconds == nil {
		return `{"success": false, "error": "Invalid JSON request"}`, true
	}

	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	switch w.mode {
	case Silent:
		return "", false
	case Crash:
		os.Exit(w.exitCode)
	case Fail:
		return fmt.Sprintf(`{"success": false, "error": %q}`, FailureMessage), true
	case Lie:
		return `{"success": true, "file_size": 1024}`, true
	case Noisy:
		fmt.Printf("Rendering %d frames...\n", int(*req.Seconds*24))
	}

	// the file exists empty before it is filled, like an encoder that opens it first
	if err := os.WriteFile(w.artifact, nil, 0o644); err != nil {
		return fmt.Sprintf(`{"success": false, "error": %q}`, err.Error()), true
	}
	if err := os.WriteFile(w.artifact, Content(w.size), 0o644); err != nil {
		return fmt.Sprintf(`{"success": false, "error": %q}`, err.Error()), true
	}
	reported := w.size
	if w.reported > 0 {
		reported = w.reported
	}
	// multi-line reply, like the real renderer's pretty printer
	return fmt.Sprintf("{\n  \"success\": true,\n  \"file_size\": %d\n}", reported), true
}
