package supervisor

import (
	"time"

	"renderd/internal/daemon/transport"
)

const (
	DefaultStartupGrace = 500 * time.Millisecond
	DefaultSocketWait   = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultStopTimeout  = 5 * time.Second
	DefaultOutputTail   = 50
	DefaultSocketPath   = "/tmp/video_renderer.sock"
)

// Config describes how to launch and talk to the worker.
type Config struct {
	// Binary is the worker executable. A relative path containing a
	// separator is resolved against Dir; a bare name is looked up in Dir
	// and then in PATH.
	Binary string
	Args   []string
	// Dir is the worker's working directory, where it writes its artifact.
	Dir string
	// Env entries are appended to the service's own environment.
	Env []string

	Transport  transport.Kind
	SocketPath string

	// StartupGrace is how long a fresh process must survive to count as started.
	StartupGrace time.Duration
	// SocketWait bounds the wait for the socket file in socket mode.
	SocketWait   time.Duration
	PollInterval time.Duration
	// StopTimeout is the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	// OutputTail is how many worker output lines are kept for diagnostics.
	OutputTail int
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = transport.KindPipe
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = DefaultStartupGrace
	}
	if c.SocketWait <= 0 {
		c.SocketWait = DefaultSocketWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.OutputTail <= 0 {
		c.OutputTail = DefaultOutputTail
	}
	return c
}
