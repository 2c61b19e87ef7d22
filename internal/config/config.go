// Package config assembles renderd's settings from the environment.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"renderd/internal/daemon/supervisor"
	"renderd/internal/daemon/transport"
	"renderd/internal/pkg/errors"
	"renderd/internal/render"
	"renderd/internal/storage"
	"renderd/internal/worker/queue"
	"renderd/internal/worker/util"
)

type Config struct {
	HTTPPort    string
	CORSOrigins []string

	Worker     supervisor.Config
	Render     render.Config
	EagerStart bool

	// Async pipeline; enabled only when both are set.
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueName     string

	Storage storage.Config

	ShutdownTimeout time.Duration
}

// AsyncEnabled reports whether /run and the job consumer are wired.
func (c Config) AsyncEnabled() bool {
	return c.DatabaseURL != "" && c.RedisAddr != ""
}

// Load reads the environment and validates what can be checked up front.
func Load() (Config, error) {
	kind, err := transport.ParseKind(util.Env("WORKER_TRANSPORT", "pipe"))
	if err != nil {
		return Config{}, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "invalid WORKER_TRANSPORT")
	}

	dir := util.Env("WORKER_DIR", "/app")
	cfg := Config{
		HTTPPort:    util.Env("HTTP_PORT", "8080"),
		CORSOrigins: util.ListEnv("CORS_ALLOWED_ORIGINS", nil),

		Worker: supervisor.Config{
			Binary:       util.Env("WORKER_BINARY", "./video_renderer"),
			Args:         util.FieldsEnv("WORKER_ARGS"),
			Dir:          dir,
			Env:          util.ListEnv("WORKER_ENV", nil),
			Transport:    kind,
			SocketPath:   util.Env("WORKER_SOCKET_PATH", supervisor.DefaultSocketPath),
			StartupGrace: util.DurationEnv("WORKER_STARTUP_GRACE", supervisor.DefaultStartupGrace),
			SocketWait:   util.DurationEnv("WORKER_SOCKET_WAIT", supervisor.DefaultSocketWait),
			PollInterval: util.DurationEnv("WORKER_POLL_INTERVAL", supervisor.DefaultPollInterval),
			StopTimeout:  util.DurationEnv("WORKER_STOP_TIMEOUT", supervisor.DefaultStopTimeout),
		},
		Render: render.Config{
			ArtifactPath:   util.Env("ARTIFACT_PATH", filepath.Join(dir, "output.mp4")),
			Timeout:        util.DurationEnv("RENDER_TIMEOUT", render.DefaultTimeout),
			DefaultSeconds: util.FloatEnv("RENDER_DEFAULT_SECONDS", render.DefaultSeconds),
			MaxSeconds:     util.FloatEnv("RENDER_MAX_SECONDS", float64(render.MaxFrames)/render.FPS),
		},
		EagerStart: util.BoolEnv("WORKER_EAGER_START", true),

		DatabaseURL:   util.Env("DATABASE_URL", ""),
		RedisAddr:     util.Env("REDIS_ADDR", ""),
		RedisPassword: util.Env("REDIS_PASSWORD", ""),
		RedisDB:       int(util.FloatEnv("REDIS_DB", 0)),
		QueueName:     util.Env("JOB_QUEUE_NAME", queue.DefaultName),

		Storage: storage.ConfigFromEnv(),

		ShutdownTimeout: util.DurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Worker.Binary) == "" {
		return errors.ValidationField("WORKER_BINARY", "worker binary is required")
	}
	if c.Render.ArtifactPath == "" {
		return errors.ValidationField("ARTIFACT_PATH", "artifact path is required")
	}
	if c.Render.DefaultSeconds <= 0 {
		return errors.ValidationField("RENDER_DEFAULT_SECONDS", "default seconds must be positive")
	}
	if c.Render.MaxSeconds > 0 && c.Render.DefaultSeconds > c.Render.MaxSeconds {
		return errors.ValidationField("RENDER_DEFAULT_SECONDS", "default seconds exceed RENDER_MAX_SECONDS")
	}
	if (c.DatabaseURL == "") != (c.RedisAddr == "") {
		return errors.Validation("DATABASE_URL and REDIS_ADDR must be set together")
	}
	return nil
}
