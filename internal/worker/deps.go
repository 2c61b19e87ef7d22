package worker

import (
	"context"
	"time"

	"renderd/internal/pkg/logger"
	"renderd/internal/ports"
)

// JobProcessor is satisfied by processor.Processor.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

type Deps struct {
	Queue     ports.JobQueue
	Processor JobProcessor
	Log       *logger.Logger

	// PopTimeout bounds one blocking pop; zero means 30s.
	PopTimeout time.Duration
	// RetryDelay is the pause after a queue error; zero means 1s.
	RetryDelay time.Duration
}
