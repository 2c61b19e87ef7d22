package worker

import (
	"context"
	"time"

	"renderd/internal/pkg/logger"
)

// Run pops job ids until ctx is canceled and processes them one at a time.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	popTimeout := d.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 30 * time.Second
	}
	retryDelay := d.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	log.Info("job consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, popTimeout)
		jobID, err := d.Queue.Pop(popCtx)
		timedOut := popCtx.Err() != nil
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			// an idle queue shows up as the pop deadline expiring
			if timedOut {
				continue
			}

			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if jobID == "" {
			continue
		}

		jobCtx := logger.ContextWithJobID(ctx, jobID)
		jobLog := log.WithJobID(jobID)

		jobLog.Info("processing job")
		startTime := time.Now()

		if err := d.Processor.ProcessJob(jobCtx, jobID); err != nil {
			jobLog.Error("job failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			jobLog.Info("job completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}
