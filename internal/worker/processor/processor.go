package processor

import (
	"context"
	"time"

	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
	"renderd/internal/ports"
)

type Deps struct {
	Jobs     ports.JobStore
	Renderer Renderer
	SP       ports.StorageProvider
	Log      *logger.Logger
}

type Processor struct {
	jobs ports.JobStore
	log  *logger.Logger

	rendererAdapter *RendererAdapter
	outputHandler   *OutputHandler
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	return &Processor{
		jobs:            d.Jobs,
		log:             log,
		rendererAdapter: NewRendererAdapter(d.Renderer),
		outputHandler:   NewOutputHandler(d.SP),
	}
}

// ProcessJob runs one queued job to COMPLETED or FAILED.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	// 1. Load the job
	log.Debug("fetching job")
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		// nothing to mark when the record is gone
		if errors.IsNotFound(err) {
			log.Warn("dropping queued id with no job record")
			return err
		}
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.fetch", "failed to fetch job"))
	}
	if job.Status.Terminal() {
		log.Warn("skipping job already finished", "status", string(job.Status))
		return nil
	}

	// 2. Mark running
	log.Debug("marking job as running")
	if err := p.jobs.MarkRunning(ctx, jobID); err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.status", "failed to mark job as running"))
	}

	// 3. Render through the supervised worker
	log.Info("starting render", "seconds", job.Seconds)
	start := time.Now()
	video, err := p.rendererAdapter.Render(ctx, job.Seconds)
	if err != nil {
		return p.failJob(ctx, jobID, err)
	}
	log.Debug("render completed",
		"bytes", len(video),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// 4. Archive the video
	keys := GenerateOutputKeys(jobID)
	out, err := p.outputHandler.Archive(ctx, keys, video)
	if err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.outputs", "failed to archive video"))
	}
	log.Debug("video archived", "provider", out.Provider, "object_key", out.ObjectKey)

	// 5. Mark completed
	if err := p.jobs.MarkCompleted(ctx, jobID, out.Provider, out.ObjectKey, out.Size); err != nil {
		return errors.Wrap(err, "processor.save", "failed to mark job as completed")
	}
	return nil
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	code := errors.GetCode(cause)
	msg := truncate(errors.Summary(cause), maxErrorText)

	var rerr *errors.Error
	if errors.As(cause, &rerr) {
		log.Error("job failed",
			"code", string(rerr.Code),
			"op", rerr.Op,
			"message", rerr.Message,
		)
	} else {
		log.Error("job failed", "error", msg)
	}

	// the job ctx may already be done; the FAILED mark still has to land
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.jobs.MarkFailed(markCtx, jobID, string(code), msg); err != nil {
		log.Error("failed to mark job as failed", "error", err.Error())
	}

	return cause
}
