package ports

import (
	"context"

	"renderd/internal/models"
)

// JobStore persists RenderJob records.
type JobStore interface {
	Create(ctx context.Context, job *models.RenderJob) error
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, provider, objectKey string, size int64) error
	MarkFailed(ctx context.Context, id, code, text string) error
}

// JobQueue carries job ids from the API to the consumer.
type JobQueue interface {
	Push(ctx context.Context, jobID string) error
	Pop(ctx context.Context) (string, error)
}
