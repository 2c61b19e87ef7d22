package handlers

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/handler"
	"renderd/internal/pkg/logger"
	"renderd/internal/ports"
)

// Invoker is implemented by handler.Handler.
type Invoker interface {
	Invoke(ctx context.Context, ev handler.Event) (any, error)
	RenderRequest(ev handler.Event) (contracts.RenderRequest, error)
}

// Deps wires the API. Jobs, Queue, Pool and RDB are nil when the async
// pipeline is disabled; SP is nil when nothing is archived.
type Deps struct {
	Invoker Invoker
	Jobs    ports.JobStore
	Queue   ports.JobQueue
	Pool    *pgxpool.Pool
	RDB     *redis.Client
	SP      ports.StorageProvider
	Log     *logger.Logger
}

type Handler struct {
	inv   Invoker
	jobs  ports.JobStore
	queue ports.JobQueue
	pool  *pgxpool.Pool
	rdb   *redis.Client
	sp    ports.StorageProvider
	log   *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		inv:   d.Invoker,
		jobs:  d.Jobs,
		queue: d.Queue,
		pool:  d.Pool,
		rdb:   d.RDB,
		sp:    d.SP,
		log:   log.WithComponent("api"),
	}
}

func (h *Handler) asyncEnabled() bool {
	return h.jobs != nil && h.queue != nil && h.sp != nil
}
