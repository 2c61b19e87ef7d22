// Package handler routes serverless invocation events to the render
// orchestrator. It is shared by the HTTP API and the Lambda entry point.
package handler

import (
	"context"
	"strings"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
)

// Endpoints accepted in Event.Input.Endpoint.
const (
	EndpointHealth        = "/health"
	EndpointGenerateVideo = "/generate_video"
	EndpointRender        = "/render"
)

// Event is one invocation as delivered by the hosting framework.
type Event struct {
	ID    string `json:"id,omitempty"`
	Input Input  `json:"input"`
}

type Input struct {
	Seconds  *float64 `json:"seconds,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
}

// Renderer is implemented by render.Orchestrator.
type Renderer interface {
	Render(ctx context.Context, req contracts.RenderRequest) contracts.Result
	Health() contracts.HealthStatus
	DefaultSeconds() float64
}

type Handler struct {
	r   Renderer
	log *logger.Logger
}

func New(r Renderer, log *logger.Logger) *Handler {
	return &Handler{r: r, log: log.WithComponent("handler")}
}

// Invoke answers one event. The returned value is a contracts.Result or a
// contracts.HealthStatus; the error is always nil so the hosting framework
// never sees a crash.
func (h *Handler) Invoke(ctx context.Context, ev Event) (any, error) {
	if ev.ID != "" {
		ctx = logger.ContextWithInvocationID(ctx, ev.ID)
	}
	log := h.log.FromContext(ctx)

	if normalizeEndpoint(ev.Input.Endpoint) == EndpointHealth {
		return h.r.Health(), nil
	}

	req, err := h.RenderRequest(ev)
	if err != nil {
		log.Warn("unknown endpoint", "endpoint", ev.Input.Endpoint)
		return contracts.Result{
			Success: false,
			Error:   errors.Summary(err),
			Code:    string(errors.GetCode(err)),
			Details: errors.GetFields(err),
		}, nil
	}
	log.Info("render requested", "seconds", req.Seconds, "endpoint", normalizeEndpoint(ev.Input.Endpoint))

	return h.r.Render(ctx, req), nil
}

// RenderRequest resolves the render an event asks for, applying the
// default duration. Events for any other endpoint are rejected.
func (h *Handler) RenderRequest(ev Event) (contracts.RenderRequest, error) {
	switch endpoint := normalizeEndpoint(ev.Input.Endpoint); endpoint {
	case "", EndpointGenerateVideo, EndpointRender:
	default:
		return contracts.RenderRequest{}, errors.ValidationField("endpoint", "unknown endpoint: "+ev.Input.Endpoint)
	}

	seconds := h.r.DefaultSeconds()
	if ev.Input.Seconds != nil {
		seconds = *ev.Input.Seconds
	}
	return contracts.RenderRequest{Seconds: seconds}, nil
}

func normalizeEndpoint(e string) string {
	e = strings.TrimSpace(e)
	if e == "" {
		return ""
	}
	return "/" + strings.Trim(e, "/")
}
