package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/pkg/errors"
	"renderd/internal/pkg/logger"
)

type fakeRenderer struct {
	requests []contracts.RenderRequest
	invID    string
}

func (f *fakeRenderer) Render(ctx context.Context, req contracts.RenderRequest) contracts.Result {
	f.requests = append(f.requests, req)
	f.invID, _ = ctx.Value(logger.InvocationIDKey).(string)
	return contracts.Result{Success: true, Video: "AAAA", FileSize: 3, Encoding: contracts.EncodingBase64}
}

func (f *fakeRenderer) Health() contracts.HealthStatus {
	pid := 42
	return contracts.HealthStatus{Success: true, DaemonAlive: true, PID: &pid}
}

func (f *fakeRenderer) DefaultSeconds() float64 { return 8.33 }

func seconds(v float64) *float64 { return &v }

func TestInvokeRoutes(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		health   bool
		renders  float64
		failCode string
	}{
		{name: "empty event renders default", event: Event{}, renders: 8.33},
		{name: "generate video", event: Event{Input: Input{Endpoint: "/generate_video", Seconds: seconds(0.5)}}, renders: 0.5},
		{name: "render alias", event: Event{Input: Input{Endpoint: "render", Seconds: seconds(2)}}, renders: 2},
		{name: "health", event: Event{Input: Input{Endpoint: "/health"}}, health: true},
		{name: "health without slash", event: Event{Input: Input{Endpoint: "health"}}, health: true},
		{name: "unknown endpoint", event: Event{Input: Input{Endpoint: "/transcode"}}, failCode: "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRenderer{}
			out, err := New(r, logger.Discard()).Invoke(context.Background(), tt.event)
			require.NoError(t, err)

			switch {
			case tt.health:
				h, ok := out.(contracts.HealthStatus)
				require.True(t, ok, "expected health status, got %T", out)
				assert.True(t, h.DaemonAlive)
				assert.Empty(t, r.requests)
			case tt.failCode != "":
				res, ok := out.(contracts.Result)
				require.True(t, ok)
				assert.False(t, res.Success)
				assert.Equal(t, tt.failCode, res.Code)
				assert.Contains(t, res.Error, "/transcode")
				assert.Empty(t, r.requests)
			default:
				res, ok := out.(contracts.Result)
				require.True(t, ok)
				assert.True(t, res.Success)
				require.Len(t, r.requests, 1)
				assert.Equal(t, tt.renders, r.requests[0].Seconds)
			}
		})
	}
}

func TestInvokeCarriesEventID(t *testing.T) {
	r := &fakeRenderer{}
	_, err := New(r, logger.Discard()).Invoke(context.Background(), Event{ID: "sync-123"})
	require.NoError(t, err)
	assert.Equal(t, "sync-123", r.invID)
}

func TestRenderRequest(t *testing.T) {
	h := New(&fakeRenderer{}, logger.Discard())

	req, err := h.RenderRequest(Event{Input: Input{Endpoint: "generate_video/"}})
	require.NoError(t, err)
	assert.Equal(t, 8.33, req.Seconds)

	req, err = h.RenderRequest(Event{Input: Input{Seconds: seconds(3)}})
	require.NoError(t, err)
	assert.Equal(t, 3.0, req.Seconds)

	_, err = h.RenderRequest(Event{Input: Input{Endpoint: "/health"}})
	assert.True(t, errors.IsValidation(err))
}
