package handlers

import (
	"net/http"

	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/handler"
	"renderd/internal/httpkit"
	"renderd/internal/models"
	"renderd/internal/pkg/errors"
	"renderd/internal/worker/util"
)

// RunResponse wraps an invocation's output with its id and outcome.
type RunResponse struct {
	ID     string           `json:"id"`
	Status models.JobStatus `json:"status"`
	Output any              `json:"output,omitempty"`
}

// RunSync answers an invocation event in the request itself.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) error {
	var ev handler.Event
	if err := httpkit.DecodeJSON(w, r, &ev); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "api.runsync", "invalid json body")
	}
	if ev.ID == "" {
		ev.ID = util.NewID("sync")
	}

	out, _ := h.inv.Invoke(r.Context(), ev)

	status := models.JobCompleted
	if res, ok := out.(contracts.Result); ok && !res.Success {
		status = models.JobFailed
	}

	httpkit.WriteJSON(w, http.StatusOK, RunResponse{ID: ev.ID, Status: status, Output: out})
	return nil
}
