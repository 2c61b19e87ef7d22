package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"renderd/internal/handler"
	"renderd/internal/httpkit"
	"renderd/internal/models"
	"renderd/internal/pkg/errors"
	"renderd/internal/worker/util"
)

// Run records a render job and queues it for the consumer.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) error {
	if !h.asyncEnabled() {
		return errors.Unavailable("async jobs")
	}
	ctx := r.Context()

	var ev handler.Event
	if err := httpkit.DecodeJSON(w, r, &ev); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "api.run", "invalid json body")
	}
	req, err := h.inv.RenderRequest(ev)
	if err != nil {
		return err
	}
	if req.Seconds <= 0 {
		return errors.ValidationField("seconds", "seconds must be positive")
	}

	job := &models.RenderJob{
		ID:      util.NewID("job"),
		Status:  models.JobQueued,
		Seconds: req.Seconds,
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		return errors.Wrap(err, "api.run", "failed to record job")
	}

	if err := h.queue.Push(ctx, job.ID); err != nil {
		_ = h.jobs.MarkFailed(ctx, job.ID, string(errors.CodeUnavailable), "queue push failed")
		return errors.WrapWithCode(err, errors.CodeUnavailable, "api.run", "queue push failed")
	}

	h.log.FromContext(ctx).WithJobID(job.ID).Info("job queued", "seconds", job.Seconds)
	httpkit.WriteJSON(w, http.StatusAccepted, RunResponse{ID: job.ID, Status: job.Status})
	return nil
}

// Status returns the job record.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) error {
	if !h.asyncEnabled() {
		return errors.Unavailable("async jobs")
	}

	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, job)
	return nil
}

// Video streams the archived output of a completed job.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) error {
	if !h.asyncEnabled() {
		return errors.Unavailable("async jobs")
	}
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobCompleted || job.ObjectKey == "" {
		return errors.NotFound("video", jobID).WithField("status", string(job.Status))
	}

	rc, ct, size, err := h.sp.GetObject(ctx, job.ObjectKey)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NotFound("video", jobID).WithField("object_key", job.ObjectKey)
		}
		return errors.Wrap(err, "api.video", "failed to open archived video")
	}
	defer rc.Close()

	if ct == "" {
		ct = "video/mp4"
	}
	if size <= 0 && job.FileSize != nil {
		size = *job.FileSize
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", jobID+".mp4"))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		// headers are gone; all that is left is to log it
		h.log.FromContext(ctx).WithJobID(jobID).Warn("video stream interrupted", "error", err.Error())
	}
	return nil
}
