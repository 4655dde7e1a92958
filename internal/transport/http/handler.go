package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"query-offload-service/internal/entity"
	"query-offload-service/internal/service"
)

type Handler struct {
	admission *service.AdmissionService
	retrieval *service.RetrievalService
}

func NewHandler(admission *service.AdmissionService, retrieval *service.RetrievalService) *Handler {
	return &Handler{admission: admission, retrieval: retrieval}
}

type submitDTO struct {
	QueryDefinition json.RawMessage `json:"query_definition"`
}

type submitResp struct {
	ID string `json:"id"`
}

type statusResp struct {
	ID           string            `json:"id"`
	State        entity.JobState   `json:"state"`
	AttemptCount int               `json:"attempt_count"`
	ErrorKind    *entity.ErrorKind `json:"error_kind,omitempty"`
	Error        *string           `json:"error,omitempty"`
	SubmittedAt  string            `json:"submitted_at"`
	StartedAt    *string           `json:"started_at,omitempty"`
	FinishedAt   *string           `json:"finished_at,omitempty"`
}

// Submit godoc
// @Summary Submit a query for offloaded execution
// @Description Records a queued job and enqueues it. Rejected with 429 when the pending queue is at the admission ceiling.
// @Tags queries
// @Accept json
// @Produce json
// @Param request body submitDTO true "query payload"
// @Success 202 {object} submitResp
// @Failure 400 {object} apiError
// @Failure 429 {object} apiError
// @Router /queries [post]
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var dto submitDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.admission.Submit(r.Context(), dto.QueryDefinition)
	if err != nil {
		if errors.Is(err, service.ErrRejected) {
			writeErrKind(w, http.StatusTooManyRequests, "rejected", "admission ceiling reached, retry later")
			return
		}
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResp{ID: id.String()})
}

// Status godoc
// @Summary Get query job status
// @Tags queries
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} statusResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /queries/{id} [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.retrieval.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeErrKind(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	resp := statusResp{
		ID:           job.ID.String(),
		State:        job.State,
		AttemptCount: job.AttemptCount,
		ErrorKind:    job.ErrorKind,
		Error:        job.Error,
		SubmittedAt:  job.SubmittedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if job.FinishedAt != nil {
		s := job.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// Fetch godoc
// @Summary Stream the rows of a succeeded query job
// @Description Reads from the job's artifact, never from the backend. 409 until succeeded; 404 once the artifact's generation has been evicted.
// @Tags queries
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /queries/{id}/rows [get]
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	it, err := h.retrieval.Fetch(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			writeErrKind(w, http.StatusNotFound, "not_found", "result not found")
		case errors.Is(err, service.ErrNotReady):
			writeErrKind(w, http.StatusConflict, "not_ready", "job not succeeded yet")
		default:
			writeErr(w, http.StatusInternalServerError, "fetch failed")
		}
		return
	}
	defer it.Close()

	// Stream one JSON document without buffering the row set.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	cols, _ := json.Marshal(it.Columns())
	_, _ = w.Write([]byte(`{"columns":`))
	_, _ = w.Write(cols)
	_, _ = w.Write([]byte(`,"rows":[`))

	first := true
	for {
		row, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// headers already sent; truncate the stream
			return
		}
		if !first {
			_, _ = w.Write([]byte(`,`))
		}
		first = false
		b, err := json.Marshal(row)
		if err != nil {
			return
		}
		_, _ = w.Write(b)
	}
	_, _ = w.Write([]byte(`]}`))
}

// Cancel godoc
// @Summary Cancel a queued query job
// @Description Only jobs still queued can be canceled; running and terminal jobs return 409.
// @Tags queries
// @Param id path string true "job id (uuid)"
// @Success 204
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /queries/{id} [delete]
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.admission.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			writeErrKind(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, service.ErrNotCancelable):
			writeErrKind(w, http.StatusConflict, "not_cancelable", err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
