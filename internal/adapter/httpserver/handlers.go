package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"log/slog"

	"github.com/fairyhunter13/leadgen-engine/internal/config"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
	"github.com/fairyhunter13/leadgen-engine/internal/usecase"
)

// Server wires job endpoints to the application services.
type Server struct {
	cfg      config.Config
	jobs     usecase.JobService
	validate *validator.Validate
}

// NewServer constructs the HTTP handler set.
func NewServer(cfg config.Config, jobs usecase.JobService) *Server {
	return &Server{cfg: cfg, jobs: jobs, validate: validator.New()}
}

type submitRequest struct {
	Kind       string          `json:"kind" validate:"required"`
	Config     json.RawMessage `json:"config" validate:"required"`
	Priority   int             `json:"priority" validate:"omitempty,min=1,max=10"`
	WebhookURL string          `json:"webhook_url" validate:"omitempty,url"`
}

type jobResponse struct {
	ID             string           `json:"id"`
	Kind           domain.JobKind   `json:"kind"`
	Status         domain.JobStatus `json:"status"`
	Priority       int              `json:"priority"`
	TotalItems     int              `json:"total_items"`
	ProcessedItems int              `json:"processed_items"`
	FailedItems    int              `json:"failed_items"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	WebhookURL     string           `json:"webhook_url,omitempty"`
	CreatedAt      string           `json:"created_at"`
	StartedAt      string           `json:"started_at,omitempty"`
	CompletedAt    string           `json:"completed_at,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	r := jobResponse{
		ID:             j.ID,
		Kind:           j.Kind,
		Status:         j.Status,
		Priority:       j.Priority,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		FailedItems:    j.FailedItems,
		ErrorMessage:   j.ErrorMessage,
		WebhookURL:     j.WebhookURL,
		CreatedAt:      j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.StartedAt != nil {
		r.StartedAt = j.StartedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if j.CompletedAt != nil {
		r.CompletedAt = j.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return r
}

// userID extracts the caller identity set by the gateway. Authentication
// itself happens upstream of this service.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// SubmitJob handles POST /v1/jobs.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	id, err := s.jobs.Submit(r.Context(), usecase.SubmitInput{
		UserID:     userID(r),
		Kind:       domain.JobKind(req.Kind),
		Config:     req.Config,
		Priority:   req.Priority,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("job submitted",
		slog.String("job_id", id),
		slog.String("kind", req.Kind))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(domain.JobQueued)})
}

// GetJob handles GET /v1/jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ListJobs handles GET /v1/jobs with status/kind/page/per_page filters.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.JobFilter{
		UserID: userID(r),
		Status: domain.JobStatus(q.Get("status")),
		Kind:   domain.JobKind(q.Get("kind")),
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, fmt.Errorf("%w: page must be a positive integer", domain.ErrInvalidArgument), nil)
			return
		}
		f.Page = n
	}
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, r, fmt.Errorf("%w: per_page must be 1-100", domain.ErrInvalidArgument), nil)
			return
		}
		f.PerPage = n
	}
	jobs, total, err := s.jobs.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "total": total})
}

// CancelJob handles POST /v1/jobs/{id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("job cancelled", slog.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobCancelled)})
}

// RetryJob handles POST /v1/jobs/{id}/retry. It requeues failed tasks that
// still have attempts left.
func (s *Server) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.jobs.RetryFailedTasks(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "retried_tasks": n})
}

// ExportJob handles GET /v1/jobs/{id}/export?format=json|csv.
func (s *Server) ExportJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")
	body, contentType, err := s.jobs.Export(r.Context(), id, format)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	ext := "json"
	if contentType == "text/csv" {
		ext = "csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"."+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
