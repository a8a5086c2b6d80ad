package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/jobs"
)

const (
	defaultJobLimit = 20
	maxJobLimit     = 200
)

type startJobRequest struct {
	Niche      string `json:"niche" validate:"required,max=120"`
	Source     string `json:"source" validate:"required,oneof=instagram facebook linkedin tiktok websites all"`
	DataType   string `json:"data_type" validate:"omitempty,oneof=emails phones profiles all"`
	Format     string `json:"format" validate:"omitempty,oneof=xlsx csv txt json"`
	MaxResults int    `json:"max_results" validate:"gte=0"`
}

type jobDTO struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	Niche        string           `json:"niche"`
	Source       string           `json:"source"`
	DataType     string           `json:"data_type"`
	Format       string           `json:"format"`
	MaxResults   int              `json:"max_results"`
	Status       string           `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Progress     harvest.Progress `json:"progress"`
	Results      *int             `json:"results,omitempty"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	Partial      bool             `json:"partial,omitempty"`
	Delivered    bool             `json:"delivered,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// toJobDTO drops the result rows; artifacts carry those.
func toJobDTO(job harvest.ScrapeJob) jobDTO {
	dto := jobDTO{
		ID:         job.ID,
		AccountID:  job.AccountID,
		Niche:      job.Niche,
		Source:     string(job.Source),
		DataType:   string(job.DataType),
		Format:     string(job.Format),
		MaxResults: job.MaxResults,
		Status:     string(job.Status),
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Progress:   job.Progress,
	}
	if out := job.Outcome; out != nil {
		n := len(out.Results)
		if out.Meta.TotalResults > n {
			n = out.Meta.TotalResults
		}
		dto.Results = &n
		dto.ArtifactPath = out.ArtifactPath
		dto.Partial = out.Meta.IsPartial
		dto.Delivered = out.Delivered
		dto.Error = out.Meta.Error
	}
	return dto
}

func toJobDTOs(in []harvest.ScrapeJob) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

// startJob handles POST /v1/accounts/{account_id}/jobs. The job runs in the
// background; the response carries its initial state.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.deps.Jobs.Start(r.Context(), jobs.StartRequest{
		AccountID:  chi.URLParam(r, "account_id"),
		Niche:      req.Niche,
		Source:     harvest.Source(req.Source),
		DataType:   harvest.DataType(req.DataType),
		Format:     harvest.Format(req.Format),
		MaxResults: req.MaxResults,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobDTO(h.Job())})
}

func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if _, err := s.deps.Accounts.Get(accountID); err != nil {
		s.fail(w, r, err)
		return
	}
	h, ok := s.deps.Jobs.Active(accountID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(h.Job())})
}

// cancelJob handles POST /v1/accounts/{account_id}/jobs/cancel. Cancellation
// is cooperative; the job keeps its partial results.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	h, ok := s.deps.Jobs.Active(chi.URLParam(r, "account_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no active job")
		return
	}
	h.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.ID(), "status": "cancelling"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

// listJobs handles GET /v1/accounts/{account_id}/jobs?limit=&offset=, newest
// first.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := s.deps.Jobs.List(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if offset > len(history) {
		offset = len(history)
	}
	end := min(offset+limit, len(history))
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  toJobDTOs(history[offset:end]),
		"total": len(history),
	})
}

func (s *Server) drainDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drainer == nil {
		writeError(w, http.StatusServiceUnavailable, "delivery drain unavailable")
		return
	}
	report, err := s.deps.Drainer.Drain(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
