package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/metrics"
)

type addCredentialRequest struct {
	Class   string `json:"class" validate:"required,oneof=search ai"`
	Key     string `json:"key" validate:"required"`
	AddedBy string `json:"added_by" validate:"omitempty,max=64"`
}

// credentialDTO never carries the raw key.
type credentialDTO struct {
	Key        string     `json:"key"`
	Class      string     `json:"class"`
	Status     string     `json:"status"`
	AssignedTo *string    `json:"assigned_to,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	AddedBy    string     `json:"added_by,omitempty"`
	AddedAt    time.Time  `json:"added_at"`
}

func toCredentialDTOs(in []harvest.CredentialRecord) []credentialDTO {
	out := make([]credentialDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, credentialDTO{
			Key:        credentials.Mask(rec.Key),
			Class:      string(rec.Class),
			Status:     string(rec.Status),
			AssignedTo: rec.AssignedTo,
			AssignedAt: rec.AssignedAt,
			AddedBy:    rec.AddedBy,
			AddedAt:    rec.AddedAt,
		})
	}
	return out
}

// listCredentials handles GET /v1/credentials?class=. Without a class both
// classes are listed.
func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	classes := []harvest.CredentialClass{harvest.ClassSearch, harvest.ClassAI}
	if raw := strings.TrimSpace(r.URL.Query().Get("class")); raw != "" {
		class := harvest.CredentialClass(strings.ToLower(raw))
		if !class.Valid() {
			writeError(w, http.StatusBadRequest, "invalid class")
			return
		}
		classes = []harvest.CredentialClass{class}
	}
	var recs []harvest.CredentialRecord
	for _, class := range classes {
		recs = append(recs, s.deps.Pool.List(class)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": toCredentialDTOs(recs)})
}

func (s *Server) addCredential(w http.ResponseWriter, r *http.Request) {
	var req addCredentialRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	class := harvest.CredentialClass(req.Class)
	addedBy := req.AddedBy
	if addedBy == "" {
		addedBy = "api"
	}
	if err := s.deps.Pool.Add(r.Context(), class, req.Key, addedBy); err != nil {
		s.fail(w, r, err)
		return
	}
	s.refreshPoolGauges()
	writeJSON(w, http.StatusCreated, map[string]string{
		"class":  string(class),
		"key":    credentials.Mask(strings.TrimSpace(req.Key)),
		"status": string(harvest.CredentialAvailable),
	})
}

func (s *Server) removeCredential(w http.ResponseWriter, r *http.Request) {
	class := harvest.CredentialClass(chi.URLParam(r, "class"))
	key := chi.URLParam(r, "key")
	if err := s.deps.Pool.Remove(r.Context(), class, key); err != nil {
		s.fail(w, r, err)
		return
	}
	s.refreshPoolGauges()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) credentialStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

// refreshPoolGauges mirrors the pool counts into the capacity gauges.
func (s *Server) refreshPoolGauges() {
	stats := s.deps.Pool.Stats()
	for _, class := range []harvest.CredentialClass{harvest.ClassSearch, harvest.ClassAI} {
		metrics.SetPoolCounts(string(class), stats.Available[class], stats.Assigned[class])
	}
}
