package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/harvest"
)

type provisionRequest struct {
	AccountID string `json:"account_id" validate:"required,max=128"`
	Tier      string `json:"tier" validate:"required,oneof=trial paid"`
	Language  string `json:"language" validate:"omitempty,max=8"`
}

type accountDTO struct {
	ID         string             `json:"id"`
	Tier       string             `json:"tier"`
	SearchKeys []string           `json:"search_keys"`
	AIKeys     []string           `json:"ai_keys"`
	DailyQuota harvest.DailyQuota `json:"daily_quota"`
	Language   string             `json:"language,omitempty"`
	Stage      string             `json:"stage,omitempty"`
}

func toAccountDTO(a harvest.Account) accountDTO {
	return accountDTO{
		ID:         a.ID,
		Tier:       string(a.Tier),
		SearchKeys: maskAll(a.AssignedSearchKeys),
		AIKeys:     maskAll(a.AssignedAIKeys),
		DailyQuota: a.DailyQuota,
		Language:   a.Language,
		Stage:      a.Stage,
	}
}

func maskAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = credentials.Mask(k)
	}
	return out
}

func (s *Server) provisionAccount(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.deps.Accounts.Provision(r.Context(), req.AccountID, harvest.Tier(req.Tier), req.Language)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.refreshPoolGauges()
	writeJSON(w, http.StatusCreated, map[string]any{"account": toAccountDTO(acct)})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Accounts.Get(chi.URLParam(r, "account_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": toAccountDTO(acct)})
}

// removeAccount releases the account's keys. Removing an unknown account
// succeeds; an account with a running job keeps its keys until the job ends.
func (s *Server) removeAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "account_id")
	if _, busy := s.deps.Jobs.Active(id); busy {
		s.fail(w, r, fmt.Errorf("remove %s: %w", id, harvest.ErrAccountBusy))
		return
	}
	if err := s.deps.Accounts.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.refreshPoolGauges()
	w.WriteHeader(http.StatusNoContent)
}
