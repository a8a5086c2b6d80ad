package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

const defaultHistoryPerAccount = 50

// JobStore keeps a bounded per-account history of job runs.
type JobStore struct {
	mu         sync.RWMutex
	jobs       map[string]harvest.ScrapeJob
	byAccount  map[string][]string
	perAccount int
}

// NewJobStore constructs a JobStore that keeps perAccount jobs per account.
func NewJobStore(perAccount int) *JobStore {
	if perAccount <= 0 {
		perAccount = defaultHistoryPerAccount
	}
	return &JobStore{
		jobs:       make(map[string]harvest.ScrapeJob),
		byAccount:  make(map[string][]string),
		perAccount: perAccount,
	}
}

// SaveJob inserts or replaces a job. The oldest job of the account is
// evicted once the history is full.
func (s *JobStore) SaveJob(_ context.Context, job harvest.ScrapeJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		ids := append(s.byAccount[job.AccountID], job.ID)
		for len(ids) > s.perAccount {
			delete(s.jobs, ids[0])
			ids = ids[1:]
		}
		s.byAccount[job.AccountID] = ids
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.ScrapeJob{}, fmt.Errorf("%w: %s", harvest.ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// ListJobs returns the account's jobs, newest first.
func (s *JobStore) ListJobs(_ context.Context, accountID string) ([]harvest.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAccount[accountID]
	out := make([]harvest.ScrapeJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneJob(s.jobs[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func cloneJob(job harvest.ScrapeJob) harvest.ScrapeJob {
	if job.FinishedAt != nil {
		ts := *job.FinishedAt
		job.FinishedAt = &ts
	}
	if job.Outcome != nil {
		o := *job.Outcome
		o.Results = append([]harvest.Record(nil), o.Results...)
		job.Outcome = &o
	}
	return job
}
