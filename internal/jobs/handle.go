package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

// Handle tracks one dispatched job.
type Handle struct {
	id        string
	accountID string
	source    harvest.Source
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	job     harvest.ScrapeJob
	outcome harvest.Outcome
	err     error
}

// ID returns the job ID.
func (h *Handle) ID() string { return h.id }

// AccountID returns the owning account.
func (h *Handle) AccountID() string { return h.accountID }

// Job returns a snapshot of the job's state.
func (h *Handle) Job() harvest.ScrapeJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// Cancel asks the job to stop. Gathered results are kept as a partial
// artifact. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the job reached a terminal state and the account is
// free for its next job.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx ends. The error is nil for a
// completed job, harvest.ErrAborted for a cancelled one, and the failure
// otherwise; the outcome is returned in every case.
func (h *Handle) Wait(ctx context.Context) (harvest.Outcome, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return harvest.Outcome{}, fmt.Errorf("wait for job %s: %w", h.id, ctx.Err())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

func (h *Handle) setProgress(p harvest.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.Processed < h.job.Progress.Processed {
		p.Processed = h.job.Progress.Processed
	}
	h.job.Progress = p
}

func (h *Handle) finish(status harvest.JobStatus, outcome harvest.Outcome, err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.job.Status = status
	h.job.FinishedAt = &at
	phase := harvest.PhaseDone
	if status != harvest.JobCompleted {
		phase = harvest.PhaseError
	}
	n := len(outcome.Results)
	h.job.Progress = harvest.Progress{Processed: n, Total: n, Phase: phase, Message: outcome.Meta.Error}
	stored := outcome
	stored.Results = nil
	h.job.Outcome = &stored
	h.outcome = outcome
	h.err = err
}
