package harvest

import (
	"context"
	"time"
)

// ScrapeOptions configure one scraper invocation.
type ScrapeOptions struct {
	DataType    DataType
	Format      Format
	MaxResults  int
	Credentials Credentials
	// Search rotates calls across the job's search keys.
	Search KeyRotator
	// Emit streams a record to the orchestrator. It returns ErrAborted once
	// the job is cancelled and ErrLimitReached once MaxResults records were
	// accepted; scrapers must stop when it returns an error. When a scraper
	// emits anything its returned slice is ignored.
	Emit func(Record) error
	// Checkpoint is polled between units of work and returns ErrAborted after cancellation.
	Checkpoint func() error
}

// KeyRotator runs req with one credential at a time, moving to the next
// credential on quota or rate-limit failures.
type KeyRotator interface {
	Call(ctx context.Context, req func(ctx context.Context, key string) error) error
}

// Scraper is the per-source capability. Implementations may stream through
// ScrapeOptions.Emit, return records, or both.
type Scraper interface {
	Source() Source
	ValidateNiche(niche string) bool
	Scrape(ctx context.Context, niche string, opts ScrapeOptions) ([]Record, error)
}

// Deliverer hands a finished artifact to the messaging channel.
type Deliverer interface {
	Deliver(ctx context.Context, accountID, artifactPath string, meta ArtifactMeta) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutFile(ctx context.Context, path string, localPath string) (string, error)
}

// JobStore keeps the history of job runs for status queries.
type JobStore interface {
	SaveJob(ctx context.Context, job ScrapeJob) error
	GetJob(ctx context.Context, jobID string) (ScrapeJob, error)
	ListJobs(ctx context.Context, accountID string) ([]ScrapeJob, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
