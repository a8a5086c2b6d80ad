package resilience

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/docstore"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/metrics"
)

// DeliverFunc hands a pending artifact to the delivery channel.
type DeliverFunc func(ctx context.Context, p harvest.PendingDelivery) error

// DrainReport counts what one drain pass did.
type DrainReport struct {
	Delivered int `json:"delivered"`
	Discarded int `json:"discarded"`
	Failed    int `json:"failed"`
}

// PendingStore owns the pending_deliveries document. There is at most one
// entry per account; a newer enqueue replaces the older one.
type PendingStore struct {
	mu      sync.Mutex
	drainMu sync.Mutex
	doc     map[string]harvest.PendingDelivery
	store   docstore.Store
	clock   harvest.Clock
	logger  *zap.Logger
}

// OpenPending loads pending deliveries from the store.
func OpenPending(ctx context.Context, store docstore.Store, clock harvest.Clock, logger *zap.Logger) (*PendingStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc := map[string]harvest.PendingDelivery{}
	if _, err := docstore.GetJSON(ctx, store, docstore.KeyPending, &doc); err != nil {
		return nil, fmt.Errorf("load pending deliveries: %w", err)
	}
	if doc == nil {
		doc = map[string]harvest.PendingDelivery{}
	}
	return &PendingStore{doc: doc, store: store, clock: clock, logger: logger}, nil
}

// Enqueue records an artifact awaiting delivery for accountID.
func (p *PendingStore) Enqueue(ctx context.Context, accountID, artifactPath string, meta harvest.ArtifactMeta) error {
	if accountID == "" || artifactPath == "" {
		return &harvest.ValidationError{Field: "pending_delivery", Reason: "account id and artifact path are required"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cloneLocked()
	next[accountID] = harvest.PendingDelivery{
		AccountID:    accountID,
		ArtifactPath: artifactPath,
		Meta:         meta,
		QueuedAt:     p.clock.Now(),
	}
	if err := p.persistLocked(ctx, next); err != nil {
		return err
	}
	p.logger.Info("delivery queued", zap.String("account_id", accountID), zap.String("artifact", artifactPath))
	return nil
}

// List returns the pending entries ordered by account.
func (p *PendingStore) List() []harvest.PendingDelivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]harvest.PendingDelivery, 0, len(p.doc))
	for _, e := range p.doc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Get returns the entry for accountID.
func (p *PendingStore) Get(accountID string) (harvest.PendingDelivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.doc[accountID]
	return e, ok
}

// Drain tries every pending entry once. Entries whose artifact is gone are
// discarded without calling deliver; delivered entries are removed; failed
// ones stay for the next pass. Only one drain runs at a time.
func (p *PendingStore) Drain(ctx context.Context, deliver DeliverFunc) (DrainReport, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	var report DrainReport
	var errs []error
	for _, entry := range p.List() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := p.logger.With(zap.String("account_id", entry.AccountID), zap.String("artifact", entry.ArtifactPath))

		if _, err := os.Stat(entry.ArtifactPath); errors.Is(err, os.ErrNotExist) {
			if err := p.remove(ctx, entry); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Discarded++
			logger.Info("pending delivery discarded, artifact missing")
			continue
		}

		if err := deliver(ctx, entry); err != nil {
			report.Failed++
			logger.Warn("pending delivery failed", zap.Error(err))
			continue
		}
		if err := p.remove(ctx, entry); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Delivered++
		logger.Info("pending delivery sent")
	}
	return report, errors.Join(errs...)
}

// remove drops entry unless a newer enqueue replaced it meanwhile.
func (p *PendingStore) remove(ctx context.Context, entry harvest.PendingDelivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.doc[entry.AccountID]
	if !ok || !cur.QueuedAt.Equal(entry.QueuedAt) || cur.ArtifactPath != entry.ArtifactPath {
		return nil
	}
	next := p.cloneLocked()
	delete(next, entry.AccountID)
	return p.persistLocked(ctx, next)
}

func (p *PendingStore) cloneLocked() map[string]harvest.PendingDelivery {
	next := make(map[string]harvest.PendingDelivery, len(p.doc)+1)
	for k, v := range p.doc {
		next[k] = v
	}
	return next
}

func (p *PendingStore) persistLocked(ctx context.Context, next map[string]harvest.PendingDelivery) error {
	if err := docstore.PutJSON(ctx, p.store, docstore.KeyPending, next); err != nil {
		return fmt.Errorf("persist pending deliveries: %w", err)
	}
	p.doc = next
	metrics.SetPendingDeliveries(len(next))
	return nil
}
