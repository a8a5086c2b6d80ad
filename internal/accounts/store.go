// Package accounts keeps account records and provisions their credentials.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/docstore"
	"github.com/JakeFAU/leadscout/internal/harvest"
)

// Allocator is the part of the credential pool provisioning needs.
type Allocator interface {
	Allocate(tier harvest.Tier) (harvest.Allocation, error)
	Commit(ctx context.Context, alloc harvest.Allocation, accountID string) error
	Release(ctx context.Context, accountID string) (int, error)
}

// Store owns the accounts document.
type Store struct {
	mu     sync.Mutex
	doc    map[string]harvest.Account
	store  docstore.Store
	pool   Allocator
	clock  harvest.Clock
	logger *zap.Logger
}

// Open loads accounts from the document store.
func Open(ctx context.Context, store docstore.Store, pool Allocator, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc := map[string]harvest.Account{}
	if _, err := docstore.GetJSON(ctx, store, docstore.KeyAccounts, &doc); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if doc == nil {
		doc = map[string]harvest.Account{}
	}
	return &Store{doc: doc, store: store, pool: pool, clock: clock, logger: logger}, nil
}

// Provision creates an account and assigns its tier's credentials. Nothing
// is kept when any step fails.
func (s *Store) Provision(ctx context.Context, id string, tier harvest.Tier, language string) (harvest.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return harvest.Account{}, &harvest.ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if !tier.Valid() {
		return harvest.Account{}, &harvest.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc[id]; ok {
		return harvest.Account{}, fmt.Errorf("%w: %s", harvest.ErrAccountExists, id)
	}

	alloc, err := s.pool.Allocate(tier)
	if err != nil {
		return harvest.Account{}, err
	}
	if err := s.pool.Commit(ctx, alloc, id); err != nil {
		return harvest.Account{}, err
	}

	now := s.clock.Now()
	acct := harvest.Account{
		ID:                 id,
		Tier:               tier,
		AssignedSearchKeys: alloc.SearchKeys,
		AssignedAIKeys:     alloc.AIKeys,
		DailyQuota:         harvest.DailyQuota{LastReset: now},
		Language:           language,
		CreatedAt:          now,
	}
	next := s.cloneLocked()
	next[id] = acct
	if err := s.persistLocked(ctx, next); err != nil {
		if _, relErr := s.pool.Release(ctx, id); relErr != nil {
			s.logger.Error("release after failed provision", zap.String("account_id", id), zap.Error(relErr))
		}
		return harvest.Account{}, err
	}
	s.logger.Info("account provisioned", zap.String("account_id", id), zap.String("tier", string(tier)))
	return acct, nil
}

// Remove deletes the account and then releases its credentials. Removing an
// unknown account is not an error; it still releases anything left assigned
// to the ID by an earlier failed removal.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc[id]; ok {
		next := s.cloneLocked()
		delete(next, id)
		if err := s.persistLocked(ctx, next); err != nil {
			return err
		}
	}
	released, err := s.pool.Release(ctx, id)
	if err != nil {
		return fmt.Errorf("release credentials: %w", err)
	}
	if released > 0 {
		s.logger.Info("account removed", zap.String("account_id", id), zap.Int("released", released))
	}
	return nil
}

// Get returns a copy of the account.
func (s *Store) Get(id string) (harvest.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.doc[id]
	if !ok {
		return harvest.Account{}, fmt.Errorf("%w: %s", harvest.ErrAccountNotFound, id)
	}
	return copyAccount(acct), nil
}

// List returns every account ordered by ID.
func (s *Store) List() []harvest.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]harvest.Account, 0, len(s.doc))
	for _, acct := range s.doc {
		out = append(out, copyAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies fn to a copy of the account and persists the result. When
// fn fails nothing is written and its error is returned.
func (s *Store) Update(ctx context.Context, id string, fn func(*harvest.Account) error) (harvest.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.doc[id]
	if !ok {
		return harvest.Account{}, fmt.Errorf("%w: %s", harvest.ErrAccountNotFound, id)
	}
	acct := copyAccount(cur)
	if err := fn(&acct); err != nil {
		return harvest.Account{}, err
	}
	acct.ID = id
	next := s.cloneLocked()
	next[id] = acct
	if err := s.persistLocked(ctx, next); err != nil {
		return harvest.Account{}, err
	}
	return copyAccount(acct), nil
}

// UpdateQuota replaces the account's daily quota counters.
func (s *Store) UpdateQuota(ctx context.Context, id string, quota harvest.DailyQuota) error {
	_, err := s.Update(ctx, id, func(a *harvest.Account) error {
		a.DailyQuota = quota
		return nil
	})
	return err
}

// SetStage records where the account is in its conversation flow.
func (s *Store) SetStage(ctx context.Context, id, stage string) error {
	_, err := s.Update(ctx, id, func(a *harvest.Account) error {
		a.Stage = stage
		return nil
	})
	return err
}

func (s *Store) cloneLocked() map[string]harvest.Account {
	next := make(map[string]harvest.Account, len(s.doc)+1)
	for k, v := range s.doc {
		next[k] = v
	}
	return next
}

func (s *Store) persistLocked(ctx context.Context, next map[string]harvest.Account) error {
	if err := docstore.PutJSON(ctx, s.store, docstore.KeyAccounts, next); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	s.doc = next
	return nil
}

func copyAccount(a harvest.Account) harvest.Account {
	a.AssignedSearchKeys = append([]string(nil), a.AssignedSearchKeys...)
	a.AssignedAIKeys = append([]string(nil), a.AssignedAIKeys...)
	return a
}
