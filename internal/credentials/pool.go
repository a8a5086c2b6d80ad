// Package credentials owns the pool of external API keys and assigns them to
// accounts without ever handing the same key to two accounts.
package credentials

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/docstore"
	"github.com/JakeFAU/leadscout/internal/harvest"
)

// keyRule is the class-specific shape check applied by Add.
type keyRule struct {
	prefix  string
	minLen  int
	pattern *regexp.Regexp
}

// Search keys are Google Custom Search API keys and AI keys are Gemini keys;
// both are Google API keys today.
var keyRules = map[harvest.CredentialClass]keyRule{
	harvest.ClassSearch: {prefix: "AIza", minLen: 39, pattern: regexp.MustCompile(`^AIza[0-9A-Za-z_\-]{35}$`)},
	harvest.ClassAI:     {prefix: "AIza", minLen: 39, pattern: regexp.MustCompile(`^AIza[0-9A-Za-z_\-]{35}$`)},
}

// document is the persisted shape of the pool.
type document struct {
	Search []harvest.CredentialRecord `json:"search"`
	AI     []harvest.CredentialRecord `json:"ai"`
}

func (d document) records(class harvest.CredentialClass) []harvest.CredentialRecord {
	if class == harvest.ClassAI {
		return d.AI
	}
	return d.Search
}

func (d *document) set(class harvest.CredentialClass, recs []harvest.CredentialRecord) {
	if class == harvest.ClassAI {
		d.AI = recs
		return
	}
	d.Search = recs
}

func (d document) clone() document {
	return document{Search: cloneRecords(d.Search), AI: cloneRecords(d.AI)}
}

// Stats summarizes pool capacity per class.
type Stats struct {
	Available map[harvest.CredentialClass]int `json:"available"`
	Assigned  map[harvest.CredentialClass]int `json:"assigned"`
}

// Pool is the single in-process owner of the credentials document. Every
// mutation builds a new document, persists it, and only then replaces the
// in-memory copy.
type Pool struct {
	mu     sync.Mutex
	doc    document
	store  docstore.Store
	clock  harvest.Clock
	logger *zap.Logger
}

// Open loads the pool from the store; a missing document yields an empty pool.
func Open(ctx context.Context, store docstore.Store, clock harvest.Clock, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var doc document
	if _, err := docstore.GetJSON(ctx, store, docstore.KeyCredentials, &doc); err != nil {
		return nil, fmt.Errorf("load credential pool: %w", err)
	}
	return &Pool{doc: doc, store: store, clock: clock, logger: logger}, nil
}

// Add appends a new available credential after validating its shape.
func (p *Pool) Add(ctx context.Context, class harvest.CredentialClass, key, addedBy string) error {
	key = strings.TrimSpace(key)
	if err := validateKey(class, key); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.doc.records(class) {
		if rec.Key == key {
			return fmt.Errorf("%w: %s key %s", harvest.ErrDuplicateCredential, class, Mask(key))
		}
	}
	next := p.doc.clone()
	next.set(class, append(next.records(class), harvest.CredentialRecord{
		Key:     key,
		Class:   class,
		Status:  harvest.CredentialAvailable,
		AddedBy: addedBy,
		AddedAt: p.clock.Now(),
	}))
	if err := p.persist(ctx, next); err != nil {
		return err
	}
	p.logger.Info("credential added",
		zap.String("class", string(class)),
		zap.String("key", Mask(key)),
		zap.String("added_by", addedBy),
	)
	return nil
}

// Remove deletes an unassigned credential.
func (p *Pool) Remove(ctx context.Context, class harvest.CredentialClass, key string) error {
	if !class.Valid() {
		return &harvest.ValidationError{Field: "class", Reason: fmt.Sprintf("unknown credential class %q", class)}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	recs := p.doc.records(class)
	idx := -1
	for i, rec := range recs {
		if rec.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s key %s", harvest.ErrCredentialNotFound, class, Mask(key))
	}
	if rec := recs[idx]; rec.Status == harvest.CredentialAssigned {
		return &harvest.InUseError{Class: class, AssignedTo: deref(rec.AssignedTo)}
	}

	next := p.doc.clone()
	kept := next.records(class)
	next.set(class, append(kept[:idx:idx], kept[idx+1:]...))
	if err := p.persist(ctx, next); err != nil {
		return err
	}
	p.logger.Info("credential removed", zap.String("class", string(class)), zap.String("key", Mask(key)))
	return nil
}

// Allocate picks the keys a tier needs without changing any record. It never
// returns a partial allocation.
func (p *Pool) Allocate(tier harvest.Tier) (harvest.Allocation, error) {
	if !tier.Valid() {
		return harvest.Allocation{}, &harvest.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	need := tier.KeysPerClass()

	p.mu.Lock()
	defer p.mu.Unlock()
	alloc := harvest.Allocation{Tier: tier}
	for _, class := range harvest.Classes {
		keys := availableKeys(p.doc.records(class), need)
		if len(keys) < need {
			return harvest.Allocation{}, &harvest.ShortageError{Class: class, Needed: need, Available: len(keys)}
		}
		if class == harvest.ClassAI {
			alloc.AIKeys = keys
		} else {
			alloc.SearchKeys = keys
		}
	}
	return alloc, nil
}

// Commit assigns the allocated keys to accountID as one persisted unit. It
// fails without side effects if any chosen key is no longer available.
func (p *Pool) Commit(ctx context.Context, alloc harvest.Allocation, accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return &harvest.ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if need := alloc.Tier.KeysPerClass(); len(alloc.SearchKeys) != need || len(alloc.AIKeys) != need {
		return &harvest.ValidationError{Field: "allocation", Reason: "key count does not match tier"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.doc.clone()
	now := p.clock.Now()
	for _, class := range harvest.Classes {
		keys := alloc.SearchKeys
		if class == harvest.ClassAI {
			keys = alloc.AIKeys
		}
		recs := next.records(class)
		for _, key := range keys {
			i := indexOf(recs, key)
			if i < 0 {
				return fmt.Errorf("%w: %s key %s", harvest.ErrCredentialNotFound, class, Mask(key))
			}
			if recs[i].Status != harvest.CredentialAvailable {
				return fmt.Errorf("commit allocation: %s key %s is no longer available", class, Mask(key))
			}
			owner := accountID
			at := now
			recs[i].Status = harvest.CredentialAssigned
			recs[i].AssignedTo = &owner
			recs[i].AssignedAt = &at
		}
	}
	if err := p.persist(ctx, next); err != nil {
		return err
	}
	p.logger.Info("credentials assigned",
		zap.String("account_id", accountID),
		zap.String("tier", string(alloc.Tier)),
		zap.Int("per_class", len(alloc.SearchKeys)),
	)
	return nil
}

// Release returns every key assigned to accountID to the pool. Calling it
// for an account that holds nothing is a no-op and performs no write.
func (p *Pool) Release(ctx context.Context, accountID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.doc.clone()
	released := 0
	for _, class := range harvest.Classes {
		recs := next.records(class)
		for i := range recs {
			if recs[i].AssignedTo == nil || *recs[i].AssignedTo != accountID {
				continue
			}
			recs[i].Status = harvest.CredentialAvailable
			recs[i].AssignedTo = nil
			recs[i].AssignedAt = nil
			released++
		}
	}
	if released == 0 {
		return 0, nil
	}
	if err := p.persist(ctx, next); err != nil {
		return 0, err
	}
	p.logger.Info("credentials released", zap.String("account_id", accountID), zap.Int("count", released))
	return released, nil
}

// List returns a copy of the records of one class.
func (p *Pool) List(class harvest.CredentialClass) []harvest.CredentialRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneRecords(p.doc.records(class))
}

// Stats counts available and assigned records per class.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Available: make(map[harvest.CredentialClass]int, len(harvest.Classes)),
		Assigned:  make(map[harvest.CredentialClass]int, len(harvest.Classes)),
	}
	for _, class := range harvest.Classes {
		for _, rec := range p.doc.records(class) {
			if rec.Status == harvest.CredentialAssigned {
				st.Assigned[class]++
			} else {
				st.Available[class]++
			}
		}
	}
	return st
}

func (p *Pool) persist(ctx context.Context, next document) error {
	if err := docstore.PutJSON(ctx, p.store, docstore.KeyCredentials, next); err != nil {
		return fmt.Errorf("persist credential pool: %w", err)
	}
	p.doc = next
	return nil
}

func validateKey(class harvest.CredentialClass, key string) error {
	rule, ok := keyRules[class]
	if !ok {
		return &harvest.ValidationError{Field: "class", Reason: fmt.Sprintf("unknown credential class %q", class)}
	}
	switch {
	case key == "":
		return fmt.Errorf("%w: key is empty", harvest.ErrInvalidCredential)
	case len(key) < rule.minLen:
		return fmt.Errorf("%w: %s key too short", harvest.ErrInvalidCredential, class)
	case !strings.HasPrefix(key, rule.prefix):
		return fmt.Errorf("%w: %s key must start with %q", harvest.ErrInvalidCredential, class, rule.prefix)
	case !rule.pattern.MatchString(key):
		return fmt.Errorf("%w: %s key is malformed", harvest.ErrInvalidCredential, class)
	}
	return nil
}

func availableKeys(recs []harvest.CredentialRecord, limit int) []string {
	keys := make([]string, 0, limit)
	for _, rec := range recs {
		if rec.Status != harvest.CredentialAvailable {
			continue
		}
		keys = append(keys, rec.Key)
		if len(keys) == limit {
			break
		}
	}
	return keys
}

func indexOf(recs []harvest.CredentialRecord, key string) int {
	for i, rec := range recs {
		if rec.Key == key {
			return i
		}
	}
	return -1
}

func cloneRecords(src []harvest.CredentialRecord) []harvest.CredentialRecord {
	if src == nil {
		return nil
	}
	dst := make([]harvest.CredentialRecord, len(src))
	for i, rec := range src {
		dst[i] = rec
		if rec.AssignedTo != nil {
			owner := *rec.AssignedTo
			dst[i].AssignedTo = &owner
		}
		if rec.AssignedAt != nil {
			at := *rec.AssignedAt
			dst[i].AssignedAt = &at
		}
	}
	return dst
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Mask hides all but the last four characters of a key for logs and API responses.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
