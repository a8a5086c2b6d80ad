// Package rotator retries external calls across an account's own credentials.
package rotator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

// Rotation reasons passed to Options.OnRotate.
const (
	ReasonQuota     = "quota"
	ReasonTransient = "transient"
)

// Options tune a Rotator.
type Options struct {
	Backoff Backoff
	Logger  *zap.Logger
	// OnRotate is called every time the rotator moves to another key.
	OnRotate func(reason string)
	// Sleep waits between transient attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Rotator walks an ordered key list. Keys rejected for quota are exhausted
// for the rotator's lifetime, which is one job. The credential pool is
// never touched.
type Rotator struct {
	keys   []string
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	current   int
	exhausted map[int]bool
}

var _ harvest.KeyRotator = (*Rotator)(nil)

// New builds a Rotator over keys in order.
func New(keys []string, opts Options) *Rotator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Rotator{
		keys:      append([]string(nil), keys...),
		opts:      opts,
		logger:    logger,
		exhausted: make(map[int]bool, len(keys)),
	}
}

// Call runs req with the current key. Quota failures exhaust the key and
// retry immediately on the next one; once every key is exhausted it returns
// *harvest.QuotaExhaustedError. Other failures rotate with backoff for at
// most len(keys) attempts and then return *harvest.TransientFetchError.
func (r *Rotator) Call(ctx context.Context, req func(ctx context.Context, key string) error) error {
	if len(r.keys) == 0 {
		return &harvest.QuotaExhaustedError{Keys: 0, LastErr: errors.New("no credentials assigned")}
	}

	transient := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, key, ok := r.pick()
		if !ok {
			return &harvest.QuotaExhaustedError{Keys: len(r.keys), LastErr: lastErr}
		}

		err := req(ctx, key)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, harvest.ErrAborted) {
			return err
		}

		if IsQuotaError(err) {
			r.exhaust(idx)
			r.logger.Warn("credential exhausted, rotating",
				zap.Int("key_index", idx),
				zap.Error(err),
			)
			r.rotated(ReasonQuota)
			continue
		}

		transient++
		if transient >= len(r.keys) {
			return &harvest.TransientFetchError{Attempts: transient, Err: err}
		}
		r.advance(idx)
		r.rotated(ReasonTransient)
		r.logger.Debug("call failed, retrying with next credential",
			zap.Int("attempt", transient),
			zap.Error(err),
		)
		if err := r.opts.Sleep(ctx, r.opts.Backoff.Delay(transient-1)); err != nil {
			return err
		}
	}
}

// Remaining returns how many keys are not exhausted.
func (r *Rotator) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys) - len(r.exhausted)
}

// Do runs req through r and returns its value.
func Do[T any](ctx context.Context, r harvest.KeyRotator, req func(ctx context.Context, key string) (T, error)) (T, error) {
	var out T
	err := r.Call(ctx, func(ctx context.Context, key string) error {
		v, err := req(ctx, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Rotator) pick() (int, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < len(r.keys); i++ {
		idx := (r.current + i) % len(r.keys)
		if !r.exhausted[idx] {
			r.current = idx
			return idx, r.keys[idx], true
		}
	}
	return 0, "", false
}

func (r *Rotator) exhaust(idx int) {
	r.mu.Lock()
	r.exhausted[idx] = true
	r.mu.Unlock()
}

func (r *Rotator) advance(idx int) {
	r.mu.Lock()
	if r.current == idx {
		r.current = (idx + 1) % len(r.keys)
	}
	r.mu.Unlock()
}

func (r *Rotator) rotated(reason string) {
	if r.opts.OnRotate != nil {
		r.opts.OnRotate(reason)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
