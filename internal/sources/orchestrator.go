package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/leadscout/internal/dedupe"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/rotator"
)

// DefaultTrialLimit caps trial results when no limit is configured.
const DefaultTrialLimit = 10

// Enricher fills in missing fields after deduplication using the AI keys.
type Enricher interface {
	Enrich(ctx context.Context, records []harvest.Record, keys harvest.KeyRotator) ([]harvest.Record, error)
}

// Request describes one scrape run.
type Request struct {
	Niche       string
	Source      harvest.Source
	DataType    harvest.DataType
	Format      harvest.Format
	MaxResults  int
	Trial       bool
	Credentials harvest.Credentials
}

// Callbacks receive the run's stream. All are optional and are never called
// concurrently.
type Callbacks struct {
	OnResult   func(harvest.Record)
	OnBatch    func([]harvest.Record)
	OnProgress func(harvest.Progress)
	OnError    func(error)
}

// Options configure an Orchestrator.
type Options struct {
	TrialLimit int
	Deduper    dedupe.Deduper
	Enricher   Enricher
	Rotator    rotator.Options
	Logger     *zap.Logger
}

// Orchestrator runs scrapers resolved from a Registry.
type Orchestrator struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger
}

// New builds an Orchestrator.
func New(registry *Registry, opts Options) *Orchestrator {
	if opts.TrialLimit <= 0 {
		opts.TrialLimit = DefaultTrialLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{registry: registry, opts: opts, logger: logger}
}

// Validate checks a request without touching the network.
func (o *Orchestrator) Validate(req Request) error {
	if strings.TrimSpace(req.Niche) == "" {
		return &harvest.ValidationError{Field: "niche", Reason: "must not be empty"}
	}
	if req.DataType != "" && !req.DataType.Valid() {
		return &harvest.ValidationError{Field: "data_type", Reason: fmt.Sprintf("unsupported data type %q", req.DataType)}
	}
	if req.Format != "" && !req.Format.Valid() {
		return &harvest.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", req.Format)}
	}
	if req.MaxResults < 0 {
		return &harvest.ValidationError{Field: "max_results", Reason: "must not be negative"}
	}
	_, err := o.targets(req)
	return err
}

// targets resolves the scrapers for req and applies their niche checks.
func (o *Orchestrator) targets(req Request) ([]harvest.Scraper, error) {
	niche := strings.TrimSpace(req.Niche)
	if req.Source != harvest.SourceAll {
		s, err := o.registry.Resolve(req.Source)
		if err != nil {
			return nil, err
		}
		if !s.ValidateNiche(niche) {
			return nil, &harvest.ValidationError{Field: "niche", Reason: fmt.Sprintf("not accepted by %s", req.Source)}
		}
		return []harvest.Scraper{s}, nil
	}

	var out []harvest.Scraper
	for _, src := range o.registry.Sources() {
		s, err := o.registry.Resolve(src)
		if err != nil {
			return nil, err
		}
		if s.ValidateNiche(niche) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, &harvest.ValidationError{Field: "niche", Reason: "not accepted by any source"}
	}
	return out, nil
}

// Run drives the scrape for req. On cancellation it returns the deduplicated
// records gathered so far together with harvest.ErrAborted; on failure it
// returns them with the failure. An empty result is a success.
func (o *Orchestrator) Run(ctx context.Context, req Request, cb Callbacks) ([]harvest.Record, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}
	scrapers, err := o.targets(req)
	if err != nil {
		return nil, err
	}
	if req.DataType == "" {
		req.DataType = harvest.DataAll
	}
	req.Niche = strings.TrimSpace(req.Niche)

	st := &stream{
		ctx:    ctx,
		cb:     cb,
		limit:  req.MaxResults,
		logger: o.logger,
	}
	search := rotator.New(req.Credentials.SearchKeys, o.rotatorOptions())

	st.progress(harvest.Progress{Phase: harvest.PhaseQuerying, Message: req.Niche})
	runErr := o.scrapeAll(ctx, req, scrapers, search, st)

	collected := st.snapshot()
	if runErr != nil {
		if aborted(ctx, runErr) {
			runErr = harvest.ErrAborted
		}
		return o.opts.Deduper.Dedupe(collected), runErr
	}
	if err := st.checkpoint(); err != nil {
		return o.opts.Deduper.Dedupe(collected), err
	}

	final := o.opts.Deduper.Dedupe(collected)
	if req.Trial && len(final) > o.opts.TrialLimit {
		final = final[:o.opts.TrialLimit]
	}
	if o.opts.Enricher != nil && len(req.Credentials.AIKeys) > 0 && len(final) > 0 {
		enriched, err := o.opts.Enricher.Enrich(ctx, final, rotator.New(req.Credentials.AIKeys, o.rotatorOptions()))
		switch {
		case err == nil:
			final = enriched
		case aborted(ctx, err):
			return final, harvest.ErrAborted
		case isExhausted(err):
			return final, err
		default:
			o.logger.Warn("enrichment skipped", zap.Error(err))
			st.reportError(fmt.Errorf("enrich: %w", err))
		}
	}

	st.call("OnBatch", func() {
		if cb.OnBatch != nil {
			cb.OnBatch(append([]harvest.Record(nil), final...))
		}
	})
	return final, nil
}

func (o *Orchestrator) scrapeAll(ctx context.Context, req Request, scrapers []harvest.Scraper, search harvest.KeyRotator, st *stream) error {
	if len(scrapers) == 1 {
		return o.scrapeOne(ctx, req, scrapers[0], search, st)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range scrapers {
		g.Go(func() error {
			return o.scrapeOne(gctx, req, s, search, st)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return harvest.ErrAborted
	}
	return err
}

func (o *Orchestrator) scrapeOne(ctx context.Context, req Request, s harvest.Scraper, search harvest.KeyRotator, st *stream) error {
	src := s.Source()
	logger := o.logger.With(zap.String("source", string(src)), zap.String("niche", req.Niche))
	if err := st.checkpoint(); err != nil {
		return err
	}

	var emitted atomic.Bool
	emit := func(rec harvest.Record) error {
		emitted.Store(true)
		return st.emit(ctx, src, rec)
	}
	opts := harvest.ScrapeOptions{
		DataType:    req.DataType,
		Format:      req.Format,
		MaxResults:  req.MaxResults,
		Credentials: req.Credentials,
		Search:      search,
		Emit:        emit,
		Checkpoint:  st.checkpointFor(ctx),
	}

	st.progress(harvest.Progress{Phase: harvest.PhaseScraping, Message: string(src)})
	recs, err := s.Scrape(ctx, req.Niche, opts)
	if !emitted.Load() && len(recs) > 0 {
		// Records returned alongside a failure still count as partial work.
		if rerr := st.replay(ctx, src, recs); err == nil {
			err = rerr
		}
	}

	var transient *harvest.TransientFetchError
	switch {
	case err == nil, errors.Is(err, harvest.ErrLimitReached):
		logger.Debug("source finished", zap.Bool("streamed", emitted.Load()), zap.Int("returned", len(recs)))
		return nil
	case aborted(ctx, err):
		return harvest.ErrAborted
	case errors.As(err, &transient):
		logger.Warn("source skipped after transient failures", zap.Error(err))
		st.reportError(err)
		return nil
	default:
		logger.Warn("source failed", zap.Error(err))
		return fmt.Errorf("%s: %w", src, err)
	}
}

func (o *Orchestrator) rotatorOptions() rotator.Options {
	opts := o.opts.Rotator
	if opts.Logger == nil {
		opts.Logger = o.logger.Named("rotator")
	}
	return opts
}

func aborted(ctx context.Context, err error) bool {
	if errors.Is(err, harvest.ErrAborted) {
		return true
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ctx.Err()))
}

func isExhausted(err error) bool {
	var exhausted *harvest.QuotaExhaustedError
	return errors.As(err, &exhausted)
}

// stream accumulates emitted records and serializes callbacks.
type stream struct {
	ctx    context.Context
	cb     Callbacks
	limit  int
	logger *zap.Logger

	mu      sync.Mutex
	records []harvest.Record
	stopped bool
}

func (s *stream) checkpoint() error {
	if s.ctx.Err() != nil {
		return harvest.ErrAborted
	}
	return nil
}

func (s *stream) checkpointFor(ctx context.Context) func() error {
	return func() error {
		if ctx.Err() != nil {
			return harvest.ErrAborted
		}
		return nil
	}
}

func (s *stream) emit(ctx context.Context, src harvest.Source, rec harvest.Record) error {
	if ctx.Err() != nil {
		return harvest.ErrAborted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ctx.Err() != nil {
		return harvest.ErrAborted
	}
	if s.limit > 0 && len(s.records) >= s.limit {
		return harvest.ErrLimitReached
	}
	if rec.Source == "" {
		rec.Source = src
	}
	s.records = append(s.records, rec)
	n := len(s.records)
	s.callLocked("OnResult", func() {
		if s.cb.OnResult != nil {
			s.cb.OnResult(rec)
		}
	})
	s.callLocked("OnProgress", func() {
		if s.cb.OnProgress != nil {
			s.cb.OnProgress(harvest.Progress{Processed: n, Total: n, Phase: harvest.PhaseScraping, Message: string(src)})
		}
	})
	if s.limit > 0 && n >= s.limit {
		return harvest.ErrLimitReached
	}
	return nil
}

// replay feeds a non-streaming scraper's results through the stream,
// checking for cancellation before each record.
func (s *stream) replay(ctx context.Context, src harvest.Source, recs []harvest.Record) error {
	for _, rec := range recs {
		if err := s.emit(ctx, src, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *stream) snapshot() []harvest.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return append([]harvest.Record(nil), s.records...)
}

func (s *stream) progress(p harvest.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ctx.Err() != nil {
		return
	}
	p.Processed = len(s.records)
	p.Total = len(s.records)
	s.callLocked("OnProgress", func() {
		if s.cb.OnProgress != nil {
			s.cb.OnProgress(p)
		}
	})
}

func (s *stream) call(name string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callLocked(name, fn)
}

func (s *stream) reportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardLocked(err)
}

// callLocked runs a user callback; a panic is logged and forwarded to
// OnError instead of stopping the scrape.
func (s *stream) callLocked(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s callback panicked: %v", name, r)
			s.logger.Error("callback failed", zap.String("callback", name), zap.Error(err))
			s.forwardLocked(err)
		}
	}()
	fn()
}

func (s *stream) forwardLocked(err error) {
	if s.cb.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error callback panicked", zap.Any("panic", r))
		}
	}()
	s.cb.OnError(err)
}
