// Package jobs runs scrape jobs for accounts: it gates them on the daily
// quota, keeps one active job per account, and finishes every run with an
// artifact, a delivery attempt, and a history entry.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/clock/system"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/id/uuid"
	"github.com/JakeFAU/leadscout/internal/metrics"
	"github.com/JakeFAU/leadscout/internal/progress"
	"github.com/JakeFAU/leadscout/internal/resilience"
	"github.com/JakeFAU/leadscout/internal/sources"
	"github.com/JakeFAU/leadscout/internal/storage/memory"
)

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("job manager is shut down")

const (
	dayLayout              = "2006-01-02"
	defaultDailyLimitTrial = 1
	defaultDailyLimitPaid  = 4
	defaultMaxResults      = 50
	defaultMaxResultsCap   = 500
	defaultDeliveryTimeout = 2 * time.Minute
)

// Accounts is the account state the manager reads and charges.
type Accounts interface {
	Get(id string) (harvest.Account, error)
	Update(ctx context.Context, id string, fn func(*harvest.Account) error) (harvest.Account, error)
}

// Runner executes one scrape.
type Runner interface {
	Validate(req sources.Request) error
	Run(ctx context.Context, req sources.Request, cb sources.Callbacks) ([]harvest.Record, error)
}

// Exporter writes result sets to artifacts.
type Exporter interface {
	Export(records []harvest.Record, meta harvest.ArtifactMeta) (string, error)
}

// AutoSaver snapshots in-flight results.
type AutoSaver interface {
	Start(ctx context.Context, sess resilience.Session, snapshot func() []harvest.Record) (stop func())
	FlushInterrupt(ctx context.Context, sess resilience.Session, records []harvest.Record, meta harvest.ArtifactMeta) (string, error)
	Discard(sess resilience.Session) error
}

// Checksummer digests finished artifacts.
type Checksummer interface {
	HashFile(path string) (string, error)
}

// PendingQueue keeps artifacts whose delivery failed.
type PendingQueue interface {
	Enqueue(ctx context.Context, accountID, artifactPath string, meta harvest.ArtifactMeta) error
}

// Config tunes the manager.
type Config struct {
	DailyLimitTrial   int
	DailyLimitPaid    int
	Location          *time.Location
	DefaultMaxResults int
	MaxResultsCap     int
	DefaultFormat     harvest.Format
	DeliveryTimeout   time.Duration
	// MirrorPrefix is prepended to object paths in the artifact mirror.
	MirrorPrefix string
}

func (c Config) withDefaults() Config {
	if c.DailyLimitTrial <= 0 {
		c.DailyLimitTrial = defaultDailyLimitTrial
	}
	if c.DailyLimitPaid <= 0 {
		c.DailyLimitPaid = defaultDailyLimitPaid
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DefaultMaxResults <= 0 {
		c.DefaultMaxResults = defaultMaxResults
	}
	if c.MaxResultsCap <= 0 {
		c.MaxResultsCap = defaultMaxResultsCap
	}
	if c.DefaultMaxResults > c.MaxResultsCap {
		c.DefaultMaxResults = c.MaxResultsCap
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = harvest.FormatXLSX
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	return c
}

// Deps are the manager's collaborators. Deliverer, Mirror and Events are
// optional; History, IDs and Clock get in-process defaults.
type Deps struct {
	Accounts  Accounts
	Runner    Runner
	Exporter  Exporter
	AutoSaver AutoSaver
	Pending   PendingQueue
	Deliverer harvest.Deliverer
	Mirror    harvest.BlobStore
	Checksums Checksummer
	History   harvest.JobStore
	Events    progress.Emitter
	IDs       harvest.IDGenerator
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// StartRequest asks for a job on behalf of an account.
type StartRequest struct {
	AccountID  string
	Niche      string
	Source     harvest.Source
	DataType   harvest.DataType
	Format     harvest.Format
	MaxResults int
	Callbacks  sources.Callbacks
}

// Manager owns the active jobs.
type Manager struct {
	cfg  Config
	deps Deps

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Handle // by account; nil while the gate runs
	closed bool

	logger *zap.Logger
}

// NewManager wires a Manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("jobs: accounts are required")
	case deps.Runner == nil:
		return nil, errors.New("jobs: runner is required")
	case deps.Exporter == nil:
		return nil, errors.New("jobs: exporter is required")
	case deps.AutoSaver == nil:
		return nil, errors.New("jobs: autosaver is required")
	case deps.Pending == nil:
		return nil, errors.New("jobs: pending queue is required")
	}
	if deps.History == nil {
		deps.History = memory.NewJobStore(0)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		base:       base,
		cancelBase: cancel,
		active:     make(map[string]*Handle),
		logger:     deps.Logger,
	}, nil
}

// Start validates req, passes the daily gate, and dispatches the job. The
// returned Handle tracks it. The job outlives ctx; cancel it through the
// Handle.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	req, err := m.normalize(req)
	if err != nil {
		return nil, err
	}
	acct, err := m.deps.Accounts.Get(req.AccountID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := m.active[acct.ID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", harvest.ErrJobAlreadyRunning, acct.ID)
	}
	m.active[acct.ID] = nil
	m.mu.Unlock()

	h, err := m.dispatch(ctx, acct.ID, req)
	if err != nil {
		m.mu.Lock()
		delete(m.active, acct.ID)
		m.mu.Unlock()
		return nil, err
	}
	return h, nil
}

func (m *Manager) dispatch(ctx context.Context, accountID string, req StartRequest) (*Handle, error) {
	acct, err := m.gate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}

	jobCtx, cancel := context.WithCancel(m.base)
	h := &Handle{
		id:        id,
		accountID: acct.ID,
		source:    req.Source,
		cancel:    cancel,
		done:      make(chan struct{}),
		job: harvest.ScrapeJob{
			ID:         id,
			AccountID:  acct.ID,
			Niche:      req.Niche,
			Source:     req.Source,
			DataType:   req.DataType,
			Format:     req.Format,
			MaxResults: req.MaxResults,
			Status:     harvest.JobRunning,
			StartedAt:  m.deps.Clock.Now(),
		},
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	m.active[acct.ID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(jobCtx, h, acct, req)
	return h, nil
}

// normalize applies defaults and rejects malformed requests before any
// state is touched.
func (m *Manager) normalize(req StartRequest) (StartRequest, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Niche = strings.TrimSpace(req.Niche)
	if req.AccountID == "" {
		return req, &harvest.ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if req.DataType == "" {
		req.DataType = harvest.DataAll
	}
	if req.Format == "" {
		req.Format = m.cfg.DefaultFormat
	}
	switch {
	case req.MaxResults < 0:
		return req, &harvest.ValidationError{Field: "max_results", Reason: "must not be negative"}
	case req.MaxResults == 0:
		req.MaxResults = m.cfg.DefaultMaxResults
	case req.MaxResults > m.cfg.MaxResultsCap:
		req.MaxResults = m.cfg.MaxResultsCap
	}
	if err := m.deps.Runner.Validate(m.runRequest(req, harvest.Account{})); err != nil {
		return req, err
	}
	return req, nil
}

func (m *Manager) runRequest(req StartRequest, acct harvest.Account) sources.Request {
	return sources.Request{
		Niche:       req.Niche,
		Source:      req.Source,
		DataType:    req.DataType,
		Format:      req.Format,
		MaxResults:  req.MaxResults,
		Trial:       acct.Tier == harvest.TierTrial,
		Credentials: acct.Credentials(),
	}
}

// gate resets the daily counter on a new calendar day, rejects accounts at
// their limit, and otherwise charges one job. A rejection writes nothing.
func (m *Manager) gate(ctx context.Context, accountID string) (harvest.Account, error) {
	now := m.deps.Clock.Now()
	loc := m.cfg.Location
	today := now.In(loc).Format(dayLayout)

	var tier harvest.Tier
	acct, err := m.deps.Accounts.Update(ctx, accountID, func(a *harvest.Account) error {
		tier = a.Tier
		q := a.DailyQuota
		if q.LastReset.IsZero() || q.LastReset.In(loc).Format(dayLayout) != today {
			q = harvest.DailyQuota{Date: today, LastReset: now}
		}
		if limit := m.dailyLimit(a.Tier); q.Used >= limit {
			return &harvest.DailyLimitExceeded{AccountID: a.ID, Used: q.Used, Limit: limit}
		}
		q.Used++
		q.Date = today
		a.DailyQuota = q
		return nil
	})
	var limitErr *harvest.DailyLimitExceeded
	switch {
	case errors.As(err, &limitErr):
		metrics.ObserveGate(string(tier), "rejected")
		m.logger.Info("daily limit reached",
			zap.String("account_id", accountID),
			zap.Int("used", limitErr.Used),
			zap.Int("limit", limitErr.Limit),
		)
		return harvest.Account{}, err
	case err != nil:
		return harvest.Account{}, fmt.Errorf("charge daily quota: %w", err)
	}
	metrics.ObserveGate(string(acct.Tier), "allowed")
	return acct, nil
}

func (m *Manager) dailyLimit(tier harvest.Tier) int {
	if tier == harvest.TierPaid {
		return m.cfg.DailyLimitPaid
	}
	return m.cfg.DailyLimitTrial
}

// Active returns the account's running job.
func (m *Manager) Active(accountID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.active[accountID]
	return h, h != nil
}

// Get returns a running job's live view, or the stored history entry.
func (m *Manager) Get(ctx context.Context, jobID string) (harvest.ScrapeJob, error) {
	m.mu.Lock()
	for _, h := range m.active {
		if h != nil && h.id == jobID {
			m.mu.Unlock()
			return h.Job(), nil
		}
	}
	m.mu.Unlock()
	job, err := m.deps.History.GetJob(ctx, jobID)
	if err != nil {
		return harvest.ScrapeJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns the account's recent jobs, newest first.
func (m *Manager) List(ctx context.Context, accountID string) ([]harvest.ScrapeJob, error) {
	jobs, err := m.deps.History.ListJobs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Shutdown rejects new jobs, cancels running ones, and waits for them to
// preserve their partial results.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs shutdown wait: %w", ctx.Err())
	}
}

// run drives one job to a terminal state.
func (m *Manager) run(ctx context.Context, h *Handle, acct harvest.Account, req StartRequest) {
	defer m.wg.Done()
	defer h.cancel()

	logger := m.logger.With(zap.String("job_id", h.id), zap.String("account_id", acct.ID))
	m.event(h, progress.StageJobStart, nil)
	logger.Info("job started", zap.String("niche", req.Niche), zap.String("source", string(req.Source)))

	sess := resilience.Session{JobID: h.id, AccountID: acct.ID, Niche: req.Niche, Source: req.Source}
	var bufMu sync.Mutex
	var buffered []harvest.Record
	snapshot := func() []harvest.Record {
		bufMu.Lock()
		defer bufMu.Unlock()
		return append([]harvest.Record(nil), buffered...)
	}
	stopSaver := m.deps.AutoSaver.Start(ctx, sess, snapshot)

	user := req.Callbacks
	cb := sources.Callbacks{
		OnResult: func(r harvest.Record) {
			bufMu.Lock()
			buffered = append(buffered, r)
			bufMu.Unlock()
			if user.OnResult != nil {
				user.OnResult(r)
			}
		},
		OnBatch: user.OnBatch,
		OnProgress: func(p harvest.Progress) {
			h.setProgress(p)
			m.event(h, progress.StageJobProgress, func(e *progress.Event) {
				e.Processed, e.Total = p.Processed, p.Total
			})
			if user.OnProgress != nil {
				user.OnProgress(p)
			}
		},
		OnError: user.OnError,
	}

	records, runErr := m.deps.Runner.Run(ctx, m.runRequest(req, acct), cb)
	stopSaver()
	if len(records) == 0 && runErr != nil {
		records = snapshot()
	}

	status := harvest.JobCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, harvest.ErrAborted):
		status = harvest.JobCancelled
	default:
		status = harvest.JobFailed
	}

	// The job context is done once cancelled; finishing work must still run.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DeliveryTimeout)
	defer cancelFinish()

	meta := harvest.ArtifactMeta{
		JobID:        h.id,
		AccountID:    acct.ID,
		Niche:        req.Niche,
		Source:       req.Source,
		DataType:     req.DataType,
		Format:       req.Format,
		TotalResults: len(records),
		GeneratedAt:  m.deps.Clock.Now(),
	}
	if runErr != nil {
		meta.Error = runErr.Error()
	}
	outcome := harvest.Outcome{Results: records}

	if status == harvest.JobCompleted {
		h.setProgress(harvest.Progress{Processed: len(records), Total: len(records), Phase: harvest.PhaseExporting})
		path, err := m.deps.Exporter.Export(records, meta)
		if err != nil {
			status = harvest.JobFailed
			runErr = fmt.Errorf("export: %w", err)
			meta.Error = runErr.Error()
		} else {
			outcome.ArtifactPath = path
			if err := m.deps.AutoSaver.Discard(sess); err != nil {
				logger.Warn("discard autosave", zap.Error(err))
			}
		}
	}
	if status != harvest.JobCompleted && len(records) > 0 {
		meta.IsPartial = true
		if path, err := m.deps.AutoSaver.FlushInterrupt(finishCtx, sess, records, meta); err != nil {
			logger.Error("flush partial results", zap.Error(err))
		} else {
			logger.Info("partial results saved", zap.String("path", path), zap.Int("results", len(records)))
		}
		if path, err := m.deps.Exporter.Export(records, meta); err != nil {
			logger.Error("export partial artifact", zap.Error(err))
		} else {
			outcome.ArtifactPath = path
		}
	}

	if outcome.ArtifactPath != "" {
		meta.SHA256 = m.checksum(logger, outcome.ArtifactPath)
		meta.MirrorURI = m.mirror(finishCtx, logger, outcome.ArtifactPath)
		outcome.Meta = meta
		outcome.Delivered = m.deliver(finishCtx, logger, h, outcome)
	}
	outcome.Meta = meta

	var jobErr error
	if status != harvest.JobCompleted {
		jobErr = runErr
	}
	finished := m.deps.Clock.Now()
	started := h.Job().StartedAt
	h.finish(status, outcome, jobErr, finished)
	m.notifyTerminal(user, status, len(records), meta.Error)

	if err := m.deps.History.SaveJob(finishCtx, h.Job()); err != nil {
		logger.Error("save job history", zap.Error(err))
	}

	stage := map[harvest.JobStatus]progress.Stage{
		harvest.JobCompleted: progress.StageJobDone,
		harvest.JobCancelled: progress.StageJobCancelled,
		harvest.JobFailed:    progress.StageJobError,
	}[status]
	m.event(h, stage, func(e *progress.Event) {
		e.Results = len(records)
		e.Dur = finished.Sub(started)
		e.Note = meta.Error
	})
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("results", len(records)),
		zap.Bool("delivered", outcome.Delivered),
		zap.String("artifact", outcome.ArtifactPath),
	)

	m.mu.Lock()
	if m.active[acct.ID] == h {
		delete(m.active, acct.ID)
	}
	m.mu.Unlock()
	close(h.done)
}

// mirror copies the artifact to the blob store and returns its URI.
func (m *Manager) checksum(logger *zap.Logger, path string) string {
	if m.deps.Checksums == nil {
		return ""
	}
	sum, err := m.deps.Checksums.HashFile(path)
	if err != nil {
		logger.Warn("checksum artifact", zap.Error(err))
		return ""
	}
	return sum
}

func (m *Manager) mirror(ctx context.Context, logger *zap.Logger, path string) string {
	if m.deps.Mirror == nil {
		return ""
	}
	object := filepath.ToSlash(filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path)))
	if m.cfg.MirrorPrefix != "" {
		object = strings.TrimSuffix(m.cfg.MirrorPrefix, "/") + "/" + object
	}
	uri, err := m.deps.Mirror.PutFile(ctx, object, path)
	if err != nil {
		logger.Warn("mirror artifact", zap.Error(err))
		return ""
	}
	return uri
}

// deliver hands the artifact to the delivery channel, queueing it on failure.
func (m *Manager) deliver(ctx context.Context, logger *zap.Logger, h *Handle, outcome harvest.Outcome) bool {
	if m.deps.Deliverer == nil {
		return false
	}
	err := m.deps.Deliverer.Deliver(ctx, h.accountID, outcome.ArtifactPath, outcome.Meta)
	if err == nil {
		m.event(h, progress.StageDeliverySent, nil)
		return true
	}
	logger.Warn("delivery failed, queueing", zap.Error(err))
	if qErr := m.deps.Pending.Enqueue(ctx, h.accountID, outcome.ArtifactPath, outcome.Meta); qErr != nil {
		logger.Error("queue pending delivery", zap.Error(qErr))
		return false
	}
	m.event(h, progress.StageDeliveryQueued, func(e *progress.Event) { e.Note = err.Error() })
	return false
}

// notifyTerminal sends the final progress notification exactly once.
func (m *Manager) notifyTerminal(cb sources.Callbacks, status harvest.JobStatus, n int, msg string) {
	if cb.OnProgress == nil {
		return
	}
	p := harvest.Progress{Processed: n, Total: n, Phase: harvest.PhaseDone}
	if status != harvest.JobCompleted {
		p.Phase = harvest.PhaseError
		p.Message = msg
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("progress callback panicked", zap.Any("panic", r))
		}
	}()
	cb.OnProgress(p)
}

func (m *Manager) event(h *Handle, stage progress.Stage, fill func(*progress.Event)) {
	if m.deps.Events == nil {
		return
	}
	evt := progress.Event{
		JobID:     h.id,
		AccountID: h.accountID,
		TS:        m.deps.Clock.Now().UTC(),
		Stage:     stage,
		Source:    string(h.source),
	}
	if fill != nil {
		fill(&evt)
	}
	m.deps.Events.Emit(evt)
}
