package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadscout/internal/accounts"
	"github.com/JakeFAU/leadscout/internal/credentials"
	docmemory "github.com/JakeFAU/leadscout/internal/docstore/memory"
	"github.com/JakeFAU/leadscout/internal/export"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/hash/sha256"
	"github.com/JakeFAU/leadscout/internal/progress"
	"github.com/JakeFAU/leadscout/internal/resilience"
	"github.com/JakeFAU/leadscout/internal/sources"
	"github.com/JakeFAU/leadscout/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type runFunc func(ctx context.Context, req sources.Request, cb sources.Callbacks) ([]harvest.Record, error)

type fakeRunner struct {
	run runFunc
}

func (f *fakeRunner) Validate(req sources.Request) error {
	if req.Niche == "" {
		return &harvest.ValidationError{Field: "niche", Reason: "must not be empty"}
	}
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, req sources.Request, cb sources.Callbacks) ([]harvest.Record, error) {
	return f.run(ctx, req, cb)
}

type fakeDeliverer struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, accountID, path string, _ harvest.ArtifactMeta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, accountID+":"+filepath.Base(path))
	return d.err
}

func (d *fakeDeliverer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, evt.Stage)
}

func (l *eventLog) Stages() []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Stage(nil), l.stages...)
}

type env struct {
	mgr       *Manager
	accounts  *accounts.Store
	pending   *resilience.PendingStore
	history   *memory.JobStore
	mirror    *memory.BlobStore
	deliverer *fakeDeliverer
	events    *eventLog
	clock     *testClock
	dir       string
}

var day = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, run runFunc) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	clock := &testClock{now: day}
	docs := docmemory.New()

	pool, err := credentials.Open(ctx, docs, clock, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Add(ctx, harvest.ClassSearch, fmt.Sprintf("AIza%035d", i), "test"))
		require.NoError(t, pool.Add(ctx, harvest.ClassAI, fmt.Sprintf("AIza%035d", 100+i), "test"))
	}
	accts, err := accounts.Open(ctx, docs, pool, clock, nil)
	require.NoError(t, err)
	_, err = accts.Provision(ctx, "paid", harvest.TierPaid, "fr")
	require.NoError(t, err)
	_, err = accts.Provision(ctx, "trial", harvest.TierTrial, "ar")
	require.NoError(t, err)

	saver, err := resilience.NewAutoSaver(resilience.AutoSaverConfig{Dir: dir, Interval: time.Hour}, clock, nil)
	require.NoError(t, err)
	pending, err := resilience.OpenPending(ctx, docs, clock, nil)
	require.NoError(t, err)
	exp, err := export.NewExporter(filepath.Join(dir, "artifacts"), nil)
	require.NoError(t, err)

	e := &env{
		accounts:  accts,
		pending:   pending,
		history:   memory.NewJobStore(0),
		mirror:    memory.NewBlobStore(),
		deliverer: &fakeDeliverer{},
		events:    &eventLog{},
		clock:     clock,
		dir:       dir,
	}
	e.mgr, err = NewManager(Config{DailyLimitTrial: 1, DailyLimitPaid: 4, DefaultFormat: harvest.FormatCSV}, Deps{
		Accounts:  accts,
		Runner:    &fakeRunner{run: run},
		Exporter:  exp,
		AutoSaver: saver,
		Pending:   pending,
		Deliverer: e.deliverer,
		Mirror:    e.mirror,
		Checksums: sha256.New(),
		History:   e.history,
		Events:    e.events,
		Clock:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.mgr.Shutdown(context.Background()))
	})
	return e
}

func (e *env) used(t *testing.T, id string) int {
	t.Helper()
	acct, err := e.accounts.Get(id)
	require.NoError(t, err)
	return acct.DailyQuota.Used
}

func lead(src harvest.Source, email string) harvest.Record {
	return harvest.Record{Source: src, Email: email}
}

func succeed(records ...harvest.Record) runFunc {
	return func(_ context.Context, _ sources.Request, cb sources.Callbacks) ([]harvest.Record, error) {
		for _, r := range records {
			cb.OnResult(r)
		}
		return records, nil
	}
}

// blockUntilCancelled emits one record, signals started, and waits for the
// job to be cancelled.
func blockUntilCancelled(started chan<- struct{}) runFunc {
	return func(ctx context.Context, req sources.Request, cb sources.Callbacks) ([]harvest.Record, error) {
		rec := lead(req.Source, "owner@riad.ma")
		cb.OnResult(rec)
		cb.OnProgress(harvest.Progress{Processed: 1, Total: 1, Phase: harvest.PhaseScraping})
		started <- struct{}{}
		<-ctx.Done()
		return []harvest.Record{rec}, harvest.ErrAborted
	}
}

func startReq(account string) StartRequest {
	return StartRequest{AccountID: account, Niche: "riads marrakech", Source: harvest.SourceInstagram}
}

func TestCompletedJobExportsAndDelivers(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed(lead(harvest.SourceInstagram, "a@riad.ma"), lead(harvest.SourceInstagram, "b@riad.ma")))
	var phases []harvest.Phase
	req := startReq("paid")
	req.Callbacks.OnProgress = func(p harvest.Progress) { phases = append(phases, p.Phase) }

	h, err := e.mgr.Start(context.Background(), req)
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.NoError(t, err)

	require.Len(t, out.Results, 2)
	require.False(t, out.Meta.IsPartial)
	require.Equal(t, 2, out.Meta.TotalResults)
	require.Equal(t, harvest.FormatCSV, out.Meta.Format)
	require.True(t, out.Delivered)
	require.FileExists(t, out.ArtifactPath)
	require.Equal(t, []harvest.Phase{harvest.PhaseDone}, phases)
	require.Len(t, e.deliverer.Calls(), 1)

	job, err := e.mgr.Get(context.Background(), h.ID())
	require.NoError(t, err)
	require.Equal(t, harvest.JobCompleted, job.Status)
	require.NotNil(t, job.FinishedAt)
	require.Equal(t, out.ArtifactPath, job.Outcome.ArtifactPath)

	_, active := e.mgr.Active("paid")
	require.False(t, active)
	require.Equal(t, 1, e.used(t, "paid"))
	require.Equal(t, []progress.Stage{progress.StageJobStart, progress.StageDeliverySent, progress.StageJobDone}, e.events.Stages())

	entries, err := os.ReadDir(filepath.Join(e.dir, "autosave"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestArtifactIsChecksummedAndMirrored(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed(lead(harvest.SourceInstagram, "a@riad.ma")))
	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.NoError(t, err)

	want, err := sha256.New().HashFile(out.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, want, out.Meta.SHA256)

	object := "paid/" + filepath.Base(out.ArtifactPath)
	require.Equal(t, "memory://"+object, out.Meta.MirrorURI)
	mirrored, ok := e.mirror.Get(object)
	require.True(t, ok)
	onDisk, err := os.ReadFile(out.ArtifactPath)
	require.NoError(t, err)
	require.Equal(t, onDisk, mirrored)
}

func TestEmptyResultIsCompleted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed())
	h, err := e.mgr.Start(context.Background(), startReq("trial"))
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, out.Results)
	require.Equal(t, harvest.JobCompleted, h.Job().Status)
	require.FileExists(t, out.ArtifactPath)
}

func TestValidationComesFirst(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed())
	var vErr *harvest.ValidationError

	_, err := e.mgr.Start(context.Background(), StartRequest{AccountID: "paid", Source: harvest.SourceInstagram})
	require.ErrorAs(t, err, &vErr)
	_, err = e.mgr.Start(context.Background(), StartRequest{AccountID: " ", Niche: "x"})
	require.ErrorAs(t, err, &vErr)
	req := startReq("paid")
	req.MaxResults = -1
	_, err = e.mgr.Start(context.Background(), req)
	require.ErrorAs(t, err, &vErr)

	_, err = e.mgr.Start(context.Background(), startReq("ghost"))
	require.ErrorIs(t, err, harvest.ErrAccountNotFound)

	require.Zero(t, e.used(t, "paid"))
}

func TestDailyLimitRejectsWithoutCharge(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed())
	h, err := e.mgr.Start(context.Background(), startReq("trial"))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	_, err = e.mgr.Start(context.Background(), startReq("trial"))
	var limitErr *harvest.DailyLimitExceeded
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, 1, limitErr.Limit)
	require.Equal(t, 1, e.used(t, "trial"))

	_, active := e.mgr.Active("trial")
	require.False(t, active)
}

func TestGateResetsOnNewCalendarDay(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed())
	yesterday := day.Add(-24 * time.Hour)
	require.NoError(t, e.accounts.UpdateQuota(context.Background(), "paid",
		harvest.DailyQuota{Date: yesterday.Format(dayLayout), Used: 4, LastReset: yesterday}))

	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	acct, err := e.accounts.Get("paid")
	require.NoError(t, err)
	require.Equal(t, 1, acct.DailyQuota.Used)
	require.Equal(t, "2025-03-14", acct.DailyQuota.Date)
	require.Equal(t, day, acct.DailyQuota.LastReset)
}

func TestGateUsesConfiguredTimeZone(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed())
	// 23:30 UTC on the 13th is already the 14th in UTC+1.
	loc := time.FixedZone("UTC+1", 3600)
	e.mgr.cfg.Location = loc
	lateYesterday := time.Date(2025, 3, 13, 23, 30, 0, 0, time.UTC)
	require.NoError(t, e.accounts.UpdateQuota(context.Background(), "trial",
		harvest.DailyQuota{Used: 1, LastReset: lateYesterday}))

	_, err := e.mgr.Start(context.Background(), startReq("trial"))
	var limitErr *harvest.DailyLimitExceeded
	require.ErrorAs(t, err, &limitErr, "same calendar day in the configured zone")
}

func TestSingleActiveJobPerAccount(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	e := newEnv(t, blockUntilCancelled(started))

	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	<-started

	active, ok := e.mgr.Active("paid")
	require.True(t, ok)
	require.Equal(t, h.ID(), active.ID())
	require.Equal(t, 1, h.Job().Progress.Processed)

	_, err = e.mgr.Start(context.Background(), startReq("paid"))
	require.ErrorIs(t, err, harvest.ErrJobAlreadyRunning)
	require.Equal(t, 1, e.used(t, "paid"), "a rejected start is not charged")

	live, err := e.mgr.Get(context.Background(), h.ID())
	require.NoError(t, err)
	require.Equal(t, harvest.JobRunning, live.Status)

	h.Cancel()
	<-h.Done()

	h2, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	<-started
	h2.Cancel()
	_, err = h2.Wait(context.Background())
	require.ErrorIs(t, err, harvest.ErrAborted)
	require.Equal(t, 2, e.used(t, "paid"))
}

func TestCancelKeepsChargeAndPartialArtifact(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	e := newEnv(t, blockUntilCancelled(started))

	h, err := e.mgr.Start(context.Background(), startReq("trial"))
	require.NoError(t, err)
	<-started
	h.Cancel()
	h.Cancel()

	out, err := h.Wait(context.Background())
	require.ErrorIs(t, err, harvest.ErrAborted)
	require.Equal(t, harvest.JobCancelled, h.Job().Status)
	require.True(t, out.Meta.IsPartial)
	require.Len(t, out.Results, 1)
	require.FileExists(t, out.ArtifactPath)
	require.Contains(t, filepath.Base(out.ArtifactPath), "_partial")
	require.Equal(t, 1, e.used(t, "trial"), "cancelled jobs keep their charge")

	snaps, err := filepath.Glob(filepath.Join(e.dir, "autosave", "*.json"))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	snap, err := resilience.LoadSnapshot(snaps[0])
	require.NoError(t, err)
	require.True(t, snap.Meta.IsPartial)

	stages := e.events.Stages()
	require.Equal(t, progress.StageJobCancelled, stages[len(stages)-1])
}

func TestQuotaExhaustionFailsWithPartialArtifact(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(_ context.Context, req sources.Request, cb sources.Callbacks) ([]harvest.Record, error) {
		rec := lead(req.Source, "first@riad.ma")
		cb.OnResult(rec)
		return []harvest.Record{rec}, &harvest.QuotaExhaustedError{Keys: 3, LastErr: errors.New("429")}
	})

	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	out, err := h.Wait(context.Background())

	var exhausted *harvest.QuotaExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, harvest.JobFailed, h.Job().Status)
	require.True(t, out.Meta.IsPartial)
	require.Contains(t, out.Meta.Error, "exhausted")
	require.FileExists(t, out.ArtifactPath)

	stored, err := e.history.GetJob(context.Background(), h.ID())
	require.NoError(t, err)
	require.Equal(t, harvest.JobFailed, stored.Status)
	require.Equal(t, harvest.PhaseError, stored.Progress.Phase)
}

func TestFailureWithoutResultsHasNoArtifact(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(context.Context, sources.Request, sources.Callbacks) ([]harvest.Record, error) {
		return nil, errors.New("instagram: boom")
	})
	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.EqualError(t, err, "instagram: boom")
	require.Empty(t, out.ArtifactPath)
	require.Empty(t, e.deliverer.Calls())
}

func TestDeliveryFailureQueuesPending(t *testing.T) {
	t.Parallel()

	e := newEnv(t, succeed(lead(harvest.SourceInstagram, "a@riad.ma")))
	e.deliverer.err = errors.New("channel offline")

	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	out, err := h.Wait(context.Background())
	require.NoError(t, err, "delivery failure does not fail the job")
	require.False(t, out.Delivered)

	pending, ok := e.pending.Get("paid")
	require.True(t, ok)
	require.Equal(t, out.ArtifactPath, pending.ArtifactPath)
	require.Contains(t, e.events.Stages(), progress.StageDeliveryQueued)
}

func TestMaxResultsDefaultsAndCap(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []sources.Request
	e := newEnv(t, func(_ context.Context, req sources.Request, _ sources.Callbacks) ([]harvest.Record, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return nil, nil
	})
	for _, n := range []int{0, 10_000} {
		req := startReq("paid")
		req.MaxResults = n
		h, err := e.mgr.Start(context.Background(), req)
		require.NoError(t, err)
		_, err = h.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.Equal(t, defaultMaxResults, seen[0].MaxResults)
	require.Equal(t, defaultMaxResultsCap, seen[1].MaxResults)
	require.False(t, seen[0].Trial)
	require.Len(t, seen[0].Credentials.SearchKeys, 3)
	require.Len(t, seen[0].Credentials.AIKeys, 3)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	e := newEnv(t, blockUntilCancelled(started))
	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	<-started

	require.NoError(t, e.mgr.Shutdown(context.Background()))
	select {
	case <-h.Done():
	default:
		t.Fatal("shutdown returned before the job finished")
	}
	require.Equal(t, harvest.JobCancelled, h.Job().Status)

	_, err = e.mgr.Start(context.Background(), startReq("trial"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	e := newEnv(t, blockUntilCancelled(started))
	h, err := e.mgr.Start(context.Background(), startReq("paid"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	h.Cancel()
	<-h.Done()
}

func TestNewManagerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{}, Deps{})
	require.Error(t, err)
}
