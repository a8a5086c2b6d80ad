// Package resilience keeps in-flight work on disk and retries deliveries
// that could not be handed off.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

const (
	autosaveDir             = "autosave"
	defaultAutosaveInterval = 30 * time.Second
)

// Session identifies one job's auto-save target.
type Session struct {
	JobID     string
	AccountID string
	Niche     string
	Source    harvest.Source
	// ID optionally distinguishes runs of the same niche and source.
	ID string
}

// Snapshot is the on-disk auto-save payload.
type Snapshot struct {
	Meta    harvest.ArtifactMeta `json:"meta"`
	Results []harvest.Record     `json:"results"`
	SavedAt time.Time            `json:"saved_at"`
}

// AutoSaverConfig configures an AutoSaver.
type AutoSaverConfig struct {
	Dir      string
	Interval time.Duration
}

// AutoSaver periodically snapshots a job's buffer and performs the final
// flush when a job is interrupted.
type AutoSaver struct {
	dir      string
	interval time.Duration
	clock    harvest.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	paths    map[string]string
	lastNano int64
}

// NewAutoSaver creates the auto-save directory under cfg.Dir.
func NewAutoSaver(cfg AutoSaverConfig, clock harvest.Clock, logger *zap.Logger) (*AutoSaver, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("autosave: dir is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultAutosaveInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(cfg.Dir, autosaveDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("autosave: create dir: %w", err)
	}
	return &AutoSaver{
		dir:      dir,
		interval: cfg.Interval,
		clock:    clock,
		logger:   logger,
		paths:    make(map[string]string),
	}, nil
}

// Path returns the file the session saves to. The first call for a session
// picks the name; a file left by another session gets a timestamp suffix.
func (a *AutoSaver) Path(sess Session) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pathLocked(sess)
}

func (a *AutoSaver) pathLocked(sess Session) string {
	key := sessionKey(sess)
	if p, ok := a.paths[key]; ok {
		return p
	}
	base := Slug(sess.Niche) + "_" + string(sess.Source)
	if sess.ID != "" {
		base += "_" + Slug(sess.ID)
	}
	p := filepath.Join(a.dir, base+".json")
	if _, err := os.Stat(p); err == nil {
		p = filepath.Join(a.dir, fmt.Sprintf("%s_%d.json", base, a.nextNanoLocked()))
	}
	a.paths[key] = p
	return p
}

// nextNanoLocked returns a strictly increasing unix-nano stamp.
func (a *AutoSaver) nextNanoLocked() int64 {
	n := a.clock.Now().UnixNano()
	if n <= a.lastNano {
		n = a.lastNano + 1
	}
	a.lastNano = n
	return n
}

// Start snapshots the buffer every interval until ctx ends or stop is
// called. Empty buffers are not written.
func (a *AutoSaver) Start(ctx context.Context, sess Session, snapshot func() []harvest.Record) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				recs := snapshot()
				if len(recs) == 0 {
					continue
				}
				meta := sessionMeta(sess)
				meta.IsPartial = true
				if _, err := a.write(sess, recs, meta); err != nil {
					a.logger.Warn("autosave failed", zap.String("job_id", sess.JobID), zap.Error(err))
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// FlushInterrupt writes one final snapshot tagged as partial and returns its path.
func (a *AutoSaver) FlushInterrupt(_ context.Context, sess Session, records []harvest.Record, meta harvest.ArtifactMeta) (string, error) {
	meta.IsPartial = true
	if meta.TotalResults == 0 {
		meta.TotalResults = len(records)
	}
	p, err := a.write(sess, records, meta)
	if err != nil {
		return "", err
	}
	a.logger.Info("partial results flushed",
		zap.String("job_id", sess.JobID),
		zap.String("path", p),
		zap.Int("results", len(records)),
	)
	return p, nil
}

// Discard removes the session's auto-save file once the final artifact exists.
func (a *AutoSaver) Discard(sess Session) error {
	a.mu.Lock()
	key := sessionKey(sess)
	p, ok := a.paths[key]
	delete(a.paths, key)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("autosave: remove %s: %w", p, err)
	}
	return nil
}

// LoadSnapshot reads an auto-save file.
func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the auto-save directory
	if err != nil {
		return snap, fmt.Errorf("autosave: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("autosave: decode %s: %w", path, err)
	}
	return snap, nil
}

func (a *AutoSaver) write(sess Session, records []harvest.Record, meta harvest.ArtifactMeta) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pathLocked(sess)
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = a.clock.Now()
	}
	data, err := json.MarshalIndent(Snapshot{Meta: meta, Results: records, SavedAt: a.clock.Now()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("autosave: encode: %w", err)
	}
	tmp, err := os.CreateTemp(a.dir, ".autosave-*")
	if err != nil {
		return "", fmt.Errorf("autosave: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("autosave: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("autosave: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("autosave: rename: %w", err)
	}
	return p, nil
}

func sessionKey(sess Session) string {
	if sess.JobID != "" {
		return sess.JobID
	}
	return strings.Join([]string{sess.AccountID, sess.Niche, string(sess.Source), sess.ID}, "\x00")
}

func sessionMeta(sess Session) harvest.ArtifactMeta {
	return harvest.ArtifactMeta{
		JobID:     sess.JobID,
		AccountID: sess.AccountID,
		Niche:     sess.Niche,
		Source:    sess.Source,
	}
}

// Slug lower-cases s and replaces runs of non alphanumerics with one underscore.
func Slug(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "untitled"
	}
	return out
}
