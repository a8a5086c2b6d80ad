package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/config"
	"github.com/JakeFAU/leadscout/internal/harvest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:    config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5},
		Storage:   config.StorageConfig{Backend: config.BackendMemory},
		Artifacts: config.ArtifactsConfig{Dir: filepath.Join(dir, "artifacts")},
		Quota:     config.QuotaConfig{DailyLimitTrial: 1, DailyLimitPaid: 4, Timezone: "UTC"},
		Jobs: config.JobsConfig{
			TrialResultLimit:        10,
			MaxResultsDefault:       50,
			MaxResultsCap:           500,
			AutosaveIntervalSeconds: 30,
			DeliveryTimeoutSeconds:  5,
			DefaultFormat:           "csv",
			HistorySize:             10,
		},
		Search:    config.SearchConfig{EngineID: "cx-test", PageSize: 10, MaxPages: 1, MaxSites: 5},
		Fetch:     config.FetchConfig{UserAgent: "leadscout-test", TimeoutSeconds: 5, RatePerHost: 1, Burst: 1},
		AI:        config.AIConfig{Enabled: true, BatchSize: 5},
		Delivery:  config.DeliveryConfig{Backend: config.DeliveryLog},
		Scheduler: config.SchedulerConfig{DrainSchedule: "@every 1h"},
		Dedupe:    config.DedupeConfig{CountryCode: "212"},
	}
}

func TestBuildWiresServices(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.jobs)
	require.NotNil(t, app.scheduler)
	require.NotNil(t, app.progressHub)
	require.NotNil(t, app.gemini, "AI enrichment is wired when enabled")
	require.Nil(t, app.renderer, "headless rendering stays off by default")

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	body := fmt.Sprintf(`{"class":"search","key":"AIza%035d"}`, 7)
	resp, err = http.Post(srv.URL+"/v1/credentials", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, app.stores.Pool.Stats().Available[harvest.ClassSearch])
}

func TestBuildRequiresSearchEngine(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Search.EngineID = ""
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.Error(t, err)
}

func TestBuildRejectsUnknownTimezone(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Quota.Timezone = "Mars/Olympus"
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.Error(t, err)
}

func TestOpenStoresFileBackendPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Backend: config.BackendFile, Dir: t.TempDir()}

	stores, err := OpenStores(ctx, cfg, nil)
	require.NoError(t, err)
	key := fmt.Sprintf("AIza%035d", 1)
	require.NoError(t, stores.Pool.Add(ctx, harvest.ClassAI, key, "test"))
	require.NoError(t, stores.Pool.Add(ctx, harvest.ClassSearch, fmt.Sprintf("AIza%035d", 2), "test"))
	_, err = stores.Accounts.Provision(ctx, "riad", harvest.TierTrial, "fr")
	require.NoError(t, err)
	stores.Close()

	reopened, err := OpenStores(ctx, cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	acct, err := reopened.Accounts.Get("riad")
	require.NoError(t, err)
	require.Equal(t, []string{key}, acct.AssignedAIKeys)
	require.Equal(t, 1, reopened.Pool.Stats().Assigned[harvest.ClassAI])
}

func TestOpenStoresRedisRequiresServer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendRedis
	cfg.Redis.Addr = ""
	_, err := OpenStores(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestDrainPendingDeliversAndDiscards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	stores, err := OpenStores(ctx, cfg, nil)
	require.NoError(t, err)
	defer stores.Close()

	artifact := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("name\n"), 0o600))
	require.NoError(t, stores.Pending.Enqueue(ctx, "riad", artifact, harvest.ArtifactMeta{}))
	require.NoError(t, stores.Pending.Enqueue(ctx, "souk", filepath.Join(t.TempDir(), "gone.csv"), harvest.ArtifactMeta{}))

	report, err := DrainPending(ctx, cfg, stores, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, 1, report.Discarded)
	require.Empty(t, stores.Pending.List())
}
