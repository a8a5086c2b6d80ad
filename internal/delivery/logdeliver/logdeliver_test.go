package logdeliver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/leadscout/internal/harvest"
)

func TestDeliverLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	d := New(zap.New(core))

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o600))
	require.NoError(t, d.Deliver(context.Background(), "acct-1", path, harvest.ArtifactMeta{TotalResults: 3}))

	entries := logs.FilterMessage("artifact ready for delivery").All()
	require.Len(t, entries, 1)
	require.Equal(t, "acct-1", entries[0].ContextMap()["account_id"])

	require.Error(t, d.Deliver(context.Background(), "acct-1", filepath.Join(t.TempDir(), "gone.csv"), harvest.ArtifactMeta{}))
}
