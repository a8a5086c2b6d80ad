// Package local_test tests the local artifact mirror.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadscout/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: filepath.Join(t.TempDir(), "mirror")})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutFile(t *testing.T) {
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	artifact := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("email\na@b.ma\n"), 0o600))

	t.Run("CopiesArtifact", func(t *testing.T) {
		uri, err := store.PutFile(context.Background(), "acct/leads.csv", artifact)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(base, "acct/leads.csv"), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(base, "acct/leads.csv"))
		require.NoError(t, err)
		assert.Equal(t, "email\na@b.ma\n", string(data))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutFile(context.Background(), "", artifact)
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutFile(context.Background(), "../escape.csv", artifact)
		assert.ErrorContains(t, err, "traversal")
	})

	t.Run("MissingSource", func(t *testing.T) {
		_, err := store.PutFile(context.Background(), "acct/missing.csv", filepath.Join(base, "nope"))
		assert.Error(t, err)
	})
}
