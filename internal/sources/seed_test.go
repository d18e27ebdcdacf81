package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const seedYAML = `
sources:
  - name: local-dropbox
    type: folder
    path: /data/inbox
  - name: billing-exports
    type: api
    endpoint: https://api.example.com/v1/exports
    intervalSeconds: 300
    responsePath: data.items
    idFields: [id, updated_at]
    headers:
      Authorization: Bearer token-123
  - name: ""
    type: folder
    path: /never
`

func writeSeedFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSeedCreatesSourcesAndSkipsInvalid(t *testing.T) {
	store := testSourceStore(t)
	path := writeSeedFile(t, seedYAML)

	require.NoError(t, SeedFromFile(store, path, zap.NewNop()))

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)

	folder, err := store.FindByName("local-dropbox")
	require.NoError(t, err)
	require.NotNil(t, folder)
	assert.True(t, folder.Enabled)
	assert.Equal(t, TypeFolder, folder.Type)
	assert.Equal(t, "/data/inbox", folder.Path)

	api, err := store.FindByName("billing-exports")
	require.NoError(t, err)
	require.NotNil(t, api)
	assert.Equal(t, 300, api.IntervalSeconds)
	assert.Equal(t, "data.items", api.ResponsePath)
	assert.Equal(t, FieldList{"id", "updated_at"}, api.IDFields)
	assert.Equal(t, "Bearer token-123", api.Headers["Authorization"])
}

func TestSeedPreservesOperatorDisable(t *testing.T) {
	store := testSourceStore(t)
	path := writeSeedFile(t, seedYAML)

	require.NoError(t, SeedFromFile(store, path, zap.NewNop()))
	src, err := store.FindByName("local-dropbox")
	require.NoError(t, err)
	require.NoError(t, store.SetEnabled(src.ID, false))

	// Re-seeding refreshes configuration but must not re-enable.
	require.NoError(t, SeedFromFile(store, path, zap.NewNop()))

	src, err = store.FindByName("local-dropbox")
	require.NoError(t, err)
	assert.False(t, src.Enabled)
	assert.Equal(t, "/data/inbox", src.Path)
}

func TestSeedMissingFileIsNotAnError(t *testing.T) {
	store := testSourceStore(t)

	require.NoError(t, SeedFromFile(store, filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop()))
	require.NoError(t, SeedFromFile(store, "", zap.NewNop()))

	all, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}
