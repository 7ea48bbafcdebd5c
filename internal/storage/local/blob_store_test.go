// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blaulicht-crawler/internal/storage"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "out")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "de/2024/01.json", "application/json", bytes.NewBufferString("[1]"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "de", "2024", "01.json"), uri)

	_, err = store.PutObject(ctx, "de/2024/01.json", "application/json", bytes.NewBufferString("[1,2]"))
	require.NoError(t, err)

	data, err := store.GetObject(ctx, "de/2024/01.json")
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "de", "2024"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files may be left behind")
}

func TestGetDeleteMissing(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.GetObject(context.Background(), "nope.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.DeleteObject(context.Background(), "nope.json"), storage.ErrNotFound)
}

func TestPathTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "", bytes.NewBufferString("x"))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewBufferString("x"))
	assert.Error(t, err)
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"_scratch/de/run/2024-02.json", "_scratch/de/run/2024-01.json", "de/2024/01.json"} {
		_, err := store.PutObject(ctx, k, "", bytes.NewBufferString("[]"))
		require.NoError(t, err)
	}

	keys, err := store.ListObjects(ctx, "_scratch/de/run/")
	require.NoError(t, err)
	assert.Equal(t, []string{"_scratch/de/run/2024-01.json", "_scratch/de/run/2024-02.json"}, keys)

	require.NoError(t, store.DeleteObject(ctx, "_scratch/de/run/2024-01.json"))
	keys, err = store.ListObjects(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"_scratch/de/run/2024-02.json", "de/2024/01.json"}, keys)
}
