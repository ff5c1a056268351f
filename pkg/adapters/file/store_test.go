package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Contract(t *testing.T) {
	ports.RunStoreContract(t, file.New(t.TempDir()))
}

func TestFileStore_Numbers(t *testing.T) {
	store := file.New(t.TempDir())
	ctx := context.Background()

	rec := &domain.ExecutionRecord{RunID: "r1", State: domain.NewState(map[string]any{"big": int64(9007199254740993)})}
	require.NoError(t, store.Save(ctx, "r1", rec))

	loaded, err := store.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 9007199254740993, loaded.State.View().Int("big"))
}

func TestFileStore_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := file.New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp-x-123.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	runs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	store := file.New(t.TempDir())
	err := store.Save(context.Background(), "../escape", &domain.ExecutionRecord{State: domain.NewState(nil)})
	assert.Error(t, err)
}
