package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	store := memory.NewStore()
	ports.RunStoreContract(t, store)
}

func TestMemoryStore_Isolation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	rec := &domain.ExecutionRecord{RunID: "r", State: domain.NewState(map[string]any{"k": "v"})}
	require.NoError(t, store.Save(ctx, "r", rec))

	rec.State.Fields["k"] = "changed after save"
	loaded, err := store.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "v", loaded.State.Fields["k"])

	loaded.State.Fields["k"] = "changed after load"
	again, err := store.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "v", again.State.Fields["k"])
}
