package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, mutate func(*config.Config), features Features) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.LogLevel = "error"
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	rt, err := NewRuntime(context.Background(), cfg, features)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestRunDemo_AutoApprove(t *testing.T) {
	rt := newRuntime(t, nil, Features{})
	var out bytes.Buffer

	rec, err := RunDemo(context.Background(), rt.Engine, DemoOptions{
		Topic:       "lichens",
		AutoApprove: true,
		In:          strings.NewReader(""),
		Out:         &out,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Contains(t, out.String(), "research")
	assert.Contains(t, out.String(), "tool_failure")
	assert.Contains(t, out.String(), "Auto-approved")
	assert.Contains(t, out.String(), "# Research: lichens")
}

func TestRunDemo_Prompt(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status domain.RunStatus
		answer string
	}{
		{"approve", "y\nnice\n", domain.StatusCompleted, "Reviewer: nice"},
		{"reject", "n\nneeds sources\n", domain.StatusFailed, "The draft was rejected: needs sources"},
		{"approve without feedback", "yes\n", domain.StatusCompleted, "# Research: moss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRuntime(t, nil, Features{})
			var out bytes.Buffer
			rec, err := RunDemo(context.Background(), rt.Engine, DemoOptions{
				Topic: "moss",
				In:    strings.NewReader(tt.input),
				Out:   &out,
				Quiet: true,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.status, rec.Status)
			assert.Contains(t, rec.State.View().String(domain.FieldFinalAnswer), tt.answer)
			assert.Contains(t, out.String(), "Approve this draft?")
		})
	}
}

func TestRunDemo_ClosedInput(t *testing.T) {
	rt := newRuntime(t, nil, Features{})
	rec, err := RunDemo(context.Background(), rt.Engine, DemoOptions{
		Topic: "ferns",
		In:    strings.NewReader(""),
		Out:   &bytes.Buffer{},
	})
	assert.True(t, IsInterrupted(err))
	assert.NoError(t, HandleExecutionError(err))
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusSuspended, rec.Status)
}

func TestRuntime_FileStoreWithMiddlewares(t *testing.T) {
	dir := t.TempDir()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	configure := func(c *config.Config) {
		c.Store.Kind = config.StoreFile
		c.Store.Path = dir
		c.Store.EncryptionKey = key
		c.Store.PIIPatterns = []string{"^email$"}
	}

	first := newRuntime(t, configure, Features{})
	rec, err := first.Engine.StartNamed(context.Background(), demo.WorkflowName, map[string]any{
		demo.FieldTopic: "bees",
		"email":         "someone@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, rec.Status)

	// a second process sees the run through the same encrypted store
	second := newRuntime(t, configure, Features{})
	loaded, err := second.Engine.GetStatus(context.Background(), rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, "***", loaded.State.View().String("email"))
	assert.Equal(t, "bees", loaded.State.View().String(demo.FieldTopic))

	var out bytes.Buffer
	require.NoError(t, ListRuns(context.Background(), &out, second.Engine, domain.StatusSuspended))
	assert.Contains(t, out.String(), rec.RunID)

	out.Reset()
	require.NoError(t, InspectRun(context.Background(), &out, second.Engine, rec.RunID))
	assert.Contains(t, out.String(), `"workflow": "research"`)

	out.Reset()
	require.NoError(t, RemoveRuns(context.Background(), &out, second.Engine, []string{rec.RunID}))
	assert.Contains(t, out.String(), "Removed run")

	out.Reset()
	assert.ErrorIs(t, RemoveRuns(context.Background(), &out, second.Engine, []string{rec.RunID}), domain.ErrRunNotFound)

	out.Reset()
	require.NoError(t, ListRuns(context.Background(), &out, second.Engine, ""))
	assert.Equal(t, "No runs found.\n", out.String())
}

func TestRuntime_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rt := newRuntime(t, func(c *config.Config) {
		c.Store.Kind = config.StoreRedis
		c.Store.RedisAddr = mr.Addr()
	}, Features{})

	rec, err := rt.Engine.StartNamed(context.Background(), demo.WorkflowName, map[string]any{demo.FieldTopic: "owls"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("espalier:run:"+rec.RunID))

	var out bytes.Buffer
	require.NoError(t, CleanupRuns(context.Background(), &out, rt.Engine, time.Hour))
	assert.Contains(t, out.String(), "Removed 0")
}

func TestRuntime_MetricsAndAnalytics(t *testing.T) {
	rt := newRuntime(t, nil, Features{Metrics: true, Analytics: true})
	require.NotNil(t, rt.Registry)
	require.NotNil(t, rt.Recorder)

	_, err := rt.Engine.StartNamed(context.Background(), demo.WorkflowName, map[string]any{demo.FieldTopic: "crows"})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(rt.Registry, "espalier_suspensions_total")
	require.NoError(t, err)
	assert.Positive(t, n)

	rt.Recorder.Flush()
	assert.Equal(t, 1, rt.Recorder.Analytics(time.Hour).Suspended)
}
