package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-rollout/checkpoint"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/operations"
	"github.com/goliatone/go-rollout/task"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("bgswitch"), kong.Exit(func(int) { t.Fatalf("unexpected exit") }))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestParseRollback(t *testing.T) {
	cli, kctx := parse(t, "rollback", "task-1", "--from-version", "v2", "-o", "json")
	assert.Contains(t, kctx.Command(), "rollback")
	assert.Equal(t, "task-1", cli.Rollback.TaskID)
	assert.Equal(t, "v2", cli.Rollback.FromVersion)
	assert.Equal(t, "json", cli.Output)
	assert.Equal(t, "info", cli.LogLevel)
}

func TestParseStatusWithoutTask(t *testing.T) {
	cli, kctx := parse(t, "status", "--tenant", "acme")
	assert.Contains(t, kctx.Command(), "status")
	assert.Empty(t, cli.Status.TaskID)
	assert.Equal(t, "acme", cli.Status.Tenant)
}

func TestPrinterRecordsTable(t *testing.T) {
	var buf bytes.Buffer
	err := newPrinter(&buf, "table").records([]checkpoint.Record{{
		TaskID:             "task-1",
		TenantID:           "acme",
		Status:             task.StatusFailed,
		LastCompletedStage: "asbc-gateway",
		CompletedStages:    1,
		TotalStages:        3,
		FailureType:        "SERVICE_UNAVAILABLE",
		FailureMessage:     "portal down",
		UpdatedAt:          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "task-1")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "SERVICE_UNAVAILABLE: portal down")
}

func TestPrinterResultJSON(t *testing.T) {
	metrics := executor.NewMemoryMetrics()
	metrics.IncrementCounter(executor.MetricTaskCompleted, map[string]string{"tenant_id": "acme"})

	var buf bytes.Buffer
	err := newPrinter(&buf, "json").result(operations.RunStatus{
		TaskID:          "task-1",
		TenantID:        "acme",
		Status:          task.StatusCompleted,
		CompletedStages: 2,
		TotalStages:     2,
	}, metrics)
	require.NoError(t, err)

	var decoded struct {
		Status   operations.RunStatus `json:"status"`
		Counters map[string]int64     `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, task.StatusCompleted, decoded.Status.Status)
	assert.Equal(t, map[string]int64{executor.MetricTaskCompleted: 1}, decoded.Counters)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.env")
	require.NoError(t, os.WriteFile(path, []byte("ROLLOUT_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ROLLOUT_TEST_DOTENV") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("ROLLOUT_TEST_DOTENV"))

	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
