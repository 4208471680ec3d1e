package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("logging:\n  development: false\nevents:\n  driver: memory\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "worker", "seed", "enqueue", "stats"} {
		require.True(t, names[want], "missing %s command", want)
	}
}

func TestStatsCommand(t *testing.T) {
	t.Parallel()

	out, err := run(t, "--config", writeConfig(t), "stats")
	require.NoError(t, err)

	var got struct {
		Queue    map[string]int64 `json:"queue"`
		Breakers []map[string]any `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Zero(t, got.Queue["total"])
	require.Len(t, got.Breakers, 3)
}

func TestEnqueueCommand(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "enqueue")
	require.ErrorContains(t, err, "at least one article id")

	out, err := run(t, "--config", cfg, "enqueue", "missing-article")
	require.NoError(t, err)
	require.Contains(t, out, `"reason": "not_found"`)

	out, err = run(t, "--config", cfg, "enqueue", "--pending", "3")
	require.NoError(t, err)
	require.Contains(t, out, `"jobIds"`)
}

func TestBadConfigFails(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "stats")
	require.ErrorContains(t, err, "failed to initialize application services")
}
