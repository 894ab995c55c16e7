package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/skytile/internal/ledger"
	"github.com/dreamware/skytile/internal/pipeline"
	"github.com/dreamware/skytile/internal/status"
)

// setupBuild writes an input file and a config for a catalog under a temp
// directory and returns the config path and catalog path.
func setupBuild(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	var b strings.Builder
	b.WriteString("id,ra,dec\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "%d,%d.5,%d.25\n", i, (i*37)%360, (i*53)%170-85)
	}
	input := filepath.Join(dir, "objects.csv")
	require.NoError(t, os.WriteFile(input, []byte(b.String()), 0o644))

	root := filepath.Join(dir, "catalog")
	cfg := fmt.Sprintf(`
catalog_name: objects
catalog_path: %s
increment_name: first
input:
  paths: [%s]
partitioning:
  mapping_order: 2
  pixel_threshold: 8
runtime:
  workers: 2
  monitor_interval: 0s
logging:
  level: warn
`, root, input)
	cfgPath := filepath.Join(dir, "build.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, root
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestBuildAndValidate(t *testing.T) {
	cfgPath, root := setupBuild(t)

	code, out, errOut := runCLI("build", "-c", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "increment first: 30 new rows, 30 total rows")

	code, out, _ = runCLI("validate", root)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "is valid")

	require.NoError(t, os.Remove(filepath.Join(root, "partition_info.csv")))
	code, _, errOut = runCLI("validate", root)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "partition listing")
}

func TestBuildUsesEnvConfig(t *testing.T) {
	cfgPath, _ := setupBuild(t)
	t.Setenv("SKYTILE_CONFIG", cfgPath)

	code, out, errOut := runCLI("build", "--workers", "1")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "30 new rows")
}

func TestPlan(t *testing.T) {
	cfgPath, root := setupBuild(t)

	code, out, errOut := runCLI("plan", "-c", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "CELL")
	assert.Contains(t, out, "Norder=")
	assert.Contains(t, out, "30 new rows")

	_, err := os.Stat(filepath.Join(root, "hats.properties"))
	assert.True(t, os.IsNotExist(err))
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no command", args: nil, want: 2},
		{name: "unknown command", args: []string{"serve"}, want: 2},
		{name: "validate without directory", args: []string{"validate"}, want: 2},
		{name: "bad log format", args: []string{"--log-format", "xml", "validate", "."}, want: 2},
		{name: "build without config", args: []string{"build"}, want: 1},
		{name: "build with missing config", args: []string{"build", "-c", "/nonexistent/build.yaml"}, want: 1},
		{name: "status without addr", args: []string{"status"}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SKYTILE_CONFIG", "")
			code, _, _ := runCLI(tt.args...)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestHelp(t *testing.T) {
	code, out, _ := runCLI("--help")
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"build", "plan", "validate", "status"} {
		assert.Contains(t, out, cmd)
	}
}

type snapshotSource struct{}

func (snapshotSource) Snapshot() pipeline.Snapshot {
	return pipeline.Snapshot{RunID: "abc", Current: ledger.Splitting}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(status.Handler(snapshotSource{}, prometheus.NewRegistry()))
	defer srv.Close()

	code, out, errOut := runCLI("status", "--addr", srv.URL)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"run_id": "abc"`)
	assert.Contains(t, out, `"current": "splitting"`)

	srv.Close()
	code, _, _ = runCLI("status", "--addr", srv.URL)
	assert.Equal(t, 1, code)
}
