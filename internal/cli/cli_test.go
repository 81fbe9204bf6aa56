package cli

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/goatlab/internal/store"
)

const checkoutYAML = `id: checkout
name: Checkout button
hypothesis: A green button converts better
variants:
  - id: control
    name: Blue
    is_control: true
    traffic_percentage: 50
  - id: green
    name: Green
    traffic_percentage: 50
goals:
  - id: purchase
    name: Purchase
    event_name: purchase
    is_primary: true
statistical_config:
  significance_level: 0.05
  power: 0.8
`

// workspace isolates config discovery and points the sqlite backend at a
// temp database.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("GOATLAB_DB", filepath.Join(dir, "goatlab.db"))
	t.Setenv("GOATLAB_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	assert.Contains(t, out, "goatlab CLI")
	assert.Contains(t, out, "Version: dev")
}

func TestExperimentWorkflow(t *testing.T) {
	dir := workspace(t)
	file := writeFile(t, dir, "checkout.yaml", checkoutYAML)

	out := mustRun(t, "experiment", "create", "-f", file)
	assert.Contains(t, out, "Created experiment 'Checkout button' (checkout) with 2 variants")
	assert.Contains(t, out, "control: Blue 50.0% (control)")

	out = mustRun(t, "experiment", "list")
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "DRAFT")

	out = mustRun(t, "experiment", "start", "checkout")
	assert.Contains(t, out, "Experiment 'checkout' is now RUNNING")

	_, err := run(t, "experiment", "start", "checkout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start experiment")

	out = mustRun(t, "experiment", "assign", "checkout", "user-1")
	assert.Regexp(t, `user-1 -> (control|green) \(hash\)`, out)
	again := mustRun(t, "experiment", "assign", "checkout", "user-1")
	assert.Equal(t, out, again, "assignment is sticky across processes")

	out = mustRun(t, "experiment", "override", "checkout", "qa-1", "green", "--reason", "qa")
	assert.Contains(t, out, "qa-1 -> green (override)")

	out = mustRun(t, "experiment", "results", "checkout")
	assert.Contains(t, out, "EXPERIMENT: checkout")
	assert.Contains(t, out, "Statistical significance:")
	assert.Contains(t, out, "Data quality score:")

	out = mustRun(t, "experiment", "results", "checkout", "--json")
	assert.Contains(t, out, `"statistical_analysis"`)

	out = mustRun(t, "experiment", "stop", "checkout", "--reason", "enough data")
	assert.Contains(t, out, "is now COMPLETED")

	out = mustRun(t, "experiment", "show", "checkout")
	assert.Contains(t, out, "# status: completed")
	assert.Contains(t, out, "name: Checkout button")

	out = mustRun(t, "export", "checkout", "--format", "csv")
	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2, "header plus the hashed assignment; overrides are not events")
	assert.Equal(t, "assignment", records[1][2])
	assert.Equal(t, "user-1", records[1][4])

	parquetPath := filepath.Join(dir, "checkout.parquet")
	mustRun(t, "export", "checkout", "--format", "parquet", "-o", parquetPath)
	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	out = mustRun(t, "migrate", "--status")
	assert.Contains(t, out, "sqlite schema version 1 (clean)")
}

func TestExperimentCreate_FromFlags(t *testing.T) {
	workspace(t)

	out := mustRun(t, "experiment", "create", "--name", "Hero", "--variants", "A, B, C", "--goal", "signup",
		"--baseline", "0.1", "--mde", "0.1")
	assert.Contains(t, out, "with 3 variants")
	assert.Contains(t, out, "a: A 33.3% (control)")
	assert.Contains(t, out, "Sample size:")
}

func TestExperimentCreate_Invalid(t *testing.T) {
	dir := workspace(t)
	body := strings.Replace(checkoutYAML, "traffic_percentage: 50\n  - id: green", "traffic_percentage: 80\n  - id: green", 1)
	file := writeFile(t, dir, "bad.yaml", body)

	_, err := run(t, "experiment", "create", "-f", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 130.00")

	_, err = run(t, "experiment", "create", "--name", "x", "--variants", "only")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 2 variants")

	unknown := writeFile(t, dir, "unknown.yaml", checkoutYAML+"colour: green\n")
	_, err = run(t, "experiment", "create", "-f", unknown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestExperimentNotFound(t *testing.T) {
	workspace(t)
	for _, args := range [][]string{
		{"experiment", "start", "missing"},
		{"experiment", "results", "missing"},
		{"experiment", "show", "missing"},
		{"export", "missing"},
	} {
		_, err := run(t, args...)
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "experiment 'missing' not found")
	}
}

func TestSampleSize(t *testing.T) {
	workspace(t)
	out := mustRun(t, "experiment", "sample-size", "--baseline", "0.10", "--mde", "0.10")
	assert.Contains(t, out, "Per variant: 14,736")
	assert.Contains(t, out, "Total:       29,472")
	assert.Contains(t, out, "Duration:    30 days")
}

func TestFlagWorkflow(t *testing.T) {
	workspace(t)

	out := mustRun(t, "flag", "create", "--key", "new-nav", "--variations", "on=true,off=false", "--default", "off", "--rollout", "100")
	assert.Contains(t, out, "Created flag 'new-nav'")

	out = mustRun(t, "flag", "eval", "new-nav", "--subject", "u1")
	assert.Contains(t, out, "new-nav = false (variation off, reason default)")

	out = mustRun(t, "flag", "rollout", "new-nav", "0")
	assert.Contains(t, out, "rolled out to 0.0%")
	out = mustRun(t, "flag", "eval", "new-nav", "--subject", "u1")
	assert.Contains(t, out, "reason out_of_rollout")

	out = mustRun(t, "flag", "status", "new-nav", "inactive")
	assert.Contains(t, out, "is now inactive")
	out = mustRun(t, "flag", "eval", "new-nav")
	assert.Contains(t, out, "reason inactive")

	out = mustRun(t, "flag", "list")
	assert.Contains(t, out, "new-nav")
	assert.Contains(t, out, "INACTIVE")

	_, err := run(t, "flag", "rollout", "ghost", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flag 'ghost' not found")
}

func TestFlagCreate_FromFile(t *testing.T) {
	dir := workspace(t)
	file := writeFile(t, dir, "flag.yaml", `key: beta
rollout_percentage: 100
default_variation: "off"
variations:
  - key: "on"
    value: true
  - key: "off"
    value: false
rules:
  - kind: contains
    attribute: email
    value: "@acme.io"
    variation: "on"
`)
	mustRun(t, "flag", "create", "-f", file)

	out := mustRun(t, "flag", "eval", "beta", "--subject", "u1", "--attr", "email=jo@acme.io")
	assert.Contains(t, out, "beta = true (variation on, reason rule_match)")
}

func TestToken(t *testing.T) {
	dir := workspace(t)

	_, err := run(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server running")

	writeFile(t, dir, tokenFileName, "abc123\n")
	out := mustRun(t, "token", "-q")
	assert.Equal(t, "abc123\n", out)
}

func TestFlagFromFlags(t *testing.T) {
	f, err := flagFromFlags("k", "small=1, large=10, name=blue", "small", 50)
	require.NoError(t, err)
	require.Len(t, f.Variations, 3)
	assert.Equal(t, 1, f.Variations[0].Value)
	assert.Equal(t, "blue", f.Variations[2].Value)

	_, err = flagFromFlags("k", "broken", "x", 0)
	assert.ErrorContains(t, err, "must be key=value")

	_, err = flagFromFlags("", "on=true", "on", 0)
	assert.ErrorContains(t, err, "--key or --file is required")
}

func TestExperimentFromFlags(t *testing.T) {
	exp, err := experimentFromFlags("Hero Test", "", "Control,Big Headline", "sign up", 40)
	require.NoError(t, err)
	assert.Equal(t, store.TypeABTest, exp.Type)
	assert.Equal(t, "big-headline", exp.Variants[1].ID)
	assert.True(t, exp.Variants[0].IsControl)
	assert.InDelta(t, 40.0, exp.TrafficAllocation.Percentage, 1e-9)
	require.Len(t, exp.Goals, 1)
	assert.Equal(t, "sign-up", exp.Goals[0].ID)
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{29472, "29,472"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatNumber(tt.n), fmt.Sprint(tt.n))
	}
}
