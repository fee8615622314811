package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/config"
	"github.com/tiger/greenbench/internal/fixtures"
	"github.com/tiger/greenbench/internal/observability/logging"
)

const (
	flightPlan = `{"tool_plan_id": "p-1", "tool_calls": [{"tool": "flight_search", "args": {"query": "SFO to NYC"}}]}`
	submission = `{"flights": [{"airline": "Delta", "price": 289.0}]}`
)

func flightSpec() fixtures.Spec {
	return fixtures.Spec{
		Tool:   "flight_search",
		Params: map[string]any{"query": "SFO to NYC"},
		Seed:   42,
		Format: api.FormatDataFrame,
		Data: []any{
			map[string]any{"airline": "United", "price": 320.0},
			map[string]any{"airline": "Delta", "price": 289.0},
		},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return -1
}

func TestRunCommandWithFileFixtures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fixtureDir := filepath.Join(dir, "fixtures")
	_, err := fixtures.NewRegistry(fixtures.NewFileStore(fixtureDir)).Save(context.Background(), flightSpec())
	require.NoError(t, err)
	outDir := filepath.Join(dir, "out")

	stdout, err := execute(t, "run",
		"--plan", writeFile(t, dir, "plan.json", flightPlan),
		"--submission", writeFile(t, dir, "submission.json", submission),
		"--fixtures", fixtureDir,
		"--out", outDir,
		"--run-id", "run-cli",
		"--seed", "42",
		"--log-level", "error",
	)
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, "run-cli", summary.RunID)
	assert.Equal(t, int64(42), summary.Seed)
	assert.Equal(t, 1, summary.ToolCalls)
	assert.Equal(t, 0, summary.FailedCalls)
	require.NotNil(t, summary.Scoring)
	assert.Greater(t, summary.Scoring.Grounding.Score, 0.8)

	for _, key := range []string{"metrics", "leaderboard", "trace_ledger", "tool_results", "agent_output"} {
		path, ok := summary.Artifacts[key]
		require.True(t, ok, "missing artifact %s", key)
		assert.FileExists(t, path)
		assert.True(t, strings.HasPrefix(path, filepath.Join(outDir, "run-cli")), path)
	}
}

func TestRunCommandWithRedisFixtures(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := fixtures.NewRedisStore(client, fixtures.WithPrefix("greenbench"))
	_, err := fixtures.NewRegistry(store).Save(context.Background(), flightSpec())
	require.NoError(t, err)

	dir := t.TempDir()
	stdout, err := execute(t, "run",
		"--plan", writeFile(t, dir, "plan.json", flightPlan),
		"--submission", writeFile(t, dir, "submission.json", submission),
		"--fixture-store", config.StoreRedis,
		"--redis-addr", mr.Addr(),
		"--out", filepath.Join(dir, "out"),
		"--log-level", "error",
	)
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, 0, summary.FailedCalls)
	require.NotNil(t, summary.Scoring)
	assert.Greater(t, summary.Scoring.Grounding.Score, 0.8)
}

func TestRunCommandFixtureMissFailsCall(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stdout, err := execute(t, "run",
		"--plan", writeFile(t, dir, "plan.json", flightPlan),
		"--submission", writeFile(t, dir, "submission.json", submission),
		"--fixtures", filepath.Join(dir, "empty"),
		"--out", filepath.Join(dir, "out"),
		"--log-level", "error",
	)
	require.NoError(t, err)

	var summary runSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, 1, summary.FailedCalls)
}

func TestRunCommandRejectsInvalidPlan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stdout, err := execute(t, "run",
		"--plan", writeFile(t, dir, "plan.json", `[{"tool": "book_flight", "args": {"query": "x"}}]`),
		"--submission", writeFile(t, dir, "submission.json", submission),
		"--fixtures", dir,
		"--out", filepath.Join(dir, "out"),
		"--log-level", "error",
	)
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, stdout, "book_flight")
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}

func TestRunCommandRejectsUnsafeRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "nested", "out")
	_, err := execute(t, "run",
		"--plan", writeFile(t, dir, "plan.json", flightPlan),
		"--submission", writeFile(t, dir, "submission.json", submission),
		"--fixtures", dir,
		"--out", outDir,
		"--run-id", "../escaped",
		"--log-level", "error",
	)
	require.ErrorIs(t, err, api.ErrInvalidRunID)
	assert.NoDirExists(t, filepath.Join(dir, "nested", "escaped"))
	assert.NoDirExists(t, outDir)
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := execute(t, "run",
		"--plan", writeFile(t, dir, "plan.json", flightPlan),
		"--submission", writeFile(t, dir, "submission.json", submission),
		"--fixture-store", "s3",
	)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestValidatePlanCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stdout, err := execute(t, "validate-plan", writeFile(t, dir, "ok.json", flightPlan))
	require.NoError(t, err)
	var verdict planVerdict
	require.NoError(t, json.Unmarshal([]byte(stdout), &verdict))
	assert.True(t, verdict.Valid)
	assert.Equal(t, "p-1", verdict.ToolPlanID)
	assert.Equal(t, 1, verdict.ToolCalls)

	stdout, err = execute(t, "validate-plan", writeFile(t, dir, "prose.json", "search for flights please"))
	assert.Equal(t, 1, exitCode(err))
	require.NoError(t, json.Unmarshal([]byte(stdout), &verdict))
	assert.False(t, verdict.Valid)
	require.NotEmpty(t, verdict.Issues)
	assert.Contains(t, verdict.Issues[0], "valid JSON")
}

func TestValidatePlanCommandLoadsToolSpecs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tools := writeFile(t, dir, "tools.yaml", "tools:\n  - name: car_rental\n    required_args: [city]\n")
	plan := writeFile(t, dir, "plan.json", `[{"tool": "car_rental", "args": {"city": "Denver"}}]`)

	_, err := execute(t, "validate-plan", plan)
	assert.Equal(t, 1, exitCode(err))

	_, err = execute(t, "validate-plan", "--tools", tools, plan)
	require.NoError(t, err)
}

func TestFixtureKeyCommand(t *testing.T) {
	t.Parallel()

	stdout, err := execute(t, "fixture-key",
		"--tool", "flight_search",
		"--seed", "7",
		"--param", "query=SFO to NYC",
		"--fixtures", "fx",
	)
	require.NoError(t, err)

	var keys fixtureKeys
	require.NoError(t, json.Unmarshal([]byte(stdout), &keys))
	hash := fixtures.ParamHash("flight_search", map[string]any{"query": "SFO to NYC"})
	assert.Equal(t, hash, keys.ParamHash)
	assert.Equal(t, "flight_search/7_"+hash+".json", keys.ParamKey)
	assert.Equal(t, "flight_search/7.json", keys.SeedKey)
	assert.Equal(t, filepath.Join("fx", "flight_search", "7.json"), keys.SeedPath)

	_, err = execute(t, "fixture-key", "--tool", "flight_search", "--param", "novalue")
	require.Error(t, err)
}

func TestCompareLedgersCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, hash string) string {
		l := api.TraceLedger{RunID: name, CreatedAt: "2025-03-01T12:00:00Z", Traces: []api.ToolCallTrace{{
			RunID:           name,
			ToolName:        "flight_search",
			Arguments:       map[string]any{"query": "SFO to NYC"},
			ReturnValue:     "ok",
			ReturnValueHash: hash,
		}}}
		raw, err := json.Marshal(l)
		require.NoError(t, err)
		return writeFile(t, dir, name+".json", string(raw))
	}
	base := write("base", "aaaa")
	same := write("same", "aaaa")
	drift := write("drift", "bbbb")

	_, err := execute(t, "compare-ledgers", base, same)
	require.NoError(t, err)

	stdout, err := execute(t, "compare-ledgers", base, drift)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, stdout, "divergences")
}

func TestServeRoutes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fixtureDir := filepath.Join(dir, "fixtures")
	_, err := fixtures.NewRegistry(fixtures.NewFileStore(fixtureDir)).Save(context.Background(), flightSpec())
	require.NoError(t, err)

	v := config.NewViper()
	v.Set("fixtures_dir", fixtureDir)
	v.Set("output_dir", filepath.Join(dir, "out"))
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	st, err := newStack(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer((&server{stack: st, cfg: cfg, logger: logging.Discard()}).routes())
	t.Cleanup(srv.Close)

	body, err := json.Marshal(map[string]any{
		"run_id":     "served",
		"plan":       json.RawMessage(flightPlan),
		"submission": json.RawMessage(submission),
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary runSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, "served", summary.RunID)

	rejected, err := http.Post(srv.URL+"/runs", "application/json",
		strings.NewReader(`{"plan": "book me a flight", "submission": {}}`))
	require.NoError(t, err)
	defer rejected.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)

	escaping, err := json.Marshal(map[string]any{
		"run_id":     "../../etc/x",
		"plan":       json.RawMessage(flightPlan),
		"submission": json.RawMessage(submission),
	})
	require.NoError(t, err)
	badID, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(escaping))
	require.NoError(t, err)
	defer badID.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badID.StatusCode)
	assert.NoDirExists(t, filepath.Join(dir, "etc"))

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "greenbench_score")
	assert.Contains(t, buf.String(), "greenbench_event_queue_depth")
}
