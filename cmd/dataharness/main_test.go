package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/dataharness/pkg/broker"
	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/fixtures"
	"github.com/polisai/dataharness/pkg/gate"
	"github.com/polisai/dataharness/pkg/harness"
	"github.com/polisai/dataharness/pkg/token"
	"github.com/polisai/dataharness/pkg/topology"
	"github.com/polisai/dataharness/pkg/verify"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"render", "keys", "up", "down", "status", "logs", "verify", "monitor", "token", "data", "audit"} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"config", "env-file", "log-level", "log-format", "pretty"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

// execute runs the CLI with a config file whose work directory is private
// to the test.
func execute(t *testing.T, extraYAML string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dataharness.yaml")
	doc := "project: clitest\nwork_dir: " + filepath.Join(dir, "work") + "\njwt:\n  curve: P-256\n" + extraYAML
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRenderCommand(t *testing.T) {
	out, err := execute(t, "", "render")
	require.NoError(t, err)

	path := strings.TrimSpace(out)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	file, err := topology.ParseCompose(data)
	require.NoError(t, err)
	assert.Equal(t, "clitest", file.Name)
	assert.Equal(t, "world-audit:1:1,world-replicationlog:1:1", file.Services["kafka"].Environment["KAFKA_CREATE_TOPICS"])
	jwt := file.Services["jwt-security"]
	require.Len(t, jwt.Ports, 1)
	assert.Equal(t, "8480", jwt.Ports[0].Published)
	assert.Equal(t, 8080, jwt.Ports[0].Target)
}

func TestRenderCommand_WatchNeedsConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "render", "--watch"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--watch needs --config")
}

func TestKeysCommand(t *testing.T) {
	out, err := execute(t, "", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "CURVE")
	assert.Contains(t, out, "P-256")
	assert.Contains(t, out, "PUBLIC_KEY")
	assert.NotContains(t, out, "PRIVATE_KEY")

	out, err = execute(t, "", "keys", "--show-secrets")
	require.NoError(t, err)
	assert.Contains(t, out, "PRIVATE_KEY")
	assert.Contains(t, out, "API_KEY")
}

func TestTokenCommand_LocalDecode(t *testing.T) {
	out, err := execute(t, "", "token", "--local", "--decode")
	require.NoError(t, err)

	var claims token.Claims
	require.NoError(t, json.Unmarshal([]byte(out), &claims))
	assert.Equal(t, config.Default().JWT.Users[0].Label, claims.Label)
	assert.Equal(t, token.DefaultIssuer, claims.Issuer)
}

func TestTokenCommand_UnknownLocalUser(t *testing.T) {
	_, err := execute(t, "", "token", "--local", "CN=nobody")
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestAuditCommand_RequiresExternalPort(t *testing.T) {
	_, err := execute(t, "broker:\n  external_port: 0\n", "audit", "tail")
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestLoadConfig_EnvFileOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("DATAHARNESS_NAMESPACE=galaxy\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("DATAHARNESS_NAMESPACE") })

	opts := &globalOptions{envFiles: []string{envPath}, logLevel: "debug", logFormat: "text", pretty: true}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "galaxy", cfg.Namespace)
	assert.Equal(t, "galaxy-audit", cfg.AuditTopic())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Logging.Pretty)
}

func TestWriteStatus(t *testing.T) {
	statuses := []harness.ServiceStatus{
		{Service: "gmdata", State: "running", Running: true, Ready: true, Ports: "8181->8181"},
		{Service: "zookeeper", State: "missing", Blocks: []string{"kafka"}},
	}

	var text bytes.Buffer
	require.NoError(t, writeStatus(&text, "text", statuses))
	lines := strings.Split(strings.TrimSpace(text.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"gmdata", "running", "yes", "8181->8181"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"zookeeper", "missing", "no", "-", "blocks", "kafka"}, strings.Fields(lines[2]))

	var js bytes.Buffer
	require.NoError(t, writeStatus(&js, "json", statuses))
	var decoded []harness.ServiceStatus
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, statuses, decoded)

	require.Error(t, writeStatus(io.Discard, "yaml", statuses))
}

func sampleReport() *verify.Report {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &verify.Report{
		RunID:    "run-1",
		Project:  "clitest",
		Started:  start,
		Finished: start.Add(time.Second),
		Results: []verify.Result{
			{Name: verify.CheckRunning, Status: verify.StatusPass, Detail: "5 services running", Duration: 10 * time.Millisecond},
			{Name: verify.CheckTopics, Status: verify.StatusFail, Detail: "missing world-audit", Duration: 20 * time.Millisecond},
		},
	}
}

func TestWriteReport(t *testing.T) {
	decision := gate.Decision{Allow: false, Reasons: []string{"check topics failed: missing world-audit"}}

	var text bytes.Buffer
	require.NoError(t, writeReport(&text, "text", sampleReport(), decision))
	assert.Contains(t, text.String(), "FAIL run run-1")
	assert.Contains(t, text.String(), "gate: deny\n  - check topics failed: missing world-audit\n")

	var js bytes.Buffer
	require.NoError(t, writeReport(&js, "json", sampleReport(), decision))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	assert.Equal(t, false, doc["gate"].(map[string]any)["allow"])

	require.Error(t, writeReport(io.Discard, "xml", sampleReport(), decision))
}

func TestMonitorMux(t *testing.T) {
	metrics := verify.NewMetrics()
	state := &monitorState{}
	srv := httptest.NewServer(newMonitorMux(metrics, state))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get("/report")
	assert.Equal(t, http.StatusNotFound, code)

	state.set(sampleReport(), gate.Decision{Allow: true}, nil)
	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	code, body = get("/report")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"run_id":"run-1"`)
	assert.Contains(t, body, `"gate":{"allow":true}`)

	state.set(sampleReport(), gate.Decision{}, errors.New("verification failed: check topics failed"))
	code, body = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "check topics failed")

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "dataharness_http_requests_total")
}

func TestWriteEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, writeEvent(&buf, broker.Event{
		Topic: "world-audit", Partition: 0, Offset: 7, Time: at,
		Value: []byte("{\n  \"action\": \"C\"\n}"),
	}))
	require.NoError(t, writeEvent(&buf, broker.Event{
		Topic: "world-audit", Offset: 8, Time: at, Value: []byte("plain text"),
	}))

	assert.Equal(t,
		"2024-05-01T12:00:00Z world-audit/0@7 {\"action\":\"C\"}\n"+
			"2024-05-01T12:00:00Z world-audit/0@8 plain text\n",
		buf.String())
}

func TestSignLocal(t *testing.T) {
	m, err := fixtures.GenerateMaterial("P-256")
	require.NoError(t, err)
	users := config.Default().JWT.Users

	tok, err := signLocal(m, users, users[0].Label, time.Hour)
	require.NoError(t, err)

	verifier, err := token.VerifierFromMaterial(m)
	require.NoError(t, err)
	claims, err := verifier.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, users[0].Label, claims.Label)
	assert.Equal(t, users[0].Values, claims.Values)
}

func TestMonitorHarness_SkipsEphemeralByDefault(t *testing.T) {
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.Verify.Skip = []string{verify.CheckCache}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := monitorHarness(cfg, false, logger, verify.NewMetrics())
	require.NoError(t, err)
	assert.Equal(t, []string{verify.CheckCache, verify.CheckEphemeral}, h.Config().Verify.Skip)
	assert.Equal(t, []string{verify.CheckCache}, cfg.Verify.Skip)

	h, err = monitorHarness(cfg, true, logger, verify.NewMetrics())
	require.NoError(t, err)
	assert.NotContains(t, h.Config().Verify.Skip, verify.CheckEphemeral)
}

func TestMonitorCommand_EphemeralFlag(t *testing.T) {
	cmd := newMonitorCmd(&globalOptions{})
	flag := cmd.Flags().Lookup("ephemeral")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
