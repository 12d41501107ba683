package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/dataharness/pkg/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Data.HostPort)
	assert.Equal(t, 8181, cfg.Data.ContainerPort)
	assert.Equal(t, 8480, cfg.JWT.HostPort)
	assert.Equal(t, 8080, cfg.JWT.ContainerPort)
	assert.Equal(t, "world-audit", cfg.AuditTopic())
	assert.Equal(t, "world-replicationlog", cfg.ReplicationTopic())
	assert.Equal(t, []domain.TopicSpec{
		{Name: "world-audit", Partitions: 1, Replicas: 1},
		{Name: "world-replicationlog", Partitions: 1, Replicas: 1},
	}, cfg.Topics())
	assert.Equal(t, "http://localhost:8181", cfg.DataURL())
	assert.Equal(t, "http://localhost:8480", cfg.JWTURL())
	assert.Equal(t, cfg.JWT.Users[0].Label, cfg.DefaultUserDN())
	assert.False(t, cfg.Verify.ExposeBackends)
	assert.Zero(t, cfg.Broker.ExternalPort)
	assert.Zero(t, cfg.Store.HostPort)
	assert.Zero(t, cfg.Cache.HostPort)
}

func TestLoad_ExposeBackends(t *testing.T) {
	content := `
store:
  host_port: 37017
verify:
  expose_backends: true
`
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Verify.ExposeBackends)
	assert.Equal(t, DefaultBrokerExternalPort, cfg.Broker.ExternalPort)
	assert.Equal(t, 37017, cfg.Store.HostPort)
	assert.Equal(t, DefaultCacheHostPort, cfg.Cache.HostPort)
}

func TestLoad_ExposeBackendsFromEnv(t *testing.T) {
	t.Setenv("DATAHARNESS_EXPOSE_BACKENDS", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultBrokerExternalPort, cfg.Broker.ExternalPort)
	assert.Equal(t, DefaultStoreHostPort, cfg.Store.HostPort)
}

func TestLoad_File(t *testing.T) {
	content := `
project: itest
namespace: galaxy
work_dir: /tmp/harness
data:
  host_port: 9181
  startup_delay: 5s
jwt:
  prefix: /jwt/
  token_expiry: 1h
  users:
    - label: "CN=alice"
      values:
        email: ["alice@example.com"]
logging:
  level: DEBUG
`
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "itest", cfg.Project)
	assert.Equal(t, "galaxy-audit", cfg.AuditTopic())
	assert.Equal(t, 9181, cfg.Data.HostPort)
	assert.Equal(t, 5*time.Second, cfg.Data.StartupDelay)
	assert.Equal(t, time.Hour, cfg.JWT.TokenExpiry)
	assert.Equal(t, "http://localhost:8480/jwt", cfg.JWTURL())
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.JWT.Users, 1)
	assert.Equal(t, "alice@example.com", cfg.JWT.Users[0].First("email"))
	assert.Equal(t, "/tmp/harness/users.json", cfg.UsersFilePath())
	assert.Equal(t, "/tmp/harness/docker-compose.yaml", cfg.ComposeFile())
	// Untouched sections keep their defaults.
	assert.Equal(t, 8480, cfg.JWT.HostPort)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATAHARNESS_NAMESPACE", "envns")
	t.Setenv("DATAHARNESS_DATA_PORT", "18181")
	t.Setenv("DATAHARNESS_STARTUP_DELAY", "2s")
	t.Setenv("DATAHARNESS_CACHE_ENABLED", "true")
	t.Setenv("DATAHARNESS_JWT_API_KEY", "k3y")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "envns-replicationlog", cfg.ReplicationTopic())
	assert.Equal(t, 18181, cfg.Data.HostPort)
	assert.Equal(t, 2*time.Second, cfg.Data.StartupDelay)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "k3y", cfg.JWT.APIKey)
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("HARNESS_TEST_NS", "expanded")
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: ${HARNESS_TEST_NS}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded", cfg.Namespace)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty namespace", func(c *Config) { c.Namespace = "" }},
		{"namespace with colon", func(c *Config) { c.Namespace = "a:b" }},
		{"bad data port", func(c *Config) { c.Data.HostPort = 70000 }},
		{"negative delay", func(c *Config) { c.Data.StartupDelay = -time.Second }},
		{"both backends", func(c *Config) { c.Data.UseS3 = true }},
		{"no backend", func(c *Config) { c.Data.UseMongo = false }},
		{"half a keypair", func(c *Config) { c.JWT.PrivateKey = "abc" }},
		{"bad curve", func(c *Config) { c.JWT.Curve = "P-224" }},
		{"zero partitions", func(c *Config) { c.Broker.Partitions = 0 }},
		{"unlabelled user", func(c *Config) { c.JWT.Users = []domain.Identity{{}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Level = ""
	cfg.Logging.Format = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvFiles(t *testing.T) {
	const key = "DATAHARNESS_ENVFILE_PROBE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(key+"=from-file\n"), 0o600))

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), envPath, ""))
	assert.Equal(t, "from-file", os.Getenv(key))
}

func TestFileProvider_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: first\n"), 0o600))

	provider, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	updates := provider.Subscribe()
	initial := <-updates
	assert.Equal(t, "first", initial.Namespace)

	require.NoError(t, os.WriteFile(path, []byte("namespace: second\n"), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, "second", cfg.Namespace)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	assert.Equal(t, "second", provider.Current().Namespace)
}

func TestFileProvider_KeepsPreviousOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: stable\n"), 0o600))

	provider, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("namespace: \"bad:ns\"\n"), 0o600))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, "stable", provider.Current().Namespace)
}
