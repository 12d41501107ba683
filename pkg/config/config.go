// Package config provides configuration structures and loading logic for the harness.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/polisai/dataharness/pkg/domain"
)

// Config holds the global configuration for the harness.
type Config struct {
	Project            string `yaml:"project"`
	Network            string `yaml:"network"`
	Namespace          string `yaml:"namespace"`
	NamespaceUserField string `yaml:"namespace_userfield"`
	WorkDir            string `yaml:"work_dir"`

	Images    ImagesConfig    `yaml:"images"`
	Data      DataConfig      `yaml:"data"`
	JWT       JWTConfig       `yaml:"jwt"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Verify    VerifyConfig    `yaml:"verify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ImagesConfig pins the container images of every service.
type ImagesConfig struct {
	Data      string `yaml:"data"`
	Store     string `yaml:"store"`
	JWT       string `yaml:"jwt"`
	Broker    string `yaml:"broker"`
	Zookeeper string `yaml:"zookeeper"`
	Cache     string `yaml:"cache"`
}

// DataConfig configures the data-access service.
type DataConfig struct {
	Alias         string        `yaml:"alias"`
	HostPort      int           `yaml:"host_port"`
	ContainerPort int           `yaml:"container_port"`
	Prefix        string        `yaml:"prefix"`
	UseTLS        bool          `yaml:"use_tls"`
	UseMongo      bool          `yaml:"use_mongo"`
	UseS3         bool          `yaml:"use_s3"`
	StaticHTML    string        `yaml:"static_html"`
	StaticTarget  string        `yaml:"static_target"`
	StartupDelay  time.Duration `yaml:"startup_delay"`
	Entrypoint    []string      `yaml:"entrypoint"`
}

// JWTConfig configures the token-issuing authentication service.
type JWTConfig struct {
	Alias         string            `yaml:"alias"`
	HostPort      int               `yaml:"host_port"`
	ContainerPort int               `yaml:"container_port"`
	Prefix        string            `yaml:"prefix"`
	TokenPath     string            `yaml:"token_path"`
	APIKeyHeader  string            `yaml:"api_key_header"`
	UseTLS        bool              `yaml:"use_tls"`
	TokenExpiry   time.Duration     `yaml:"token_expiry"`
	LogLevel      string            `yaml:"log_level"`
	APIKey        string            `yaml:"api_key"`
	PrivateKey    string            `yaml:"private_key"`
	PublicKey     string            `yaml:"public_key"`
	Curve         string            `yaml:"curve"`
	UsersFile     string            `yaml:"users_file"`
	UsersTarget   string            `yaml:"users_target"`
	Users         []domain.Identity `yaml:"users"`
}

// BrokerConfig configures the messaging broker and its coordination service.
type BrokerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ExternalPort  int    `yaml:"external_port"`
	ZookeeperHost string `yaml:"zookeeper_host"`
	ZookeeperPort int    `yaml:"zookeeper_port"`
	Partitions    int    `yaml:"partitions"`
	Replicas      int    `yaml:"replicas"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	HostPort        int    `yaml:"host_port"`
	Database        string `yaml:"database"`
	ProbeCollection string `yaml:"probe_collection"`
}

// CacheConfig configures the optional token cache of the authentication service.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	HostPort int    `yaml:"host_port"`
}

// VerifyConfig controls readiness waiting and the verification run.
type VerifyConfig struct {
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Skip           []string      `yaml:"skip"`
	GatePolicy     string        `yaml:"gate_policy"`
	UserDN         string        `yaml:"user_dn"`
	// ExposeBackends publishes kafka, mongo and redis on the host so the
	// topic, store and cache checks can inspect them directly.
	ExposeBackends bool `yaml:"expose_backends"`
}

// Host-side ports used when backends are exposed without explicit ports.
const (
	DefaultBrokerExternalPort = 9094
	DefaultStoreHostPort      = 27017
	DefaultCacheHostPort      = 6379
)

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	// SampleRatio keeps this fraction of verification traces. Zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration that reproduces the reference topology.
func Default() *Config {
	return &Config{
		Project:            "dataharness",
		Network:            "mesh",
		Namespace:          "world",
		NamespaceUserField: "email",
		WorkDir:            ".dataharness",
		Images: ImagesConfig{
			Data:      "greymatter/gm-data:latest",
			Store:     "mongo:4.4",
			JWT:       "greymatter/gm-jwt-security:latest",
			Broker:    "wurstmeister/kafka:2.13-2.8.1",
			Zookeeper: "wurstmeister/zookeeper:latest",
			Cache:     "redis:7-alpine",
		},
		Data: DataConfig{
			Alias:         "data",
			HostPort:      8181,
			ContainerPort: 8181,
			Prefix:        "/",
			UseMongo:      true,
			StaticHTML:    "static/index.html",
			StaticTarget:  "/static/index.html",
			StartupDelay:  20 * time.Second,
			Entrypoint:    []string{"./gmdatax.linux"},
		},
		JWT: JWTConfig{
			Alias:         "jwt",
			HostPort:      8480,
			ContainerPort: 8080,
			Prefix:        "/",
			TokenPath:     "tokens",
			APIKeyHeader:  "api-key",
			TokenExpiry:   5 * time.Hour,
			LogLevel:      "debug",
			Curve:         "P-521",
			UsersFile:     "users.json",
			UsersTarget:   "/gm-jwt-security/etc/users.json",
			Users: []domain.Identity{{
				Label: "CN=localuser,OU=Engineering,O=Harness,L=Local,C=US",
				Values: map[string][]string{
					"email": {"localuser@dataharness.local"},
					"org":   {"dataharness.local"},
				},
			}},
		},
		Broker: BrokerConfig{
			Host:          "kafka",
			Port:          9092,
			ZookeeperHost: "zookeeper",
			ZookeeperPort: 2181,
			Partitions:    1,
			Replicas:      1,
		},
		Store: StoreConfig{
			Host:            "mongo",
			Port:            27017,
			Database:        "chili",
			ProbeCollection: "dataharness_probe",
		},
		Cache: CacheConfig{
			Host: "redis",
			Port: 6379,
		},
		Verify: VerifyConfig{
			ReadyTimeout:   3 * time.Minute,
			PollInterval:   time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "dataharness",
			Insecure:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadEnvFiles loads .env style files into the process environment. Existing
// variables win. Missing files are ignored so a default ".env" can be passed
// unconditionally.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML (JSON is valid YAML) on top of cfg after expanding
// environment references.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DATAHARNESS_PROJECT"); val != "" {
		cfg.Project = val
	}
	if val := os.Getenv("DATAHARNESS_NAMESPACE"); val != "" {
		cfg.Namespace = val
	}
	if val := os.Getenv("DATAHARNESS_WORK_DIR"); val != "" {
		cfg.WorkDir = val
	}
	if val := os.Getenv("DATAHARNESS_DATA_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Data.HostPort = port
		}
	}
	if val := os.Getenv("DATAHARNESS_JWT_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.JWT.HostPort = port
		}
	}
	if val := os.Getenv("DATAHARNESS_STARTUP_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Data.StartupDelay = d
		}
	}

	// Key material
	if val := os.Getenv("DATAHARNESS_JWT_API_KEY"); val != "" {
		cfg.JWT.APIKey = val
	}
	if val := os.Getenv("DATAHARNESS_JWT_PRIVATE_KEY"); val != "" {
		cfg.JWT.PrivateKey = val
	}
	if val := os.Getenv("DATAHARNESS_JWT_PUBLIC_KEY"); val != "" {
		cfg.JWT.PublicKey = val
	}

	if val := os.Getenv("DATAHARNESS_CACHE_ENABLED"); val == "true" {
		cfg.Cache.Enabled = true
	}
	if val := os.Getenv("DATAHARNESS_EXPOSE_BACKENDS"); val == "true" {
		cfg.Verify.ExposeBackends = true
	}
	if val := os.Getenv("DATAHARNESS_USER_DN"); val != "" {
		cfg.Verify.UserDN = val
	}

	if val := os.Getenv("DATAHARNESS_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("DATAHARNESS_OTLP_INSECURE"); val != "" {
		cfg.Telemetry.Insecure = val == "true"
	}

	if val := os.Getenv("DATAHARNESS_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("DATAHARNESS_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("%w: project is required", domain.ErrConfigInvalid)
	}
	if strings.TrimSpace(c.Network) == "" {
		return fmt.Errorf("%w: network is required", domain.ErrConfigInvalid)
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("%w: namespace is required", domain.ErrConfigInvalid)
	}
	if strings.ContainsAny(c.Namespace, " :,/") {
		return fmt.Errorf("%w: namespace %q must not contain spaces, ':', ',' or '/'", domain.ErrConfigInvalid, c.Namespace)
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		c.WorkDir = ".dataharness"
	}

	if c.Verify.ExposeBackends {
		c.exposeBackends()
	}

	if err := c.Data.Validate(); err != nil {
		return fmt.Errorf("data configuration: %w", err)
	}
	if err := c.JWT.Validate(); err != nil {
		return fmt.Errorf("jwt configuration: %w", err)
	}
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker configuration: %w", err)
	}
	if err := c.Verify.Validate(); err != nil {
		return fmt.Errorf("verify configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of the data service configuration
func (c *DataConfig) Validate() error {
	if err := validatePort("host_port", c.HostPort); err != nil {
		return err
	}
	if err := validatePort("container_port", c.ContainerPort); err != nil {
		return err
	}
	if c.StartupDelay < 0 {
		return fmt.Errorf("%w: startup_delay must not be negative", domain.ErrConfigInvalid)
	}
	if c.UseMongo && c.UseS3 {
		return fmt.Errorf("%w: use_mongo and use_s3 are mutually exclusive", domain.ErrConfigInvalid)
	}
	if !c.UseMongo && !c.UseS3 {
		return fmt.Errorf("%w: one storage backend must be selected", domain.ErrConfigInvalid)
	}
	if len(c.Entrypoint) == 0 {
		return fmt.Errorf("%w: entrypoint is required", domain.ErrConfigInvalid)
	}
	if c.Prefix == "" {
		c.Prefix = "/"
	}
	return nil
}

// Validate performs validation of the authentication service configuration
func (c *JWTConfig) Validate() error {
	if err := validatePort("host_port", c.HostPort); err != nil {
		return err
	}
	if err := validatePort("container_port", c.ContainerPort); err != nil {
		return err
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("%w: token_expiry must be positive", domain.ErrConfigInvalid)
	}
	if (c.PrivateKey == "") != (c.PublicKey == "") {
		return fmt.Errorf("%w: private_key and public_key must be provided together", domain.ErrConfigInvalid)
	}
	switch c.Curve {
	case "P-256", "P-384", "P-521":
	case "":
		c.Curve = "P-521"
	default:
		return fmt.Errorf("%w: unsupported curve %q", domain.ErrConfigInvalid, c.Curve)
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.Label) == "" {
			return fmt.Errorf("%w: user %d has no label", domain.ErrConfigInvalid, i)
		}
	}
	if c.Prefix == "" {
		c.Prefix = "/"
	}
	return nil
}

// Validate performs validation of the broker configuration
func (c *BrokerConfig) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if c.ExternalPort != 0 {
		if err := validatePort("external_port", c.ExternalPort); err != nil {
			return err
		}
	}
	if c.Partitions < 1 || c.Replicas < 1 {
		return fmt.Errorf("%w: partitions and replicas must be at least 1", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of the verification settings
func (c *VerifyConfig) Validate() error {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 3 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return nil
}

// exposeBackends fills unset host-side backend ports. Explicit ports win.
func (c *Config) exposeBackends() {
	if c.Broker.ExternalPort == 0 {
		c.Broker.ExternalPort = DefaultBrokerExternalPort
	}
	if c.Store.HostPort == 0 {
		c.Store.HostPort = DefaultStoreHostPort
	}
	if c.Cache.HostPort == 0 {
		c.Cache.HostPort = DefaultCacheHostPort
	}
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	switch strings.ToLower(c.Format) {
	case "", "json":
		c.Format = "json"
	case "text":
		c.Format = "text"
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %s %d out of range", domain.ErrConfigInvalid, name, port)
	}
	return nil
}

// AuditTopic is the broker topic the data service writes its audit trail to.
func (c *Config) AuditTopic() string {
	return c.Namespace + "-audit"
}

// ReplicationTopic is the broker topic carrying the replication log.
func (c *Config) ReplicationTopic() string {
	return c.Namespace + "-replicationlog"
}

// Topics lists the topics the broker creates at bootstrap.
func (c *Config) Topics() []domain.TopicSpec {
	return []domain.TopicSpec{
		{Name: c.AuditTopic(), Partitions: c.Broker.Partitions, Replicas: c.Broker.Replicas},
		{Name: c.ReplicationTopic(), Partitions: c.Broker.Partitions, Replicas: c.Broker.Replicas},
	}
}

// ComposeFile is where the rendered compose descriptor is written.
func (c *Config) ComposeFile() string {
	return filepath.Join(c.WorkDir, "docker-compose.yaml")
}

// KeyDir holds the generated test key material.
func (c *Config) KeyDir() string {
	return filepath.Join(c.WorkDir, "keys")
}

// UsersFilePath is the host path of the user list mounted into the jwt service.
func (c *Config) UsersFilePath() string {
	return c.resolve(c.JWT.UsersFile)
}

// StaticHTMLPath is the host path of the page served by the data service.
func (c *Config) StaticHTMLPath() string {
	return c.resolve(c.Data.StaticHTML)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// DataURL is the host-side base URL of the data service.
func (c *Config) DataURL() string {
	scheme := "http"
	if c.Data.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, c.Data.HostPort)
}

// JWTURL is the host-side base URL of the authentication service, including its prefix.
func (c *Config) JWTURL() string {
	scheme := "http"
	if c.JWT.UseTLS {
		scheme = "https"
	}
	prefix := "/" + strings.Trim(c.JWT.Prefix, "/")
	return strings.TrimSuffix(fmt.Sprintf("%s://localhost:%d%s", scheme, c.JWT.HostPort, prefix), "/")
}

// DefaultUserDN is the identity used by verification when none is configured.
func (c *Config) DefaultUserDN() string {
	if c.Verify.UserDN != "" {
		return c.Verify.UserDN
	}
	if len(c.JWT.Users) > 0 {
		return c.JWT.Users[0].Label
	}
	return ""
}
