package topology

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/fixtures"
)

// Service names used in the rendered descriptor.
const (
	ServiceData      = "gmdata"
	ServiceStore     = "mongo"
	ServiceJWT       = "jwt-security"
	ServiceBroker    = "kafka"
	ServiceZookeeper = "zookeeper"
	ServiceCache     = "redis"
)

// Build assembles the topology described by cfg. Key material is injected
// into the authentication service and its public half into the data service.
func Build(cfg *config.Config, material *fixtures.Material) (*domain.Topology, error) {
	if material == nil {
		return nil, fmt.Errorf("%w: key material is required", domain.ErrKeyMaterialInvalid)
	}

	services := []domain.Service{
		dataService(cfg, material),
		storeService(cfg),
		jwtService(cfg, material),
		brokerService(cfg),
		zookeeperService(cfg),
	}
	if cfg.Cache.Enabled {
		services = append(services, cacheService(cfg))
	}

	t := &domain.Topology{
		Project:  cfg.Project,
		Network:  cfg.Network,
		Services: services,
		Topics:   cfg.Topics(),
	}

	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func dataService(cfg *config.Config, material *fixtures.Material) domain.Service {
	env := map[string]string{
		"BIND_ADDRESS":                "0.0.0.0",
		"BIND_PORT":                   strconv.Itoa(cfg.Data.ContainerPort),
		"CLIENT_PREFIX":               cfg.Data.Prefix,
		"CLIENT_JWT_ENDPOINT_ADDRESS": cfg.JWT.Alias,
		"CLIENT_JWT_ENDPOINT_PORT":    strconv.Itoa(cfg.JWT.ContainerPort),
		"CLIENT_JWT_ENDPOINT_PREFIX":  cfg.JWT.Prefix,
		"CLIENT_JWT_ENDPOINT_USE_TLS": strconv.FormatBool(cfg.JWT.UseTLS),
		"JWT_PUB":                     material.PublicKeyBase64(),
		"GMDATA_NAMESPACE":            cfg.Namespace,
		"GMDATA_NAMESPACE_USERFIELD":  cfg.NamespaceUserField,
		"GMDATA_USE_TLS":              strconv.FormatBool(cfg.Data.UseTLS),
		"USEMONGO":                    strconv.FormatBool(cfg.Data.UseMongo),
		"USES3":                       strconv.FormatBool(cfg.Data.UseS3),
		"MONGOHOST":                   fmt.Sprintf("%s:%d", cfg.Store.Host, cfg.Store.Port),
		"MONGODB":                     cfg.Store.Database,
		"KAFKA_PEERS":                 fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"KAFKA_TOPIC_AUDIT":           cfg.AuditTopic(),
		"KAFKA_TOPIC_REPLICATION":     cfg.ReplicationTopic(),
	}

	return domain.Service{
		Name:         ServiceData,
		Image:        cfg.Images.Data,
		Command:      delayedCommand(cfg.Data.Entrypoint, cfg.Data.StartupDelay.Seconds()),
		Environment:  env,
		Ports:        []domain.PortMapping{{Host: cfg.Data.HostPort, Container: cfg.Data.ContainerPort, Protocol: "tcp"}},
		Volumes:      []domain.Mount{{Source: mountSource(cfg.Data.StaticHTML), Target: cfg.Data.StaticTarget, ReadOnly: true}},
		DependsOn:    []string{ServiceStore, ServiceJWT, ServiceBroker},
		Aliases:      []string{cfg.Data.Alias},
		StartupDelay: cfg.Data.StartupDelay,
		Readiness:    domain.Readiness{Kind: domain.ReadinessHTTP, Port: cfg.Data.HostPort, Path: "/"},
	}
}

func jwtService(cfg *config.Config, material *fixtures.Material) domain.Service {
	env := map[string]string{
		"HTTP_PORT":      strconv.Itoa(cfg.JWT.ContainerPort),
		"PRIVATE_KEY":    material.PrivateKeyBase64(),
		"PUBLIC_KEY":     material.PublicKeyBase64(),
		"JWT_API_KEY":    material.APIKey,
		"TOKEN_EXP_TIME": strconv.FormatInt(int64(cfg.JWT.TokenExpiry.Seconds()), 10),
		"ENABLE_TLS":     strconv.FormatBool(cfg.JWT.UseTLS),
		"ZEROLOG_LEVEL":  cfg.JWT.LogLevel,
	}
	deps := []string{}
	if cfg.Cache.Enabled {
		env["REDIS_HOST"] = cfg.Cache.Host
		env["REDIS_PORT"] = strconv.Itoa(cfg.Cache.Port)
		deps = append(deps, ServiceCache)
	}

	return domain.Service{
		Name:        ServiceJWT,
		Image:       cfg.Images.JWT,
		Environment: env,
		Ports:       []domain.PortMapping{{Host: cfg.JWT.HostPort, Container: cfg.JWT.ContainerPort, Protocol: "tcp"}},
		Volumes:     []domain.Mount{{Source: mountSource(cfg.JWT.UsersFile), Target: cfg.JWT.UsersTarget, ReadOnly: true}},
		DependsOn:   deps,
		Aliases:     []string{cfg.JWT.Alias},
		Readiness:   domain.Readiness{Kind: domain.ReadinessHTTP, Port: cfg.JWT.HostPort, Path: "/"},
	}
}

func storeService(cfg *config.Config) domain.Service {
	svc := domain.Service{
		Name:      ServiceStore,
		Image:     cfg.Images.Store,
		Readiness: domain.Readiness{Kind: domain.ReadinessNone},
	}
	if cfg.Store.HostPort != 0 {
		svc.Ports = []domain.PortMapping{{Host: cfg.Store.HostPort, Container: cfg.Store.Port, Protocol: "tcp"}}
		svc.Readiness = domain.Readiness{Kind: domain.ReadinessTCP, Port: cfg.Store.HostPort}
	}
	return svc
}

func brokerService(cfg *config.Config) domain.Service {
	topics := make([]string, 0, 2)
	for _, t := range cfg.Topics() {
		topics = append(topics, t.String())
	}

	env := map[string]string{
		"KAFKA_ZOOKEEPER_CONNECT": fmt.Sprintf("%s:%d", cfg.Broker.ZookeeperHost, cfg.Broker.ZookeeperPort),
		"KAFKA_CREATE_TOPICS":     strings.Join(topics, ","),
	}

	svc := domain.Service{
		Name:        ServiceBroker,
		Image:       cfg.Images.Broker,
		Environment: env,
		DependsOn:   []string{ServiceZookeeper},
		Readiness:   domain.Readiness{Kind: domain.ReadinessNone},
	}

	if cfg.Broker.ExternalPort == 0 {
		env["KAFKA_ADVERTISED_HOST_NAME"] = cfg.Broker.Host
		env["KAFKA_ADVERTISED_PORT"] = strconv.Itoa(cfg.Broker.Port)
		return svc
	}

	// Two listeners: one advertised on the network for the data service, one
	// on localhost for inspection from the host.
	env["KAFKA_LISTENERS"] = fmt.Sprintf("INSIDE://0.0.0.0:%d,OUTSIDE://0.0.0.0:%d", cfg.Broker.Port, cfg.Broker.ExternalPort)
	env["KAFKA_ADVERTISED_LISTENERS"] = fmt.Sprintf("INSIDE://%s:%d,OUTSIDE://localhost:%d", cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.ExternalPort)
	env["KAFKA_LISTENER_SECURITY_PROTOCOL_MAP"] = "INSIDE:PLAINTEXT,OUTSIDE:PLAINTEXT"
	env["KAFKA_INTER_BROKER_LISTENER_NAME"] = "INSIDE"
	svc.Ports = []domain.PortMapping{{Host: cfg.Broker.ExternalPort, Container: cfg.Broker.ExternalPort, Protocol: "tcp"}}
	svc.Readiness = domain.Readiness{Kind: domain.ReadinessTCP, Port: cfg.Broker.ExternalPort}
	return svc
}

func zookeeperService(cfg *config.Config) domain.Service {
	return domain.Service{
		Name:      ServiceZookeeper,
		Image:     cfg.Images.Zookeeper,
		Readiness: domain.Readiness{Kind: domain.ReadinessNone},
	}
}

func cacheService(cfg *config.Config) domain.Service {
	svc := domain.Service{
		Name:      ServiceCache,
		Image:     cfg.Images.Cache,
		Readiness: domain.Readiness{Kind: domain.ReadinessNone},
	}
	if cfg.Cache.HostPort != 0 {
		svc.Ports = []domain.PortMapping{{Host: cfg.Cache.HostPort, Container: cfg.Cache.Port, Protocol: "tcp"}}
		svc.Readiness = domain.Readiness{Kind: domain.ReadinessTCP, Port: cfg.Cache.HostPort}
	}
	return svc
}

// delayedCommand wraps an entrypoint in a shell sleep. The images race their
// dependencies on startup, and compose only orders container creation.
func delayedCommand(entrypoint []string, seconds float64) []string {
	if seconds <= 0 {
		return append([]string(nil), entrypoint...)
	}
	quoted := make([]string, len(entrypoint))
	for i, arg := range entrypoint {
		quoted[i] = shellQuote(arg)
	}
	return []string{
		"sh", "-c",
		fmt.Sprintf("sleep %s && exec %s", strconv.FormatFloat(seconds, 'f', -1, 64), strings.Join(quoted, " ")),
	}
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// mountSource expresses a host path relative to the compose file, which
// lives in the work directory.
func mountSource(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return "./" + filepath.ToSlash(filepath.Clean(p))
}
