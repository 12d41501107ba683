package domain

import (
	"fmt"
	"time"
)

// ReadinessKind selects how a service is probed for readiness.
type ReadinessKind string

const (
	ReadinessTCP  ReadinessKind = "tcp"
	ReadinessHTTP ReadinessKind = "http"
	// ReadinessNone marks services that are only checked for a running container.
	ReadinessNone ReadinessKind = "none"
)

// PortMapping publishes a container port on the host.
type PortMapping struct {
	Host      int
	Container int
	Protocol  string
}

// String renders the mapping in compose short syntax.
func (p PortMapping) String() string {
	s := fmt.Sprintf("%d:%d", p.Host, p.Container)
	if p.Protocol != "" && p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}

// Mount binds a host file or directory into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// String renders the mount in compose short syntax.
func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// Readiness describes how the harness decides a service is ready. Port is a
// host port; services without a published port are probed on the container
// state only.
type Readiness struct {
	Kind ReadinessKind
	Port int
	Path string
}

// Service is a single container in the topology.
type Service struct {
	Name         string
	Image        string
	Command      []string
	Environment  map[string]string
	Ports        []PortMapping
	Volumes      []Mount
	DependsOn    []string
	Aliases      []string
	StartupDelay time.Duration
	Readiness    Readiness
}

// TopicSpec is a broker topic created at bootstrap.
type TopicSpec struct {
	Name       string
	Partitions int
	Replicas   int
}

// String renders the topic as name:partitions:replicas.
func (t TopicSpec) String() string {
	return fmt.Sprintf("%s:%d:%d", t.Name, t.Partitions, t.Replicas)
}

// Topology is the full set of services joined to one network.
type Topology struct {
	Project  string
	Network  string
	Services []Service
	Topics   []TopicSpec
}

// Service returns the named service.
func (t *Topology) Service(name string) (*Service, error) {
	for i := range t.Services {
		if t.Services[i].Name == name {
			return &t.Services[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
}

// Names lists service names in declaration order.
func (t *Topology) Names() []string {
	names := make([]string, 0, len(t.Services))
	for _, s := range t.Services {
		names = append(names, s.Name)
	}
	return names
}
