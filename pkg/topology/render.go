package topology

import (
	"bytes"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/polisai/dataharness/pkg/domain"
)

// ComposeFile mirrors the subset of the compose format the harness emits.
type ComposeFile struct {
	Name     string                    `yaml:"name,omitempty"`
	Services map[string]ComposeService `yaml:"services"`
	Networks map[string]ComposeNetwork `yaml:"networks,omitempty"`
}

// ComposeService is one service entry.
type ComposeService struct {
	Image       string                           `yaml:"image"`
	Command     []string                         `yaml:"command,omitempty"`
	Environment map[string]string                `yaml:"environment,omitempty"`
	Ports       []ComposePort                    `yaml:"ports,omitempty"`
	Volumes     []ComposeVolume                  `yaml:"volumes,omitempty"`
	DependsOn   []string                         `yaml:"depends_on,omitempty"`
	Networks    map[string]ComposeServiceNetwork `yaml:"networks,omitempty"`
}

// ComposePort is the long port syntax.
type ComposePort struct {
	Target    int    `yaml:"target"`
	Published string `yaml:"published"`
	Protocol  string `yaml:"protocol,omitempty"`
}

// ComposeVolume is the long bind mount syntax.
type ComposeVolume struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// ComposeServiceNetwork attaches a service to a network under optional aliases.
type ComposeServiceNetwork struct {
	Aliases []string `yaml:"aliases,omitempty"`
}

// ComposeNetwork declares a network.
type ComposeNetwork struct {
	Name   string `yaml:"name,omitempty"`
	Driver string `yaml:"driver,omitempty"`
}

// ToCompose converts a topology into the compose document model.
func ToCompose(t *domain.Topology) ComposeFile {
	file := ComposeFile{
		Name:     t.Project,
		Services: make(map[string]ComposeService, len(t.Services)),
		Networks: map[string]ComposeNetwork{
			t.Network: {Name: t.Network, Driver: "bridge"},
		},
	}

	for _, svc := range t.Services {
		cs := ComposeService{
			Image:       svc.Image,
			Command:     svc.Command,
			Environment: svc.Environment,
			DependsOn:   svc.DependsOn,
			Networks: map[string]ComposeServiceNetwork{
				t.Network: {Aliases: svc.Aliases},
			},
		}
		for _, p := range svc.Ports {
			cs.Ports = append(cs.Ports, ComposePort{
				Target:    p.Container,
				Published: strconv.Itoa(p.Host),
				Protocol:  p.Protocol,
			})
		}
		for _, m := range svc.Volumes {
			cs.Volumes = append(cs.Volumes, ComposeVolume{
				Type:     "bind",
				Source:   m.Source,
				Target:   m.Target,
				ReadOnly: m.ReadOnly,
			})
		}
		file.Services[svc.Name] = cs
	}

	return file
}

// Render produces the compose YAML for t. Map keys are emitted sorted, so
// the output is stable for a given topology.
func Render(t *domain.Topology) ([]byte, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(ToCompose(t)); err != nil {
		return nil, fmt.Errorf("failed to encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode compose file: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseCompose decodes a compose document produced by Render.
func ParseCompose(data []byte) (ComposeFile, error) {
	var file ComposeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ComposeFile{}, fmt.Errorf("failed to parse compose file: %w", err)
	}
	return file, nil
}
