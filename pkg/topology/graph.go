package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/dataharness/pkg/domain"
)

// Validate checks names, dependency edges, host ports and aliases.
func Validate(t *domain.Topology) error {
	if t == nil || len(t.Services) == 0 {
		return fmt.Errorf("%w: topology has no services", domain.ErrConfigInvalid)
	}

	names := make(map[string]bool, len(t.Services))
	for _, svc := range t.Services {
		if strings.TrimSpace(svc.Name) == "" {
			return fmt.Errorf("%w: service without a name", domain.ErrConfigInvalid)
		}
		if names[svc.Name] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateService, svc.Name)
		}
		names[svc.Name] = true
	}

	hostPorts := make(map[int]string)
	aliases := make(map[string]string)
	for _, svc := range t.Services {
		for _, dep := range svc.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: %s depends on %s", domain.ErrUnknownDependency, svc.Name, dep)
			}
			if dep == svc.Name {
				return fmt.Errorf("%w: %s depends on itself", domain.ErrDependencyCycle, svc.Name)
			}
		}
		for _, p := range svc.Ports {
			if owner, taken := hostPorts[p.Host]; taken {
				return fmt.Errorf("%w: %d used by %s and %s", domain.ErrPortConflict, p.Host, owner, svc.Name)
			}
			hostPorts[p.Host] = svc.Name
		}
		for _, alias := range svc.Aliases {
			if owner, taken := aliases[alias]; taken || (names[alias] && alias != svc.Name) {
				if owner == "" {
					owner = alias
				}
				return fmt.Errorf("%w: alias %q of %s collides with %s", domain.ErrConfigInvalid, alias, svc.Name, owner)
			}
			aliases[alias] = svc.Name
		}
	}

	_, err := StartupOrder(t)
	return err
}

// StartupOrder groups services into layers: every service appears after all
// of its dependencies, and services within a layer are sorted by name.
func StartupOrder(t *domain.Topology) ([][]string, error) {
	indegree := make(map[string]int, len(t.Services))
	dependents := make(map[string][]string, len(t.Services))
	for _, svc := range t.Services {
		if _, ok := indegree[svc.Name]; !ok {
			indegree[svc.Name] = 0
		}
		for _, dep := range svc.DependsOn {
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var layers [][]string
	var current []string
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}

	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		layers = append(layers, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, child := range dependents[name] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}

	if placed != len(indegree) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", domain.ErrDependencyCycle, strings.Join(stuck, ", "))
	}

	return layers, nil
}

// Flatten returns the startup layers as a single ordered list.
func Flatten(layers [][]string) []string {
	var out []string
	for _, layer := range layers {
		out = append(out, layer...)
	}
	return out
}

// Dependents lists the services that directly depend on name.
func Dependents(t *domain.Topology, name string) []string {
	var out []string
	for _, svc := range t.Services {
		for _, dep := range svc.DependsOn {
			if dep == name {
				out = append(out, svc.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Dependencies lists every service name reachable through name's
// dependency edges, sorted.
func Dependencies(t *domain.Topology, name string) ([]string, error) {
	if _, err := t.Service(name); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var walk func(string) error
	walk = func(n string) error {
		svc, err := t.Service(n)
		if err != nil {
			return err
		}
		for _, dep := range svc.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(name); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out, nil
}
