package compose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Publisher is a published port as reported by compose ps.
type Publisher struct {
	URL           string `json:"URL"`
	TargetPort    int    `json:"TargetPort"`
	PublishedPort int    `json:"PublishedPort"`
	Protocol      string `json:"Protocol"`
}

// ServiceState is one container entry of compose ps.
type ServiceState struct {
	Name       string      `json:"Name"`
	Service    string      `json:"Service"`
	State      string      `json:"State"`
	Health     string      `json:"Health"`
	Status     string      `json:"Status"`
	ExitCode   int         `json:"ExitCode"`
	Publishers []Publisher `json:"Publishers"`
}

// Running reports whether the container is up and not marked unhealthy.
func (s ServiceState) Running() bool {
	return strings.EqualFold(s.State, "running") && !strings.EqualFold(s.Health, "unhealthy")
}

// ParsePS decodes compose ps JSON output. Older compose releases print a
// single array, newer ones print one object per line.
func ParsePS(data []byte) ([]ServiceState, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var states []ServiceState
		if err := json.Unmarshal(data, &states); err != nil {
			return nil, fmt.Errorf("failed to decode ps output: %w", err)
		}
		return states, nil
	}

	var states []ServiceState
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var st ServiceState
		err := dec.Decode(&st)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode ps output: %w", err)
		}
		states = append(states, st)
	}
	return states, nil
}

// ByService indexes states by compose service name. When a service has more
// than one container the running one wins.
func ByService(states []ServiceState) map[string]ServiceState {
	out := make(map[string]ServiceState, len(states))
	for _, st := range states {
		prev, seen := out[st.Service]
		if seen && prev.Running() {
			continue
		}
		out[st.Service] = st
	}
	return out
}

// NotRunning lists the expected services that have no running container.
func NotRunning(states []ServiceState, expected []string) []string {
	idx := ByService(states)
	var missing []string
	for _, name := range expected {
		if st, ok := idx[name]; !ok || !st.Running() {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
