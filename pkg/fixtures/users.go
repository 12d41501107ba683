package fixtures

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polisai/dataharness/pkg/domain"
)

// WriteUsersFile writes the user list consumed by the authentication service.
func WriteUsersFile(path string, users []domain.Identity) error {
	data, err := json.MarshalIndent(domain.UserList{Users: users}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}
	//nolint:gosec // Mounted read-only into a container running as another uid
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	return nil
}

// ReadUsersFile parses a user list.
func ReadUsersFile(path string) ([]domain.Identity, error) {
	//nolint:gosec // Path comes from harness configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var list domain.UserList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	return list.Users, nil
}

// FindUser looks up an identity by label.
func FindUser(users []domain.Identity, label string) (domain.Identity, bool) {
	for _, u := range users {
		if u.Label == label {
			return u, true
		}
	}
	return domain.Identity{}, false
}
