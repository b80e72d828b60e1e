package auth

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is the privilege attached to an API key.
type Role string

const (
	// RoleAgent may submit commands for evaluation.
	RoleAgent Role = "agent"
	// RoleApprover may additionally list and resolve approvals.
	RoleApprover Role = "approver"
	// RoleAdmin may do everything, including allowlist edits.
	RoleAdmin Role = "admin"
)

// CanResolve reports whether the role may decide pending approvals.
// Agents never can, so a command cannot approve itself.
func (r Role) CanResolve() bool { return r == RoleApprover || r == RoleAdmin }

// CanAdmin reports whether the role may edit the allowlist.
func (r Role) CanAdmin() bool { return r == RoleAdmin }

type APIKeyAuth struct {
	headerName string
	keys       map[string]Role
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"` // agent|approver|admin
}

func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	return ParseAPIKeys(b, headerName)
}

// ParseAPIKeys parses a keys file body. Entries without a role get RoleAgent.
func ParseAPIKeys(b []byte, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]Role, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		role := Role(strings.ToLower(strings.TrimSpace(e.Role)))
		switch role {
		case "":
			role = RoleAgent
		case RoleAgent, RoleApprover, RoleAdmin:
		default:
			return nil, fmt.Errorf("api key %d (%s): unknown role %q", i, e.ID, e.Role)
		}
		keys[e.Key] = role
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	return &APIKeyAuth{headerName: headerName, keys: keys}, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

func (a *APIKeyAuth) IsAllowed(key string) bool {
	_, ok := a.keys[key]
	return ok
}

func (a *APIKeyAuth) RoleForKey(key string) Role {
	if a == nil {
		return ""
	}
	return a.keys[key]
}
