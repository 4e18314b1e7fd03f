// Package permission answers whether a role may perform an action on a resource.
// Roles are loaded once at startup into an immutable arena and exposed as
// capabilities; nothing mutates them afterwards.
package permission

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

//go:embed default_permissions.yaml
var defaultPermissions []byte

// Capability is what a role can do.
type Capability interface {
	Can(resource, action string) bool
}

type document struct {
	Roles []roleDocument `yaml:"roles"`
}

type roleDocument struct {
	Name        string              `yaml:"name"`
	Permissions map[string][]string `yaml:"permissions"`
}

type role struct {
	name    string
	allowed map[string]map[string]struct{}
}

func (r *role) Can(resource, action string) bool {
	if r == nil {
		return false
	}
	resource = normalize(resource)
	action = normalize(action)
	for _, res := range []string{resource, Wildcard} {
		actions, ok := r.allowed[res]
		if !ok {
			continue
		}
		if _, ok := actions[action]; ok {
			return true
		}
		if _, ok := actions[Wildcard]; ok {
			return true
		}
	}
	return false
}

type denyAll struct{}

func (denyAll) Can(string, string) bool { return false }

// Gate is the role arena.
type Gate struct {
	roles map[string]*role
}

// Load reads the arena from path, falling back to the embedded catalog when path is empty.
func Load(path string) (*Gate, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultPermissions)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded catalog.
func Default() *Gate {
	gate, err := Parse(defaultPermissions)
	if err != nil {
		panic(fmt.Sprintf("embedded permissions invalid: %v", err))
	}
	return gate
}

// Parse builds a gate from YAML.
func Parse(data []byte) (*Gate, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse permissions: %w", err)
	}
	gate := &Gate{roles: make(map[string]*role, len(doc.Roles))}
	for _, rd := range doc.Roles {
		name := normalize(rd.Name)
		if name == "" {
			return nil, fmt.Errorf("parse permissions: role name is required")
		}
		if _, exists := gate.roles[name]; exists {
			return nil, fmt.Errorf("parse permissions: duplicate role %q", rd.Name)
		}
		r := &role{name: name, allowed: make(map[string]map[string]struct{}, len(rd.Permissions))}
		for resource, actions := range rd.Permissions {
			set := make(map[string]struct{}, len(actions))
			for _, action := range actions {
				set[normalize(action)] = struct{}{}
			}
			r.allowed[normalize(resource)] = set
		}
		gate.roles[name] = r
	}
	return gate, nil
}

// Role returns the capability for name. Unknown roles can do nothing.
func (g *Gate) Role(name string) Capability {
	if g == nil {
		return denyAll{}
	}
	if r, ok := g.roles[normalize(name)]; ok {
		return r
	}
	return denyAll{}
}

// Authorize reports whether role may perform action on resource.
func (g *Gate) Authorize(roleName, resource, action string) bool {
	return g.Role(roleName).Can(resource, action)
}

// Roles lists the loaded role names.
func (g *Gate) Roles() []string {
	names := make([]string, 0, len(g.roles))
	for name := range g.roles {
		names = append(names, name)
	}
	return names
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeRole folds a role name the way the arena stores it.
func NormalizeRole(name string) string {
	return normalize(name)
}
