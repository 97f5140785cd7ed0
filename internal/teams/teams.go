// Package teams loads and validates the team registry. Each team maps a
// name to a working directory, an optional remote SSH target, and a
// permission mode that governs tool approvals for its agent.
package teams

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTeamName = errors.New("invalid team name")
	ErrUnknownTeam     = errors.New("unknown team")
	ErrMissingPath     = errors.New("team has no path configured")
)

// Permission modes for a team's agent
const (
	// PermissionYes auto-approves every tool request
	PermissionYes = "yes"
	// PermissionNo auto-denies every tool request
	PermissionNo = "no"
	// PermissionAsk queues the request for a human decision
	PermissionAsk = "ask"
	// PermissionForward relays the request to the originating team
	PermissionForward = "forward"
)

// teamNamePattern restricts names to identifier-safe characters.
// No path separators, bounded length.
var teamNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Team is one entry in the registry.
type Team struct {
	// Path is the working directory the agent is launched in.
	// For remote teams it is the directory on the remote host.
	Path string `yaml:"path"`

	// Remote, when set, wraps the launch in an SSH session.
	Remote *SSHConfig `yaml:"remote,omitempty"`

	// PermissionMode is one of yes, no, ask, forward. Defaults to ask.
	PermissionMode string `yaml:"permissionMode,omitempty"`

	// Executable overrides the configured agent binary for this team.
	Executable string `yaml:"executable,omitempty"`

	// ExtraArgs are appended to the agent's argv.
	ExtraArgs []string `yaml:"extraArgs,omitempty"`

	// Env entries are exported in the child's environment (KEY=VALUE).
	Env []string `yaml:"env,omitempty"`
}

// SSHConfig describes how to reach a remote team.
type SSHConfig struct {
	// Host is the SSH destination, optionally user-qualified (user@host).
	Host string `yaml:"host"`

	// IdentityFile is a private key path passed via -i.
	IdentityFile string `yaml:"identityFile,omitempty"`

	// Port overrides the SSH port (-p).
	Port int `yaml:"port,omitempty"`

	// Compression enables -C.
	Compression bool `yaml:"compression,omitempty"`

	// ForwardAgent enables -A.
	ForwardAgent bool `yaml:"forwardAgent,omitempty"`

	// ExtraOptions are passed through to ssh verbatim.
	ExtraOptions []string `yaml:"extraOptions,omitempty"`

	// ReverseMcpPort, when non-zero, opens a reverse tunnel so the
	// remote agent can reach this server's MCP endpoint.
	ReverseMcpPort int `yaml:"reverseMcpPort,omitempty"`
}

// registryFile is the root structure of the teams YAML file.
type registryFile struct {
	Teams map[string]Team `yaml:"teams"`
}

// Registry holds the loaded team configuration. Immutable after load.
type Registry struct {
	teams map[string]Team
}

// ValidateName checks a team name against the accepted pattern.
func ValidateName(name string) error {
	if !teamNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidTeamName, name, teamNamePattern.String())
	}
	return nil
}

// LoadFromFile reads and validates the team registry from a YAML file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read teams file: %w", err)
	}
	return Load(data)
}

// Load parses and validates a team registry from YAML bytes.
func Load(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse teams file: %w", err)
	}
	return NewRegistry(file.Teams)
}

// NewRegistry validates the given team map and builds a registry.
func NewRegistry(teamsByName map[string]Team) (*Registry, error) {
	teams := make(map[string]Team, len(teamsByName))
	for name, team := range teamsByName {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		if team.Path == "" {
			return nil, fmt.Errorf("%w: %q", ErrMissingPath, name)
		}
		if team.PermissionMode == "" {
			team.PermissionMode = PermissionAsk
		}
		switch team.PermissionMode {
		case PermissionYes, PermissionNo, PermissionAsk, PermissionForward:
		default:
			return nil, fmt.Errorf("team %q has invalid permission mode %q", name, team.PermissionMode)
		}
		if team.Remote != nil && team.Remote.Host == "" {
			return nil, fmt.Errorf("team %q has a remote section without a host", name)
		}
		teams[name] = team
	}
	return &Registry{teams: teams}, nil
}

// Get returns the team with the given name.
// Returns ErrInvalidTeamName for malformed names and ErrUnknownTeam for
// names that pass validation but are not configured.
func (r *Registry) Get(name string) (*Team, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	team, ok := r.teams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTeam, name)
	}
	return &team, nil
}

// Has reports whether a team with the given name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.teams[name]
	return ok
}

// Names returns all configured team names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.teams))
	for name := range r.teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured teams.
func (r *Registry) Len() int {
	return len(r.teams)
}

// IsRemote reports whether the team runs behind SSH.
func (t *Team) IsRemote() bool {
	return t.Remote != nil
}
