package teams

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		team    string
		wantErr bool
	}{
		{name: "simple", team: "backend", wantErr: false},
		{name: "with digits", team: "team42", wantErr: false},
		{name: "hyphen and underscore", team: "ml-infra_2", wantErr: false},
		{name: "single char", team: "a", wantErr: false},
		{name: "max length", team: strings.Repeat("x", 64), wantErr: false},
		{name: "empty", team: "", wantErr: true},
		{name: "too long", team: strings.Repeat("x", 65), wantErr: true},
		{name: "path separator", team: "a/b", wantErr: true},
		{name: "dot dot", team: "..", wantErr: true},
		{name: "space", team: "team one", wantErr: true},
		{name: "unicode", team: "équipe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.team)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateName(%q) = nil, want error", tt.team)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", tt.team, err)
			}
			if tt.wantErr && err != nil && !errors.Is(err, ErrInvalidTeamName) {
				t.Errorf("error = %v, want ErrInvalidTeamName", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	data := []byte(`
teams:
  backend:
    path: /srv/backend
    permissionMode: yes
  frontend:
    path: /srv/frontend
  edge:
    path: /opt/edge
    remote:
      host: deploy@edge-1
      port: 2222
      identityFile: ~/.ssh/edge
      compression: true
      reverseMcpPort: 8421
    permissionMode: "no"
`)
	reg, err := Load(data)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if reg.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", reg.Len())
	}

	backend, err := reg.Get("backend")
	if err != nil {
		t.Fatalf("Get(backend) error = %v", err)
	}
	if backend.Path != "/srv/backend" {
		t.Errorf("Path = %q, want /srv/backend", backend.Path)
	}
	if backend.PermissionMode != PermissionYes {
		t.Errorf("PermissionMode = %q, want %q", backend.PermissionMode, PermissionYes)
	}
	if backend.IsRemote() {
		t.Error("backend should not be remote")
	}

	// Unset permission mode defaults to ask
	frontend, err := reg.Get("frontend")
	if err != nil {
		t.Fatalf("Get(frontend) error = %v", err)
	}
	if frontend.PermissionMode != PermissionAsk {
		t.Errorf("PermissionMode = %q, want %q", frontend.PermissionMode, PermissionAsk)
	}

	edge, err := reg.Get("edge")
	if err != nil {
		t.Fatalf("Get(edge) error = %v", err)
	}
	if !edge.IsRemote() {
		t.Fatal("edge should be remote")
	}
	if edge.Remote.Host != "deploy@edge-1" {
		t.Errorf("Host = %q, want deploy@edge-1", edge.Remote.Host)
	}
	if edge.Remote.Port != 2222 {
		t.Errorf("Port = %d, want 2222", edge.Remote.Port)
	}
	if edge.Remote.ReverseMcpPort != 8421 {
		t.Errorf("ReverseMcpPort = %d, want 8421", edge.Remote.ReverseMcpPort)
	}
	if edge.PermissionMode != PermissionNo {
		t.Errorf("PermissionMode = %q, want %q", edge.PermissionMode, PermissionNo)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "bad team name",
			data: "teams:\n  \"a/b\":\n    path: /tmp\n",
		},
		{
			name: "missing path",
			data: "teams:\n  backend:\n    permissionMode: yes\n",
		},
		{
			name: "bad permission mode",
			data: "teams:\n  backend:\n    path: /tmp\n    permissionMode: maybe\n",
		},
		{
			name: "remote without host",
			data: "teams:\n  backend:\n    path: /tmp\n    remote:\n      port: 22\n",
		},
		{
			name: "not yaml",
			data: "{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load([]byte(tt.data)); err == nil {
				t.Error("Load() = nil, want error")
			}
		})
	}
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg, err := NewRegistry(map[string]Team{
		"backend": {Path: "/srv/backend"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	_, err = reg.Get("nonexistent")
	if !errors.Is(err, ErrUnknownTeam) {
		t.Errorf("error = %v, want ErrUnknownTeam", err)
	}

	// Malformed names fail validation before lookup
	_, err = reg.Get("../etc")
	if !errors.Is(err, ErrInvalidTeamName) {
		t.Errorf("error = %v, want ErrInvalidTeamName", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg, err := NewRegistry(map[string]Team{
		"zeta":  {Path: "/z"},
		"alpha": {Path: "/a"},
		"mid":   {Path: "/m"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	names := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "teams.yaml")
	content := "teams:\n  backend:\n    path: /srv/backend\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	reg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if !reg.Has("backend") {
		t.Error("Has(backend) = false, want true")
	}

	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFromFile(missing) = nil, want error")
	}
}
