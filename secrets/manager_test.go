package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvBackend(t *testing.T) {
	t.Setenv("DICEHOUSE_TEST_SECRET", "  hunter2  ")
	m, err := NewManager(Config{Backend: BackendEnv})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	value, err := m.GetSecret(context.Background(), "DICEHOUSE_TEST_SECRET")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "hunter2" {
		t.Fatalf("value %q", value)
	}
	if _, err := m.GetSecret(context.Background(), ""); err == nil {
		t.Fatalf("empty name accepted")
	}
}

func TestFilesystemBackend(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "master-key"), []byte("sealed\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	m, err := NewManager(Config{Backend: BackendFilesystem, BasePath: dir})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	value, err := m.GetSecret(context.Background(), "master-key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "sealed" {
		t.Fatalf("value %q", value)
	}
	for _, name := range []string{"../escape", "/abs/path", ".."} {
		if _, err := m.GetSecret(context.Background(), name); err == nil {
			t.Fatalf("traversal name %q accepted", name)
		}
	}
}

func TestMustGetSecret(t *testing.T) {
	m, err := NewManager(Config{Backend: BackendEnv})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.MustGetSecret(context.Background(), "DICEHOUSE_DEFINITELY_UNSET"); err == nil {
		t.Fatalf("empty secret accepted")
	}
}

func TestUnsupportedBackend(t *testing.T) {
	if _, err := NewManager(Config{Backend: "consul"}); err == nil {
		t.Fatalf("unsupported backend accepted")
	}
}
