// Package secrets resolves the vault master key and admin credentials from a
// pluggable backend so they never appear in the configuration file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend enumerates supported secret backends.
type Backend string

const (
	// BackendEnv reads secrets from environment variables.
	BackendEnv Backend = "env"
	// BackendFilesystem reads secrets from files under a root directory,
	// the layout mounted secret volumes use.
	BackendFilesystem Backend = "filesystem"
)

// Config describes the secret backend wiring.
type Config struct {
	Backend Backend
	// BasePath locates secret files for the filesystem backend.
	BasePath string
}

// source reads one named secret.
type source interface {
	read(name string) (string, error)
}

type envSource struct{}

func (envSource) read(name string) (string, error) {
	return strings.TrimSpace(os.Getenv(name)), nil
}

type fileSource struct {
	root string
}

func (s fileSource) read(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("secret name %q must be relative", name)
	}
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("secret name %q is invalid", name)
	}
	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Manager resolves named secrets through the configured backend.
type Manager struct {
	src source
}

// NewManager constructs a Manager for the supplied configuration. The env
// backend is the default.
func NewManager(cfg Config) (*Manager, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendEnv
	}
	switch backend {
	case BackendEnv:
		return &Manager{src: envSource{}}, nil
	case BackendFilesystem:
		root := strings.TrimSpace(cfg.BasePath)
		if root == "" {
			return nil, errors.New("filesystem secret backend requires base path")
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat secret directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("secret base path %s is not a directory", root)
		}
		return &Manager{src: fileSource{root: root}}, nil
	default:
		return nil, fmt.Errorf("unsupported secret backend %q", backend)
	}
}

// GetSecret resolves the value associated with name.
func (m *Manager) GetSecret(ctx context.Context, name string) (string, error) {
	_ = ctx
	if m == nil || m.src == nil {
		return "", errors.New("secret manager not configured")
	}
	if name == "" {
		return "", errors.New("secret name required")
	}
	return m.src.read(name)
}

// MustGetSecret resolves a secret and fails when it is empty. Startup paths
// use this for secrets the process cannot run without.
func (m *Manager) MustGetSecret(ctx context.Context, name string) (string, error) {
	value, err := m.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("secret %s is empty", name)
	}
	return value, nil
}
