package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Settlement writes arrive from several goroutines at once (detection
// channels, sweeps, payouts), so the on-disk database runs in WAL mode with a
// generous busy timeout.
const filePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN turns a filesystem path into the on-disk SQLite DSN diced opens at
// startup.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, filePragmas), nil
}
