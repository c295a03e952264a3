package utils

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PruneOldFiles removes files under dir whose timestamp-prefixed names
// (see GenerateTimestampPrefix) indicate they are older than maxAge.
// Files without a decodable prefix are left alone. Returns the number
// of files removed.
func PruneOldFiles(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		// Prefixed names look like "65cfda3f_...", raw IDs like "65cfda3f...".
		hexPart := name
		if idx := strings.IndexByte(name, '_'); idx >= 0 {
			hexPart = name[:idx]
		}
		if _, err := GetTimeFromID(hexPart); err != nil {
			continue
		}

		if IsOlderThan(hexPart, maxAge) {
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		slog.Info("Pruned old files", "dir", dir, "count", removed)
	}
	return removed
}
