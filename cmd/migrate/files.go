package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	migrationFile = regexp.MustCompile(`^(\d+)_.+\.(up|down)\.sql$`)
	nameCleaner   = regexp.MustCompile(`[^a-z0-9]+`)
)

// nextMigrationFiles returns the up and down file paths following the
// highest existing version in dir.
func nextMigrationFiles(dir, name string) (string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to read migrations directory: %w", err)
	}

	latest := 0
	for _, entry := range entries {
		m := migrationFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err == nil && v > latest {
			latest = v
		}
	}

	slug := strings.Trim(nameCleaner.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return "", "", fmt.Errorf("invalid migration name %q", name)
	}

	base := filepath.Join(dir, fmt.Sprintf("%06d_%s", latest+1, slug))
	return base + ".up.sql", base + ".down.sql", nil
}
