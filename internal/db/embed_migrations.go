package db

import (
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// MigrationFS holds the schema: session records, user accounts, the blocked-device list, audit
// logs and session events.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// LatestVersion returns the highest migration version shipped in the binary.
func LatestVersion() (uint, error) {
	entries, err := fs.ReadDir(MigrationFS, "migrations")
	if err != nil {
		return 0, err
	}
	var latest uint
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return 0, fmt.Errorf("migration %s: missing version prefix", name)
		}
		v, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("migration %s: %w", name, err)
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	return latest, nil
}
