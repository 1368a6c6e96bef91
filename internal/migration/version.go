package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// SchemaFingerprint returns the highest embedded migration version and a
// checksum over every up migration, in version order.
func SchemaFingerprint() (uint, string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		return 0, "", fmt.Errorf("list migrations: %w", err)
	}

	type upFile struct {
		name    string
		version uint
	}
	files := make([]upFile, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name())
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, ok := parseMigrationVersion(name)
		if !ok {
			return 0, "", fmt.Errorf("invalid migration filename: %s", name)
		}
		files = append(files, upFile{name: name, version: version})
	}
	if len(files) == 0 {
		return 0, "", errors.New("no embedded migrations found")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })

	hasher := sha256.New()
	for _, f := range files {
		content, err := embeddedMigrations.ReadFile(migrationsDir + "/" + f.name)
		if err != nil {
			return 0, "", fmt.Errorf("read migration %s: %w", f.name, err)
		}
		_, _ = hasher.Write([]byte(f.name))
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write(content)
	}

	return files[len(files)-1].version, hex.EncodeToString(hasher.Sum(nil)), nil
}

func parseMigrationVersion(name string) (uint, bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found || prefix == "" {
		return 0, false
	}
	parsed, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(parsed), true
}
