package store

import (
	"io/fs"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

	versionsByDialect := map[string][]string{}
	for _, d := range []Dialect{Postgres, SQLite} {
		fsys, err := Migrations(d)
		if err != nil {
			t.Fatalf("Migrations(%s) error = %v", d, err)
		}
		entries, err := fs.ReadDir(fsys, ".")
		if err != nil {
			t.Fatalf("read migrations dir: %v", err)
		}

		byVersion := map[string]map[string]bool{}
		for _, entry := range entries {
			match := pattern.FindStringSubmatch(entry.Name())
			if match == nil {
				t.Fatalf("%s: unexpected migration file %s", d, entry.Name())
			}
			version, direction := match[1], match[2]
			if byVersion[version] == nil {
				byVersion[version] = map[string]bool{}
			}
			if byVersion[version][direction] {
				t.Fatalf("%s: duplicate %s migration file for version %s", d, direction, version)
			}
			byVersion[version][direction] = true
		}

		if len(byVersion) == 0 {
			t.Fatalf("%s: no migrations discovered", d)
		}
		for version, dirs := range byVersion {
			if !dirs["up"] || !dirs["down"] {
				t.Fatalf("%s: version %s must include both up and down files", d, version)
			}
			versionsByDialect[d.String()] = append(versionsByDialect[d.String()], version)
		}
	}

	if len(versionsByDialect["postgres"]) != len(versionsByDialect["sqlite"]) {
		t.Fatalf("dialects have diverging migration sets: %v", versionsByDialect)
	}
}

func TestDialectBind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		query   string
		want    string
	}{
		{Postgres, `SELECT 1 WHERE a = ? AND b = ?`, `SELECT 1 WHERE a = $1 AND b = $2`},
		{SQLite, `SELECT 1 WHERE a = ? AND b = ?`, `SELECT 1 WHERE a = ? AND b = ?`},
		{Postgres, `SELECT 1`, `SELECT 1`},
	}
	for _, tt := range tests {
		if got := tt.dialect.bind(tt.query); got != tt.want {
			t.Fatalf("%s.bind(%q) = %q, want %q", tt.dialect, tt.query, got, tt.want)
		}
	}
}
