package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const testMigrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(testMigrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationsDeclareConstraintsTheStoreMatchesOn(t *testing.T) {
	var all strings.Builder
	files, err := migrationFiles(testMigrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	for _, file := range files {
		contents, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", filepath.Base(file), err)
		}
		all.Write(contents)
	}
	sqlText := all.String()

	for _, snippet := range []string{
		"CONSTRAINT actors_handle_key UNIQUE (handle)",
		"CREATE UNIQUE INDEX IF NOT EXISTS threads_open_pair_key",
		"WHERE status <> 'archived'",
		"CONSTRAINT messages_thread_seq_key UNIQUE (thread_id, seq)",
		"CREATE TRIGGER trg_messages_block_update",
		"CREATE TRIGGER trg_messages_block_delete",
		"requester_unread >= 0",
		"responder_unread >= 0",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migrations to contain %q", snippet)
		}
	}
}
