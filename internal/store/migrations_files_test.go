package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
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

// CreateChat relies on these objects for idempotent creation and immutable messages.
func TestChatMigrationDeclaresConstraints(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_chat.up.sql"))
	if err != nil {
		t.Fatalf("read chat migration: %v", err)
	}
	sql := string(raw)

	for _, want := range []*regexp.Regexp{
		regexp.MustCompile(`CONSTRAINT\s+chat_need_initiator_unique\s+UNIQUE\s*\(\s*need_post_id\s*,\s*chat_initiator_id\s*\)`),
		regexp.MustCompile(`id\s+BIGSERIAL\s+PRIMARY\s+KEY`),
		regexp.MustCompile(`BEFORE\s+UPDATE\s+ON\s+chat_messages`),
	} {
		if !want.MatchString(sql) {
			t.Fatalf("0002_chat.up.sql does not match %s", want)
		}
	}
}
