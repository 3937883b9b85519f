package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSource(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLintFileAcceptsMarkedStatements(t *testing.T) {
	path := writeSource(t, t.TempDir(), "ok.go", "package q\n\n"+
		"const cols = `id, status`\n\n"+
		"const QSelect = `--sql 11111111-2222-4333-8444-555555555555\nselect ` + cols + `\nfrom tasks\n`\n\n"+
		"const QUpdate = `--sql 66666666-7777-4888-9999-aaaaaaaaaaaa\nupdate tasks set status = 'queued'\n`\n")

	vs, err := lintFile(path, map[string]string{})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("violations = %+v, want none", vs)
	}
}

func TestLintFileFlagsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	seen := map[string]string{}
	first := writeSource(t, dir, "a.go", "package q\n\n"+
		"const QA = `--sql 11111111-2222-4333-8444-555555555555\nselect 1\n`\n")
	second := writeSource(t, dir, "b.go", "package q\n\n"+
		"const QB = `--sql 11111111-2222-4333-8444-555555555555\nselect 2\n`\n\n"+
		"const QC = \"delete from tasks\"\n\n"+
		"const QD = `--sql not-a-uuid\nselect 3\n`\n")

	if vs, err := lintFile(first, seen); err != nil || len(vs) != 0 {
		t.Fatalf("first file = %+v, %v", vs, err)
	}
	vs, err := lintFile(second, seen)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(vs) != 3 {
		t.Fatalf("violations = %+v, want 3", vs)
	}
	if vs[0].name != "QB" || !strings.Contains(vs[0].message, "already used") {
		t.Fatalf("duplicate = %+v", vs[0])
	}
	if vs[1].name != "QC" || vs[2].name != "QD" {
		t.Fatalf("violations = %+v", vs)
	}
}
