package infra

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestExtractMarker(t *testing.T) {
	query := "--sql 0d2c3a5e-8f47-4a8c-9a0c-3a61f6f0c1d4\nselect 1\n"
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker returned error: %v", err)
	}
	if marker != "0d2c3a5e-8f47-4a8c-9a0c-3a61f6f0c1d4" {
		t.Fatalf("marker = %q", marker)
	}
	if body != "select 1" {
		t.Fatalf("body = %q, want %q", body, "select 1")
	}
}

func TestExtractMarkerRejectsUntaggedStatements(t *testing.T) {
	cases := []string{
		"select 1",
		"--sql not-a-uuid\nselect 1",
		"-- sql 0d2c3a5e-8f47-4a8c-9a0c-3a61f6f0c1d4\nselect 1",
	}
	for _, query := range cases {
		if _, _, err := extractMarker(query); !errors.Is(err, ErrMissingMarker) {
			t.Fatalf("extractMarker(%q) error = %v, want ErrMissingMarker", query, err)
		}
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("load job: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows to be detected")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatal("unexpected match for unrelated error")
	}
}
