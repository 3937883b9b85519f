package storage

import (
	"context"
	"io"
	"testing"
)

func TestPutOpenRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://localhost:8080/files/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	url, err := store.Put(context.Background(), ImageKey("job-1", 1, "image/png"), []byte("png"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://localhost:8080/files/jobs/job-1/01.png" {
		t.Fatalf("url = %q", url)
	}
	key, ok := store.KeyFromURL(url)
	if !ok || key != "jobs/job-1/01.png" {
		t.Fatalf("key = %q, %v", key, ok)
	}
	rc, err := store.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "png" {
		t.Fatalf("data = %q", data)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
		ok   bool
	}{
		{"jobs/a/01.png", "jobs/a/01.png", true},
		{"/jobs//a/./01.png", "jobs/a/01.png", true},
		{`jobs\a\01.png`, "jobs/a/01.png", true},
		{"../etc/passwd", "", false},
		{"jobs/../../x", "", false},
		{"..", "", false},
		{"  ", "", false},
	}
	for _, tc := range cases {
		got, err := sanitizeKey(tc.key)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v", tc.key, got, err)
		}
	}
}

func TestKeyFromForeignURL(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "http://localhost:8080/files")
	if _, ok := store.KeyFromURL("https://elsewhere.example/files/jobs/x.png"); ok {
		t.Fatal("foreign url resolved to a key")
	}
}
