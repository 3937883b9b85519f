package geoip

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNilResolver(t *testing.T) {
	r, err := NewResolver("  ")
	if err != nil || r != nil {
		t.Fatalf("empty path = %v, %v", r, err)
	}
	if _, err := r.CountryCode("203.0.113.9"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMissingDatabase(t *testing.T) {
	if _, err := NewResolver(filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb")); err == nil {
		t.Fatal("expected an error for a missing database")
	}
}
