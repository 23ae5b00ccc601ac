package geoip

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNewResolverEmptyPathDisablesLookup(t *testing.T) {
	r, err := NewResolver("  ")
	if err != nil || r != nil {
		t.Fatalf("NewResolver() = %v, %v", r, err)
	}
	if Lookup(r) != nil {
		t.Fatalf("Lookup(nil) should be nil")
	}
	if err := CloseResolver(r); err != nil {
		t.Fatalf("CloseResolver(nil) = %v", err)
	}
}

func TestNewResolverMissingDatabase(t *testing.T) {
	if _, err := NewResolver(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestUninitializedResolver(t *testing.T) {
	var r *Resolver
	if _, err := r.CountryCode("203.0.113.1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("CountryCode() error = %v, want ErrUnavailable", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
}
