package store

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "settings.toml"))

	settings, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if settings != Default() {
		t.Errorf("missing file: got %+v, want defaults", settings)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "settings.toml"))

	want := Default()
	want.AutoBalance.Enabled = true
	want.AutoBalance.TargetLUFS = -16.0
	want.Limiter.ThresholdDB = -2.5
	want.Limiter.Enabled = false

	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nested", "dir", "settings.toml"))
	if err := s.Save(Default()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
}
