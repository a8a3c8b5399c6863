package util

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	prev := configHome
	configHome = func() (string, error) { return home, nil }
	t.Cleanup(func() { configHome = prev })
	return home
}

func TestGetConfigDir(t *testing.T) {
	home := withTempHome(t)

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir failed: %v", err)
	}
	if dir != filepath.Join(home, AppConfigDir) {
		t.Errorf("Unexpected config dir %s", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Config dir was not created: %v", err)
	}
}

func TestResolveFilePath(t *testing.T) {
	home := withTempHome(t)
	configDir := filepath.Join(home, AppConfigDir)

	// neither exists: config dir path for creation
	if got := ResolveFilePath("campusnet-missing.db"); got != filepath.Join(configDir, "campusnet-missing.db") {
		t.Errorf("Expected config dir path, got %s", got)
	}

	// local file wins
	local := "campusnet-local.db"
	if err := os.WriteFile(local, []byte{}, 0644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(local)
	if got := ResolveFilePath(local); got != local {
		t.Errorf("Expected local path, got %s", got)
	}

	abs := filepath.Join(t.TempDir(), "session.json")
	if got := ResolveFilePath(abs); got != abs {
		t.Errorf("Expected absolute path untouched, got %s", got)
	}
}

func TestResolveFilePathWithSubdir(t *testing.T) {
	home := withTempHome(t)

	got := ResolveFilePathWithSubdir(".ssh", "campusnethostkey")
	want := filepath.Join(home, AppConfigDir, ".ssh", "campusnethostkey")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if _, err := os.Stat(filepath.Dir(want)); err != nil {
		t.Errorf("Subdirectory was not created: %v", err)
	}
}
