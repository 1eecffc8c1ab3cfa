package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAllowlistEmptyPathPermitsEverything(t *testing.T) {
	list, err := LoadAllowlist("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !list.AllowsSite("any-site") || !list.AllowsDevice("any-device") {
		t.Fatal("expected zero-value allowlist to permit everything")
	}
}

func TestLoadAllowlistParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.yaml")
	contents := "sites:\n  - hq\n  - warehouse-2\ndevices:\n  - kiosk-01\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	list, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !list.AllowsSite("hq") || !list.AllowsDevice("kiosk-01") {
		t.Fatal("expected configured site/device to be allowed")
	}
	if list.AllowsSite("unknown-site") {
		t.Fatal("expected unconfigured site to be rejected")
	}
	if list.AllowsDevice("unknown-device") {
		t.Fatal("expected unconfigured device to be rejected")
	}
}

func TestLoadAllowlistMissingFileErrors(t *testing.T) {
	if _, err := LoadAllowlist(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
