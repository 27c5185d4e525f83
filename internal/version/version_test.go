package version

import "testing"

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.2.0", GitCommit: "0123456789abcdef", GoVersion: "go1.25.0"}
	if got := info.String(); got != "1.2.0 (0123456789ab) go1.25.0" {
		t.Fatalf("unexpected version string %q", got)
	}
	if got := (Info{Version: "dev"}).String(); got != "dev" {
		t.Fatalf("unexpected version string %q", got)
	}
}

func TestGetUsesLinkedVersion(t *testing.T) {
	previous := Version
	Version = "9.9.9"
	t.Cleanup(func() { Version = previous })
	if Get().Version != "9.9.9" {
		t.Fatalf("expected linked version")
	}
}
