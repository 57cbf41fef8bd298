package container

import "testing"

func TestImageRefPassesThroughFullReference(t *testing.T) {
	got := imageRef("registry.example.com/acme/handler:v3", "forge-runtime")
	if got != "registry.example.com/acme/handler:v3" {
		t.Errorf("imageRef = %q, want passthrough", got)
	}
}

func TestImageRefNamespacesBareName(t *testing.T) {
	got := imageRef("python311", "forge-runtime")
	if got != "forge-runtime-python311" {
		t.Errorf("imageRef = %q, want forge-runtime-python311", got)
	}
}

func TestImageRefFallsBackOnEmpty(t *testing.T) {
	got := imageRef("", "forge-runtime")
	if got != "forge-runtime-base" {
		t.Errorf("imageRef = %q, want forge-runtime-base", got)
	}
}

func TestShortIDTruncatesToTwelveChars(t *testing.T) {
	got := shortID("abcdefghijklmnopqrstuvwxyz")
	if got != "abcdefghijkl" {
		t.Errorf("shortID = %q, want first 12 chars", got)
	}
	if shortID("short") != "short" {
		t.Error("shortID should pass through strings shorter than 12 chars")
	}
}
