package microvm

import (
	"testing"

	"github.com/forgekit/forge/internal/domain"
)

func TestRootfsForEnvPassesThroughFullReference(t *testing.T) {
	got := rootfsForEnv("registry.example.com/acme/rootfs.ext4")
	if got != "registry.example.com/acme/rootfs.ext4" {
		t.Errorf("rootfsForEnv = %q, want passthrough", got)
	}
}

func TestRootfsForEnvMatchesKnownFamilies(t *testing.T) {
	cases := map[domain.EnvironmentID]string{
		"python3.11": "python.ext4",
		"node20":     "node.ext4",
		"ruby3":      "ruby.ext4",
		"java17":     "java.ext4",
		"kotlin":     "java.ext4",
		"wasm":       "wasm.ext4",
		"go1.22":     "base.ext4",
		"":           "base.ext4",
	}
	for env, want := range cases {
		if got := rootfsForEnv(env); got != want {
			t.Errorf("rootfsForEnv(%q) = %q, want %q", env, got, want)
		}
	}
}
