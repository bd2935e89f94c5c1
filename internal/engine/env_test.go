package engine

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		out[key] = value
	}
	return out
}

func TestSafeEnvForwardsAllowListedVars(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("GEMINI_API_KEY", "gk-123")
	t.Setenv("EDITOR", "vim")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "shh")

	got := envMap(SafeEnv(nil))
	assert.Equal(t, "/home/alice", got["HOME"])
	assert.Equal(t, "/usr/bin:/bin", got["PATH"])
	assert.Equal(t, "gk-123", got["GEMINI_API_KEY"])
	assert.NotContains(t, got, "EDITOR")
	assert.NotContains(t, got, "AWS_SECRET_ACCESS_KEY")
}

func TestSafeEnvExtraOverridesInherited(t *testing.T) {
	t.Setenv("HOME", "/home/alice")

	env := SafeEnv(map[string]string{"HOME": "/tmp/sandbox", "BITK_SESSION": "s1"})
	got := envMap(env)
	assert.Equal(t, "/tmp/sandbox", got["HOME"])
	assert.Equal(t, "s1", got["BITK_SESSION"])

	overrides := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "HOME=") {
			overrides++
		}
	}
	assert.Equal(t, 1, overrides, "override must not leave a duplicate inherited entry")
}

func TestEnsureWithinRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	assert.NoError(t, EnsureWithinRoot(root, filepath.Join(root, "repo")))
	assert.NoError(t, EnsureWithinRoot(root, root))
	assert.NoError(t, EnsureWithinRoot(root, ""))
	assert.NoError(t, EnsureWithinRoot("", outside))
	assert.NoError(t, EnsureWithinRoot("/", outside))

	err := EnsureWithinRoot(root, outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside workspace root")

	// A sibling sharing the root as a name prefix is still outside.
	assert.Error(t, EnsureWithinRoot(root, root+"2"))
}
