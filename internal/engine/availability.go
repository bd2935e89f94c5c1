package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// probeTimeout is the hard bound on a full availability probe.
	probeTimeout = 30 * time.Second

	// versionTimeout bounds the --version subprocess inside a probe.
	versionTimeout = 10 * time.Second

	// probeCacheTTL is how long probe results are reused.
	probeCacheTTL = 10 * time.Minute
)

// LookPath reports whether a binary is on PATH.
func LookPath(bin string) (string, bool) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", false
	}
	return path, true
}

// RunVersion executes `bin args...` under the version timeout and returns the
// first output line.
func RunVersion(ctx context.Context, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return line, nil
}

// AuthFromEnv reports authenticated if any of the given credential variables
// is set, unknown otherwise. Engines that manage credentials out-of-band
// (OAuth token files) never report unauthenticated from here.
func AuthFromEnv(vars ...string) AuthStatus {
	for _, v := range vars {
		if os.Getenv(v) != "" {
			return AuthAuthenticated
		}
	}
	return AuthUnknown
}

// FileExists reports whether any of the given paths exist, expanding a
// leading ~ to the user's home directory.
func FileExists(paths ...string) bool {
	for _, p := range paths {
		expanded := expandHomePath(p)
		if expanded == "" {
			continue
		}
		if _, err := os.Stat(expanded); err == nil {
			return true
		}
	}
	return false
}

func expandHomePath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path)
}
