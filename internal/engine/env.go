package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// safeEnvAllowList names the parent environment variables forwarded to
// engine subprocesses. Everything else is withheld.
var safeEnvAllowList = []string{
	"HOME",
	"PATH",
	"USER",
	"LOGNAME",
	"SHELL",
	"LANG",
	"LC_ALL",
	"TERM",
	"TMPDIR",
}

// credentialEnvVars are the adapter credential variables forwarded when set.
var credentialEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"OPENAI_API_KEY",
}

// SafeEnv builds the allow-listed environment for an engine subprocess.
// extra entries override inherited ones.
func SafeEnv(extra map[string]string) []string {
	env := make([]string, 0, len(safeEnvAllowList)+len(credentialEnvVars)+len(extra))

	appendVar := func(key string) {
		if _, overridden := extra[key]; overridden {
			return
		}
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for _, key := range safeEnvAllowList {
		appendVar(key)
	}
	for _, key := range credentialEnvVars {
		appendVar(key)
	}

	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}

// EnsureWithinRoot verifies that dir resolves inside the workspace root.
// A root of "/" disables the check.
func EnsureWithinRoot(root, dir string) error {
	if dir == "" {
		return nil
	}
	if root == "" || root == "/" {
		return nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	rootWithSep := absRoot
	if !strings.HasSuffix(rootWithSep, string(filepath.Separator)) {
		rootWithSep += string(filepath.Separator)
	}
	if absDir != absRoot && !strings.HasPrefix(absDir, rootWithSep) {
		return fmt.Errorf("working directory %s is outside workspace root %s", absDir, absRoot)
	}
	return nil
}
