// Package namespace derives and validates the namespace label that
// partitions all on-disk state for one project/environment combination.
//
// "Same folder = same queue": deriving the namespace from a project path
// gives idempotent state routing without a central registry.
package namespace

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Default is the namespace used when no explicit name, env var, or
// derivable project path is available.
const Default = "default"

// maxLength is the maximum namespace length, enforced both on explicit
// names and on derived ones.
const maxLength = 32

var reserved = map[string]bool{
	"all": true, "none": true, "null": true, "undefined": true, "system": true,
}

var validPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// EnvVar is the environment variable read by Build for a namespace override.
const EnvVar = "PM_RUNNER_NAMESPACE"

// Validate checks name against the namespace format rules: 1-32 characters,
// starting and ending with an alphanumeric character, interior characters
// alphanumeric or hyphen, and not one of the case-insensitively reserved
// names.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("namespace: empty name")
	}
	if len(name) > maxLength {
		return fmt.Errorf("namespace: %q exceeds %d characters", name, maxLength)
	}
	if !validPattern.MatchString(name) {
		return fmt.Errorf("namespace: %q does not match required pattern", name)
	}
	if reserved[strings.ToLower(name)] {
		return fmt.Errorf("namespace: %q is a reserved name", name)
	}
	return nil
}

// DeriveFromPath derives a namespace from a project path as
// "<normalised-folder>-<4-hex-of-md5(fullpath)>", truncating the folder
// portion so the total length is <= 32 and does not end in a hyphen.
func DeriveFromPath(path string) string {
	normalized := filepath.ToSlash(path)
	normalized = strings.TrimRight(normalized, "/")

	base := normalized
	if idx := strings.LastIndex(normalized, "/"); idx >= 0 {
		base = normalized[idx+1:]
	}

	folder := strings.ToLower(base)
	folder = strings.ReplaceAll(folder, "_", "-")
	folder = stripNonFolderChars(folder)
	folder = collapseHyphens(folder)
	folder = strings.Trim(folder, "-")
	if folder == "" {
		folder = "project"
	}

	sum := md5.Sum([]byte(normalized))
	hexSuffix := hex.EncodeToString(sum[:])[:4]

	// Total length budget: folder + "-" + 4 hex chars <= maxLength.
	budget := maxLength - 1 - len(hexSuffix)
	if len(folder) > budget {
		folder = folder[:budget]
		folder = strings.TrimRight(folder, "-")
		if folder == "" {
			folder = "project"
			if len(folder) > budget {
				folder = folder[:budget]
			}
		}
	}

	return folder + "-" + hexSuffix
}

func stripNonFolderChars(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func collapseHyphens(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}

// BuildOptions configures Build's resolution priority.
type BuildOptions struct {
	// Name is an explicit namespace override; highest priority.
	Name string
	// Env, when non-empty, is checked for EnvVar; second priority.
	Env map[string]string
	// ProjectRoot is the path used for derivation when AutoDerive is set.
	ProjectRoot string
	// AutoDerive enables DeriveFromPath(ProjectRoot) as a fallback.
	AutoDerive bool
}

// Build resolves a namespace from explicit name > environment variable >
// derived-from-path (if AutoDerive) > Default. The result is validated;
// an invalid result is a hard error.
func Build(opts BuildOptions) (string, error) {
	candidate := opts.Name
	if candidate == "" && opts.Env != nil {
		candidate = opts.Env[EnvVar]
	}
	if candidate == "" {
		candidate = os.Getenv(EnvVar)
	}
	if candidate == "" && opts.AutoDerive && opts.ProjectRoot != "" {
		candidate = DeriveFromPath(opts.ProjectRoot)
	}
	if candidate == "" {
		candidate = Default
	}
	if err := Validate(candidate); err != nil {
		return "", fmt.Errorf("namespace: build: %w", err)
	}
	return candidate, nil
}

// DerivePort computes the advertised status port for a namespace, per the
// fixed formula 5680 + (|md5(ns) hash| mod 998). The core never opens this
// port itself (a web UI is a Non-goal) — the value is exposed only for a
// caller to report or reuse.
func DerivePort(ns string) int {
	sum := md5.Sum([]byte(ns))
	// Use the first 4 bytes as an unsigned 32-bit value.
	v := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return 5680 + int(v%998)
}

// StateDir returns the state directory for ns rooted at projectRoot:
// "<projectRoot>/.claude" for the default namespace, and
// "<projectRoot>/.claude/state/<namespace>" otherwise.
func StateDir(projectRoot, ns string) string {
	base := filepath.Join(projectRoot, ".claude")
	if ns == Default {
		return base
	}
	return filepath.Join(base, "state", ns)
}
