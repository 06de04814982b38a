package shell

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// dangerousPatterns are OS-independent command patterns that are always
// rejected, regardless of ask level. Users never see or configure this list
// — it is the first, invisible layer of terminal safety.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bformat\s+[a-zA-Z]:`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i)\breg\s+delete\s+.*HKLM`),
	regexp.MustCompile(`(?i)\breg\s+delete\s+.*HKCU`),
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/\s*$`),
	regexp.MustCompile(`(?i)\brd\s+/s\s+/q\s+[Cc]:\\Windows`),
	regexp.MustCompile(`(?i)\bdel\s+/[fFsS]\s+[Cc]:\\Windows`),
}

// Blocklist holds the always-on protected-path list plus any operator
// supplied overrides from TerminalConfig.BlocklistOverrides.
type Blocklist struct {
	protectedPaths []string
	extraPatterns  []*regexp.Regexp
	windows        bool
}

// NewBlocklist builds the blocklist for the current OS, appending any
// operator-supplied override patterns.
func NewBlocklist(overrides []string) *Blocklist {
	b := &Blocklist{windows: runtime.GOOS == "windows"}
	if b.windows {
		b.protectedPaths = windowsProtectedPaths()
	} else {
		b.protectedPaths = unixProtectedPaths(runtime.GOOS == "darwin")
	}
	for _, pattern := range overrides {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if re, err := regexp.Compile(pattern); err == nil {
			b.extraPatterns = append(b.extraPatterns, re)
		}
	}
	return b
}

func windowsProtectedPaths() []string {
	paths := []string{
		`c:\windows\system32`,
		`c:\windows\syswow64`,
		`c:\windows\boot`,
		`c:\pagefile.sys`,
		`c:\hiberfil.sys`,
	}
	if v := os.Getenv("APPDATA"); v != "" {
		paths = append(paths, strings.ToLower(filepath.Join(v, "Microsoft", "Credentials")))
	}
	if v := os.Getenv("LOCALAPPDATA"); v != "" {
		paths = append(paths, strings.ToLower(filepath.Join(v, "Microsoft", "Credentials")))
	}
	if v := os.Getenv("USERPROFILE"); v != "" {
		paths = append(paths, strings.ToLower(filepath.Join(v, "NTUSER.DAT")))
	}
	return paths
}

func unixProtectedPaths(isMac bool) []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		"/etc/passwd",
		"/etc/shadow",
		"/etc/sudoers",
		"/boot",
		"/proc/sys",
		filepath.Join(home, ".ssh"),
		filepath.Join(home, ".aws", "credentials"),
		filepath.Join(home, ".gnupg"),
		"/dev/sd",
	}
	if isMac {
		paths = append(paths, "/System", "/private/etc")
	}
	return paths
}

// Check inspects a command for protected-path references or dangerous
// patterns. If blocked, it returns a human-readable reason suitable for a
// "BLOCKED: <reason>" result string.
func (b *Blocklist) Check(command string) (blocked bool, reason string) {
	if b == nil {
		return false, ""
	}
	cmd := command
	if b.windows {
		cmd = strings.ToLower(cmd)
	}
	for _, protected := range b.protectedPaths {
		if strings.Contains(cmd, protected) {
			return true, "command touches protected OS path: " + protected
		}
	}
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			return true, "command matches dangerous pattern: " + pattern.String()
		}
	}
	for _, pattern := range b.extraPatterns {
		if pattern.MatchString(command) {
			return true, "command matches blocklist override: " + pattern.String()
		}
	}
	return false, ""
}

// startupPath is captured once, at process start, so that no caller-supplied
// environment map can ever widen or replace the binary search path.
var startupPath = os.Getenv("PATH")

// StartupPath returns the PATH value captured when this process started.
func StartupPath() string {
	return startupPath
}

// CheckPathInjection rejects an environment map that attempts to set PATH
// under any case variant. Tool-supplied and LLM-supplied env maps must never
// be able to override PATH — doing so would let a prompt-injected command
// silently prepend a malicious binary ahead of real ones.
func CheckPathInjection(env map[string]string) (injected bool, reason string) {
	if len(env) == 0 {
		return false, ""
	}
	for key := range env {
		if strings.EqualFold(key, "PATH") {
			return true, "PATH override rejected: cannot modify system PATH"
		}
	}
	return false, ""
}

// SanitizedEnv merges extra into a fresh copy of base's environment pairs,
// pinning PATH to the process's startup value regardless of what base or
// extra request. It's a no-op with respect to PATH injection detection —
// callers should call CheckPathInjection first and reject the whole request
// rather than silently drop PATH.
func SanitizedEnv(extra map[string]string) []string {
	out := os.Environ()
	filtered := make(map[string]string, len(out))
	for _, kv := range out {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			filtered[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range extra {
		if strings.EqualFold(k, "PATH") {
			continue
		}
		filtered[k] = v
	}
	filtered["PATH"] = startupPath

	env := make([]string, 0, len(filtered))
	for k, v := range filtered {
		env = append(env, k+"="+v)
	}
	return env
}
