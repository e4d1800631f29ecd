// Package validate classifies filesystem paths and shell commands before any
// of them reach a sandbox container. Everything here is purely lexical; the
// container boundary is the second line of defense, not the first.
package validate

import (
	"fmt"
	gopath "path"
	"regexp"
	"strings"
)

// Mode selects which allowed-root set applies to a path.
type Mode int

const (
	// ModeRead permits /scratch, /skills and /claude-cache.
	ModeRead Mode = iota
	// ModeWrite permits /scratch only.
	ModeWrite
)

// PathResult is the outcome of path validation.
type PathResult struct {
	Valid     bool
	Sanitized string // normalized path when Valid
	Reason    string // rejection reason when !Valid
}

// Container directories the model may touch, keyed by operation.
var (
	readRoots  = []string{"/scratch", "/skills", "/claude-cache"}
	writeRoots = []string{"/scratch"}
)

// blockedSystemDirs are never readable or writable regardless of mounts.
var blockedSystemDirs = []string{
	"/etc", "/var", "/sys", "/proc", "/dev", "/boot", "/root",
	"/usr", "/bin", "/sbin", "/lib", "/lib64", "/tmp", "/run",
}

// sensitiveFilePatterns match files that hold credentials or secrets.
// They are checked against the normalized path's basename and full path.
var sensitiveFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.env(\.[A-Za-z0-9_.-]+)?$`),
	regexp.MustCompile(`\.(pem|key|p12|pfx|crt|der)$`),
	regexp.MustCompile(`(^|/)id_(rsa|dsa|ecdsa|ed25519)(\.pub)?$`),
	regexp.MustCompile(`(^|/)\.ssh(/|$)`),
	regexp.MustCompile(`(^|/)\.aws/credentials$`),
	regexp.MustCompile(`(^|/)\.(npmrc|pypirc|netrc|git-credentials)$`),
	regexp.MustCompile(`(^|/)(database\.yml|\.htpasswd|secrets?\.(json|ya?ml))$`),
	regexp.MustCompile(`(^|/)(gcloud|\.config/gcloud)/.*credentials`),
	regexp.MustCompile(`(^|/)\.kube/config$`),
}

// hostPathPrefixes identify paths that belong to the host, not the sandbox.
var hostPathPrefixes = []string{"/Users/", "/home/", "C:\\", "c:\\"}

// hostCacheRe matches the host-side Claude project cache so Read calls can be
// translated to the read-only /claude-cache mount.
var hostCacheRe = regexp.MustCompile(`^/(?:Users|home)/[^/]+/\.claude/projects/(.+)$`)

// NormalizePath resolves `.` and `..` segments and collapses repeated
// separators. It is idempotent: NormalizePath(NormalizePath(p)) == NormalizePath(p).
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return gopath.Clean(p)
}

// ValidatePath classifies an absolute path for the given operation mode.
// The pre-normalization path is never trusted; every rule runs on the
// resolved form.
func ValidatePath(p string, mode Mode) PathResult {
	if strings.TrimSpace(p) == "" {
		return reject("path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return reject("path contains a null byte")
	}

	normalized := NormalizePath(p)
	if !strings.HasPrefix(normalized, "/") {
		return reject(fmt.Sprintf("path %q is not absolute", p))
	}

	for _, dir := range blockedSystemDirs {
		if normalized == dir || strings.HasPrefix(normalized, dir+"/") {
			return reject(fmt.Sprintf("path %q resolves into blocked system directory %s", p, dir))
		}
	}

	roots := readRoots
	if mode == ModeWrite {
		roots = writeRoots
	}
	if !withinAny(normalized, roots) {
		return reject(fmt.Sprintf("path %q is outside the allowed directories (%s)",
			p, strings.Join(roots, ", ")))
	}

	for _, re := range sensitiveFilePatterns {
		if re.MatchString(normalized) {
			return reject(fmt.Sprintf("path %q matches a sensitive-file pattern", p))
		}
	}

	return PathResult{Valid: true, Sanitized: normalized}
}

// ValidateRead is shorthand for ValidatePath(p, ModeRead).
func ValidateRead(p string) PathResult { return ValidatePath(p, ModeRead) }

// ValidateWrite is shorthand for ValidatePath(p, ModeWrite).
func ValidateWrite(p string) PathResult { return ValidatePath(p, ModeWrite) }

// WithinRead reports whether the normalized path lies in a read-allowed root.
// Unlike ValidateRead it skips the sensitive-file check; the command
// validator uses it for cp source arguments.
func WithinRead(p string) bool {
	return withinAny(NormalizePath(p), readRoots)
}

// WithinWrite reports whether the normalized path lies in /scratch.
func WithinWrite(p string) bool {
	return withinAny(NormalizePath(p), writeRoots)
}

func withinAny(normalized string, roots []string) bool {
	for _, root := range roots {
		if normalized == root || strings.HasPrefix(normalized, root+"/") {
			return true
		}
	}
	return false
}

// LooksLikeHostPath reports whether p appears to reference the host
// filesystem rather than the sandbox. Used to produce a diagnostic before
// any container call is made.
func LooksLikeHostPath(p string) bool {
	for _, prefix := range hostPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// TranslateHostCachePath maps a host Claude project cache path
// (/Users/<u>/.claude/projects/... or /home/<u>/.claude/projects/...) to its
// /claude-cache mount point. Returns the translated path and true on a match.
func TranslateHostCachePath(p string) (string, bool) {
	m := hostCacheRe.FindStringSubmatch(NormalizePath(p))
	if m == nil {
		return "", false
	}
	return "/claude-cache/projects/" + m[1], true
}

// JoinPath joins path elements with forward slashes and normalizes the result.
func JoinPath(elems ...string) string {
	return gopath.Join(elems...)
}

// DirName returns the directory portion of a normalized path.
func DirName(p string) string {
	return gopath.Dir(NormalizePath(p))
}

// BaseName returns the final element of a normalized path.
func BaseName(p string) string {
	return gopath.Base(NormalizePath(p))
}

func reject(reason string) PathResult {
	return PathResult{Valid: false, Reason: reason}
}
