package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRead(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		valid bool
	}{
		{"scratch file", "/scratch/data.txt", true},
		{"scratch root itself", "/scratch", true},
		{"skills file", "/skills/pdf/SKILL.md", true},
		{"cache file", "/claude-cache/projects/-work-app/session.jsonl", true},
		{"traversal resolving inside", "/scratch/a/../b", true},
		{"traversal escaping scratch", "/scratch/..", false},
		{"traversal escaping into etc", "/scratch/../etc/passwd", false},
		{"relative path", "scratch/file", false},
		{"empty path", "", false},
		{"blocked etc", "/etc/passwd", false},
		{"blocked proc", "/proc/self/environ", false},
		{"blocked tmp", "/tmp/x", false},
		{"outside allowed roots", "/project/main.go", false},
		{"dotenv", "/scratch/.env", false},
		{"dotenv variant", "/scratch/app/.env.production", false},
		{"private key", "/scratch/server.pem", false},
		{"ssh key", "/scratch/id_rsa", false},
		{"ssh dir", "/scratch/.ssh/known_hosts", false},
		{"aws credentials", "/scratch/.aws/credentials", false},
		{"npm token file", "/scratch/.npmrc", false},
		{"kube config", "/scratch/.kube/config", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateRead(tt.path)
			assert.Equal(t, tt.valid, res.Valid, "path %q: %s", tt.path, res.Reason)
			if tt.valid {
				assert.NotEmpty(t, res.Sanitized)
			} else {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestValidateWrite(t *testing.T) {
	assert.True(t, ValidateWrite("/scratch/out.txt").Valid)
	assert.True(t, ValidateWrite("/scratch/deep/nested/dir/f").Valid)

	// read-only mounts are not writable
	assert.False(t, ValidateWrite("/skills/tool.md").Valid)
	assert.False(t, ValidateWrite("/claude-cache/projects/x/y").Valid)
	assert.False(t, ValidateWrite("/project/out.txt").Valid)
	assert.False(t, ValidateWrite("/scratch/../skills/x").Valid)
}

func TestNormalizePathIdempotent(t *testing.T) {
	paths := []string{
		"/scratch/a/../b",
		"/scratch//double//sep",
		"/scratch/./here",
		"/scratch/trailing/",
		"/scratch/..",
	}
	for _, p := range paths {
		once := NormalizePath(p)
		assert.Equal(t, once, NormalizePath(once), "normalization of %q must be idempotent", p)
	}
}

func TestValidateReadTraversalEquivalence(t *testing.T) {
	a := ValidateRead("/scratch/a/../b")
	b := ValidateRead("/scratch/b")
	require.True(t, a.Valid)
	require.True(t, b.Valid)
	assert.Equal(t, b.Sanitized, a.Sanitized)
}

func TestLooksLikeHostPath(t *testing.T) {
	assert.True(t, LooksLikeHostPath("/Users/alice/project/src/a.go"))
	assert.True(t, LooksLikeHostPath("/home/bob/repo/main.go"))
	assert.True(t, LooksLikeHostPath(`C:\work\file.txt`))
	assert.False(t, LooksLikeHostPath("/scratch/file.txt"))
	assert.False(t, LooksLikeHostPath("/skills/x"))
}

func TestTranslateHostCachePath(t *testing.T) {
	got, ok := TranslateHostCachePath("/Users/alice/.claude/projects/-work-app/log.jsonl")
	require.True(t, ok)
	assert.Equal(t, "/claude-cache/projects/-work-app/log.jsonl", got)

	got, ok = TranslateHostCachePath("/home/bob/.claude/projects/p/f")
	require.True(t, ok)
	assert.Equal(t, "/claude-cache/projects/p/f", got)

	_, ok = TranslateHostCachePath("/Users/alice/other/file")
	assert.False(t, ok)
	_, ok = TranslateHostCachePath("/scratch/file")
	assert.False(t, ok)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/scratch/a/b", JoinPath("/scratch", "a", "b"))
	assert.Equal(t, "/scratch/a", DirName("/scratch/a/b"))
	assert.Equal(t, "b", BaseName("/scratch/a/b"))
}
