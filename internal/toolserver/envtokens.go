package toolserver

import (
	"context"
	"os"
	"regexp"
	"strings"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
)

var envKeySanitizer = regexp.MustCompile(`[^A-Z0-9_]`)

// EnvTokenSource resolves connector tokens from environment variables of the
// form CLAUDESMITH_CONNECTOR_TOKEN_<CONNECTION_ID>. It doubles as the
// connection checker: a connection is usable when its token is present.
type EnvTokenSource struct{}

// NewEnvTokenSource creates the environment-backed token source.
func NewEnvTokenSource() *EnvTokenSource {
	return &EnvTokenSource{}
}

// Token returns the bearer token for the connection id.
func (s *EnvTokenSource) Token(_ context.Context, connectionID string) (string, error) {
	token := os.Getenv(envKey(connectionID))
	if token == "" {
		return "", apperrors.NotFound("connector token", connectionID)
	}
	return token, nil
}

// Connected reports whether a token exists for the connection id.
func (s *EnvTokenSource) Connected(_ context.Context, connectionID string) bool {
	return os.Getenv(envKey(connectionID)) != ""
}

func envKey(connectionID string) string {
	id := envKeySanitizer.ReplaceAllString(strings.ToUpper(connectionID), "_")
	return "CLAUDESMITH_CONNECTOR_TOKEN_" + id
}
