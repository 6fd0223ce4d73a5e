package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeAPIToken checks a static bearer token. An empty expected token
// leaves the routes open, which suits a loopback-only listener.
func authorizeAPIToken(authHeader, expected string) *authError {
	if expected == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal(tokenDigest(raw), tokenDigest(expected)) {
		return &authError{
			status:  403,
			code:    "forbidden",
			message: "api token mismatch",
		}
	}
	return nil
}

func tokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
