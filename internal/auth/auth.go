// Package auth identifies the principal behind a transport request.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix marks tool sandbox API keys.
const KeyPrefix = "tsb_"

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Principal is an authenticated caller. A nil AllowedTools permits every
// tool; a non-nil empty list permits none.
type Principal struct {
	ID           string
	AllowedTools []string
}

// Allows reports whether the principal may invoke toolID.
func (p *Principal) Allows(toolID string) bool {
	if p == nil {
		return false
	}
	if p.AllowedTools == nil {
		return true
	}
	for _, id := range p.AllowedTools {
		if id == toolID || id == "*" {
			return true
		}
	}
	return false
}

// ExtractBearerToken extracts a tsb_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingAPIKey
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrMissingAPIKey
	}
	token := values[0]
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < 8 {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}
