package auth

import (
	"context"
	"crypto/subtle"
)

// StaticAuthenticator authenticates against a fixed key table loaded from
// configuration. With an empty table it is a development authenticator that
// accepts any well-formed tsb_ key.
type StaticAuthenticator struct {
	keys map[string]*Principal
}

// NewStaticAuthenticator creates an authenticator over keys, which maps raw
// API keys to principals.
func NewStaticAuthenticator(keys map[string]*Principal) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	if len(a.keys) == 0 {
		return &Principal{ID: "static-" + token[:8]}, nil
	}
	for key, p := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return p, nil
		}
	}
	return nil, ErrInvalidAPIKey
}
