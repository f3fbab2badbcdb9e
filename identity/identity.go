// Package identity implements the service-token authentication
// collaborator (spec §6.1, §10.2): it turns an X-Service-Token header
// into the calling service's identity, or rejects the request. It is
// intentionally minimal — a real deployment can swap in its own
// Authenticator against a central identity service.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrTokenRequired is returned when no token was presented.
var ErrTokenRequired = errors.New("identity: service token required")

// ErrTokenInvalid is returned when a token was presented but does not
// match any configured service.
var ErrTokenInvalid = errors.New("identity: service token not recognized")

// Identity is the authenticated calling service, attached to every
// enqueue request as job.SubmittedBy.
type Identity struct {
	ServiceName string
}

// Authenticator verifies a service token and resolves it to an
// Identity. Implementations must run the comparison in constant time.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator authenticates against a fixed token-to-service
// map, loaded once at startup from the comma-separated "name:token" list
// in the SERVICE_TOKENS environment variable (see Config.ServiceTokens).
type StaticAuthenticator struct {
	tokenPrefix string
	tokens      map[string]string // token -> service name
}

// NewStaticAuthenticator builds an Authenticator from a service-name to
// token map. tokenPrefix, if non-empty, is required on every presented
// token before it is looked up (accidental cross-environment token
// reuse otherwise fails silently rather than with a clear rejection).
func NewStaticAuthenticator(tokens map[string]string, tokenPrefix string) *StaticAuthenticator {
	byToken := make(map[string]string, len(tokens))
	for service, token := range tokens {
		if token == "" {
			continue
		}
		byToken[token] = service
	}
	return &StaticAuthenticator{tokenPrefix: tokenPrefix, tokens: byToken}
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenRequired
	}
	if a.tokenPrefix != "" && !strings.HasPrefix(token, a.tokenPrefix) {
		return Identity{}, ErrTokenInvalid
	}

	for candidate, service := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return Identity{ServiceName: service}, nil
		}
	}
	return Identity{}, ErrTokenInvalid
}
