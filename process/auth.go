package process

import (
	"net/http"

	"github.com/dfmesh/dfm/response"
)

// AuthHeader carries the client secret on every authenticated request.
const AuthHeader = "X-DFM-Auth"

type (
	// Authenticator validates the secret presented by a client.
	Authenticator interface {
		// Authenticate reports whether the presented secret grants access.
		Authenticate(secret string) bool
		// Method names the authentication scheme.
		Method() string
	}

	// AuthNone accepts every request. Suitable for development setups
	// behind a trusted network boundary.
	AuthNone struct{}

	// AuthAPIKey grants access to clients presenting the configured key.
	AuthAPIKey struct {
		key string
	}
)

// Authenticate always grants access.
func (AuthNone) Authenticate(string) bool { return true }

// Method returns "none".
func (AuthNone) Method() string { return "none" }

// NewAuthAPIKey returns an api-key authenticator for the given secret.
func NewAuthAPIKey(key string) AuthAPIKey {
	return AuthAPIKey{key: key}
}

// Authenticate grants access when the presented secret matches the key.
func (a AuthAPIKey) Authenticate(secret string) bool {
	return a.key != "" && secret == a.key
}

// Method returns "api_key".
func (a AuthAPIKey) Method() string { return "api_key" }

// requireAuth rejects requests whose AuthHeader the authenticator does not
// accept.
func requireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Authenticate(r.Header.Get(AuthHeader)) {
				writeError(w, http.StatusUnauthorized, response.ErrorKind("UNAUTHORIZED"), "authentication failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
