package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated means the request carried no bearer token.
	ErrUnauthenticated = errors.New("missing bearer token")
	// ErrForbidden means the token is not allowed to run privileged operations.
	ErrForbidden = errors.New("token is not authorized for this operation")
)

// Authorizer decides whether a request may trigger a privileged operation.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// TokenAuthorizer accepts bearer tokens from a fixed list. With no tokens
// configured every privileged request is refused.
type TokenAuthorizer struct {
	tokens [][]byte
}

// NewTokenAuthorizer creates an authorizer for tokens.
func NewTokenAuthorizer(tokens []string) *TokenAuthorizer {
	a := &TokenAuthorizer{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authorize checks the Authorization header.
func (a *TokenAuthorizer) Authorize(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ErrUnauthenticated
	}
	for _, allowed := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), allowed) == 1 {
			return nil
		}
	}
	return ErrForbidden
}

// RequireAuthorization rejects requests the authorizer refuses with 401 or 403.
func RequireAuthorization(auth Authorizer, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := auth.Authorize(r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrUnauthenticated):
				w.Header().Set("WWW-Authenticate", `Bearer realm="ledgerguard"`)
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			default:
				logger.Warn("privileged request refused",
					zap.String("request_id", r.Header.Get(RequestIDHeader)),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())
			}
		})
	}
}
