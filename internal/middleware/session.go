package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/service"
)

// Authenticator resolves a bearer token; satisfied by *service.AuthService.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*service.Identity, error)
}

// BearerToken reads the token from "Authorization: Bearer ..." or, for websocket
// upgrades where browsers cannot set headers, from the token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// TokenAuth rejects requests without a valid token and stores the caller in the context.
func TokenAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerToken(r)
			id, err := authn.Authenticate(r.Context(), tok)
			if err != nil {
				if !errors.Is(err, service.ErrUnauthorized) {
					logger.Errorf("auth middleware token=%s: %v", logger.MaskToken(tok), err)
				}
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id.User, id.TokenID)))
		})
	}
}
