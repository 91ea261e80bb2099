package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

type authInfo struct {
	AccountID string
}

const contextKeyAuth authContextKey = "paddock-auth-info"

// SessionCookie carries the web session token for browser navigation, where
// no Authorization header is available.
const SessionCookie = "paddock_session"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid session before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the session token and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	accountID, ok := r.sessionAccount(req)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{AccountID: accountID}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// sessionAccount resolves the web account from the bearer header or the
// session cookie, without writing any response.
func (r *Router) sessionAccount(req *http.Request) (string, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		if cookie, cookieErr := req.Cookie(SessionCookie); cookieErr == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}
	if token == "" {
		return "", false
	}
	claims, err := r.parseSession(token)
	if err != nil {
		r.logger.Warn("session token rejected", "path", req.URL.Path, "error", err)
		return "", false
	}
	return claims, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
