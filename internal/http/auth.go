package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/kubeploy/pkg/jwt"
)

type authContextKey string

const contextKeyUser authContextKey = "kubeploy-user-id"

var errNoCredentials = errors.New("missing authorization header")

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth accepts only the Authorization header.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.authenticated(false, next)
}

// requireStreamAuth also accepts ?access_token= since browsers cannot set
// headers on a websocket handshake.
func (r *Router) requireStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.authenticated(true, next)
}

func (r *Router) authenticated(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID, err := r.authenticate(req, allowQuery)
		if err != nil {
			r.logger.Warn("request not authenticated", "error", err, "path", req.URL.Path)
			msg := "authentication failed"
			if errors.Is(err, errNoCredentials) {
				msg = "authentication required"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyUser, userID)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func (r *Router) authenticate(req *http.Request, allowQuery bool) (string, error) {
	header := req.Header.Get("Authorization")
	var token string
	switch {
	case strings.TrimSpace(header) != "":
		t, err := bearerToken(header)
		if err != nil {
			return "", err
		}
		token = t
	case allowQuery && strings.TrimSpace(req.URL.Query().Get("access_token")) != "":
		token = strings.TrimSpace(req.URL.Query().Get("access_token"))
	default:
		return "", errNoCredentials
	}
	claims, err := jwtpkg.Parse(token, r.jwtSecret)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// userFromContext returns the authenticated user id.
func userFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeyUser).(string)
	return id, ok && id != ""
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
