package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sheetvault/internal/sv"
)

type contextKey string

const requesterKey contextKey = "requester"

// Claims are the token claims the API reads. Subject is the account id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

// Authenticate verifies an HS256 bearer token and stores the caller as a
// sv.Requester in the request context. A token without a role is a user.
// The websocket route may pass the token as the access_token query parameter.
func Authenticate(secret []byte, logger sv.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requester, err := requesterFromRequest(r, secret)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				writeProblem(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), requester)))
		})
	}
}

func requesterFromRequest(r *http.Request, secret []byte) (sv.Requester, error) {
	raw := bearerToken(r)
	if raw == "" {
		return sv.Requester{}, errMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return sv.Requester{}, fmt.Errorf("invalid token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return sv.Requester{}, errors.New("invalid token: no subject")
	}

	role := sv.RoleUser
	if claims.Role != "" {
		role, err = sv.ParseRole(claims.Role)
		if err != nil {
			return sv.Requester{}, fmt.Errorf("invalid token: %w", err)
		}
	}
	return sv.Requester{ID: claims.Subject, Role: role}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if header == "" && websocketRequest(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func websocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// WithRequester returns a context carrying requester.
func WithRequester(ctx context.Context, requester sv.Requester) context.Context {
	return context.WithValue(ctx, requesterKey, requester)
}

// RequesterFrom returns the authenticated caller stored by Authenticate.
func RequesterFrom(ctx context.Context) (sv.Requester, bool) {
	requester, ok := ctx.Value(requesterKey).(sv.Requester)
	return requester, ok
}

// IssueToken signs an HS256 token for accountID. A zero ttl means no expiry.
func IssueToken(secret []byte, accountID string, role sv.Role, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  accountID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
