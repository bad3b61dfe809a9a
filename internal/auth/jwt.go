package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/ridebid/internal/ride/domain"
)

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// QueryTokenParam carries the token on websocket upgrades, where browsers
// cannot set an Authorization header.
const QueryTokenParam = "access_token"

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims extends standard registered claims with role information. Subject
// holds the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the caller identity used by the ride domain.
func (c *Claims) Actor() (domain.Actor, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{ID: id, Admin: c.Role == RoleAdmin, Driver: c.Role == RoleDriver}, nil
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret string, userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware validates JWT tokens and injects claims into context.
func Middleware(secret string, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := TokenFromRequest(r)
			if tokenString == "" {
				http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := ParseToken(secret, tokenString)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if _, err := claims.Actor(); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if len(allowed) > 0 {
				if _, ok := allowed[claims.Role]; !ok {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticator resolves the caller of a websocket upgrade.
func Authenticator(secret string) func(*http.Request) (domain.Actor, error) {
	return func(r *http.Request) (domain.Actor, error) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			return domain.Actor{}, ErrMissingToken
		}
		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			return domain.Actor{}, err
		}
		return claims.Actor()
	}
}

// ClaimsFromContext retrieves claims from context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// ActorFromContext returns the authenticated actor placed by Middleware.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return domain.Actor{}, false
	}
	actor, err := claims.Actor()
	return actor, err == nil
}

type claimsKey struct{}

// TokenFromRequest reads a bearer token from the Authorization header, then
// from the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := tokenFromHeader(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get(QueryTokenParam)
}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
