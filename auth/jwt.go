package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a bearer token.
type Claims struct {
	// SessionID, when set, pins the token to a single protocol session.
	SessionID string   `json:"sid,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks bearer tokens presented on transport endpoints.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// HS256 signs and validates tokens with a shared secret.
type HS256 struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
}

// NewHS256 creates a shared-secret token manager.
func NewHS256(secret string, issuer string, lifetime time.Duration) *HS256 {
	return &HS256{secret: []byte(secret), issuer: issuer, lifetime: lifetime}
}

// Issue creates a signed token for the subject, optionally pinned to a session.
func (m *HS256) Issue(subject, sessionID string, scopes ...string) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate checks the token signature and standard claims.
func (m *HS256) Validate(_ context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// subprotocolPrefix marks a token smuggled through the websocket subprotocol
// list, for browser clients that cannot set request headers.
const subprotocolPrefix = "token."

// TokenFromRequest extracts a bearer token from the Authorization header, the
// token query parameter, or a token.<jwt> websocket subprotocol entry.
func TokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(header, prefix), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	for _, proto := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, entry := range strings.Split(proto, ",") {
			entry = strings.TrimSpace(entry)
			if strings.HasPrefix(entry, subprotocolPrefix) {
				return strings.TrimPrefix(entry, subprotocolPrefix), nil
			}
		}
	}
	return "", errors.New("no bearer token presented")
}

type claimsKey struct{}

// WithClaims attaches validated claims to the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom retrieves claims attached by Middleware, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Middleware rejects requests without a valid bearer token and attaches the
// claims to the request context.
func Middleware(validator Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := TokenFromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := validator.Validate(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
