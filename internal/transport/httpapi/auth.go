// Package httpapi implements the HTTP/WebSocket transport (spec §6): bearer
// and OAuth2-client-credentials authentication in front of a WebSocket
// endpoint that speaks the chat/token/done/error/permission wire protocol.
// Grounded on a JWTService token shape and a WebSocket control-plane
// connection lifecycle, narrowed to picobot's per-(channel,user) session
// model rather than a multi-tenant user/org model.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	// ErrAuthDisabled is returned by JWTAuthenticator methods when no
	// secret has been configured, i.e. auth is off.
	ErrAuthDisabled = errors.New("httpapi: auth disabled")
	// ErrInvalidToken is returned when a bearer token fails validation.
	ErrInvalidToken = errors.New("httpapi: invalid token")
)

// Identity is the authenticated caller of a WebSocket connection or HTTP
// request: the (channel_id, user_id) pair the agent loop sessions key on.
type Identity struct {
	UserID    string
	ChannelID string
}

// Claims is the JWT payload picobot issues and validates.
type Claims struct {
	ChannelID string `json:"channel_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator signs and verifies the bearer tokens clients present to
// the httpapi transport (spec §6 "bearer-token auth").
type JWTAuthenticator struct {
	secret []byte
	expiry time.Duration
}

// NewJWTAuthenticator builds a JWTAuthenticator. An empty secret disables
// auth: Validate always fails and Generate always errors, which callers
// should treat as "no authentication configured" for local/dev use.
func NewJWTAuthenticator(secret string, expiry time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), expiry: expiry}
}

// Generate issues a signed token for identity.
func (a *JWTAuthenticator) Generate(identity Identity) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", errors.New("httpapi: user id required")
	}

	claims := Claims{
		ChannelID: identity.ChannelID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity.UserID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses and validates a bearer token, returning the Identity it
// authorizes.
func (a *JWTAuthenticator) Validate(token string) (Identity, error) {
	if a == nil || len(a.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, ChannelID: claims.ChannelID}, nil
}

// ServiceAuthenticator validates bearer tokens minted by an external
// identity provider via the OAuth2 client-credentials grant (spec §6,
// naming golang.org/x/oauth2 for service-to-service callers alongside the
// end-user-facing JWTAuthenticator).
type ServiceAuthenticator struct {
	cfg clientcredentials.Config
}

// NewServiceAuthenticator builds a ServiceAuthenticator that exchanges
// clientID/clientSecret for a token at tokenURL.
func NewServiceAuthenticator(clientID, clientSecret, tokenURL string, scopes []string) *ServiceAuthenticator {
	return &ServiceAuthenticator{cfg: clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}}
}

// Token fetches (and caches, via the underlying oauth2.TokenSource) a
// client-credentials access token for outbound calls this transport makes
// to external services (e.g. channel provider webhooks requiring a bearer
// token of their own).
func (s *ServiceAuthenticator) Token(ctx context.Context) (string, error) {
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("httpapi: client-credentials token fetch failed: %w", err)
	}
	return tok.AccessToken, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, returning "" if absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// AuthMiddleware wraps next, rejecting requests without a valid bearer
// token when auth is non-nil/enabled. When auth is nil, requests pass
// through unauthenticated (local/dev mode).
func AuthMiddleware(auth *JWTAuthenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth == nil || len(auth.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := auth.Validate(bearerToken(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type identityContextKey struct{}

// IdentityFromContext returns the Identity AuthMiddleware attached to ctx,
// if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}
