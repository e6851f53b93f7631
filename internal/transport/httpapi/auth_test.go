package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTAuthenticatorRoundTrip(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret", time.Hour)

	token, err := auth.Generate(Identity{UserID: "u1", ChannelID: "telegram"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	identity, err := auth.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if identity.UserID != "u1" || identity.ChannelID != "telegram" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestJWTAuthenticatorRejectsBadToken(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret", time.Hour)
	if _, err := auth.Validate("not-a-token"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestJWTAuthenticatorDisabledWithoutSecret(t *testing.T) {
	auth := NewJWTAuthenticator("", time.Hour)
	if _, err := auth.Generate(Identity{UserID: "u1"}); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestAuthMiddlewarePassesThroughWhenUnconfigured(t *testing.T) {
	called := false
	h := AuthMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("expected handler to run when auth is nil")
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret", time.Hour)
	h := AuthMiddleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without a valid token")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	auth := NewJWTAuthenticator("test-secret", time.Hour)
	token, err := auth.Generate(Identity{UserID: "u1", ChannelID: "slack"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	called := false
	h := AuthMiddleware(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.UserID != "u1" {
			t.Fatalf("expected identity in context, got %+v ok=%v", identity, ok)
		}
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatal("expected handler to run with a valid token")
	}
}
