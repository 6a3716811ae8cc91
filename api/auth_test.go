package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer a.b.c  ", want: "a.b.c"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "blank", header: "   ", wantErr: errMissingAuthorization},
		{name: "scheme", header: "Basic a.b.c", wantErr: errBadAuthorization},
		{name: "empty token", header: "Bearer ", wantErr: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := bearerToken(tc.header)
			if err != tc.wantErr {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if got != tc.want {
				t.Fatalf("unexpected token %q", got)
			}
		})
	}
}

func TestAuthHeaderFallsBackToQueryToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/stream?token=a.b.c", nil)
	if got := authHeader(req); got != "Bearer a.b.c" {
		t.Fatalf("unexpected header %q", got)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer x.y.z")
	if got := authHeader(req); got != "Bearer x.y.z" {
		t.Fatalf("header must win over query, got %q", got)
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, secret, validClaims("user-123")))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromTokenRejects(t *testing.T) {
	secret := []byte("test-secret")
	expired := validClaims("u")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	noSub := validClaims("")

	cases := map[string]string{
		"wrong secret": signHS256(t, []byte("other"), validClaims("u")),
		"expired":      signHS256(t, secret, expired),
		"missing sub":  signHS256(t, secret, noSub),
		"garbage":      "a.b.c",
	}
	auth := NewTestAuth(secret)
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.UserIDFromToken(token); err == nil {
				t.Fatalf("expected token to be rejected")
			}
		})
	}
}

func TestUserIDFromTokenChecksAudienceAndIssuer(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewTestAuth(secret)
	auth.Audience = "api://aud"
	auth.Issuer = "https://issuer/"

	claims := validClaims("u")
	claims["aud"] = "api://other"
	claims["iss"] = "https://issuer/"
	if _, err := auth.UserIDFromToken(signHS256(t, secret, claims)); err == nil || err.Error() != "invalid audience" {
		t.Fatalf("expected audience error, got %v", err)
	}
	claims["aud"] = "api://aud"
	claims["iss"] = "https://elsewhere/"
	if _, err := auth.UserIDFromToken(signHS256(t, secret, claims)); err == nil || err.Error() != "invalid issuer" {
		t.Fatalf("expected issuer error, got %v", err)
	}
	claims["iss"] = "https://issuer/"
	if _, err := auth.UserIDFromToken(signHS256(t, secret, claims)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRS256WithoutJWKS(t *testing.T) {
	auth := NewAuth(nil, "aud", "iss")
	// an HS256 token is rejected by the method check before any key lookup
	if _, err := auth.UserIDFromToken(signHS256(t, []byte("s"), validClaims("u"))); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestSignTestTokenRoundTrip(t *testing.T) {
	secret := []byte("dev-secret")
	token, err := SignTestToken(secret, "alice", 10*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, err := NewTestAuth(secret).UserIDFromToken(token)
	if err != nil || userID != "alice" {
		t.Fatalf("expected alice, got %q (%v)", userID, err)
	}

	// tokens expiring within the one minute leeway are already refused
	short, err := SignTestToken(secret, "alice", 30*time.Second)
	if err != nil {
		t.Fatalf("sign short: %v", err)
	}
	if _, err := NewTestAuth(secret).UserIDFromToken(short); err == nil || err.Error() != "token expired" {
		t.Fatalf("expected token expired, got %v", err)
	}
	if _, err := SignTestToken(nil, "alice", time.Minute); err == nil {
		t.Fatal("expected missing secret error")
	}
}
