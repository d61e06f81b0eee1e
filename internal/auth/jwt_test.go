package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
	if claims.ID == "" {
		t.Fatalf("expected a token id")
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestCreateToken_RejectsNonPositiveExpiry(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	if _, err := CreateToken("user-1", cfg); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := CreateToken("", DefaultTokenConfig("secret")); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}

func sign(t *testing.T, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestVerifyToken_Expired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tok := sign(t, jwt.SigningMethodHS256, Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(past),
		},
	})
	if _, err := VerifyToken(tok, DefaultTokenConfig("secret")); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	tok := sign(t, jwt.SigningMethodHS512, Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if _, err := VerifyToken(tok, DefaultTokenConfig("secret")); err == nil {
		t.Fatalf("expected HS512 token to be rejected")
	}
}

func TestVerifyToken_WrongIssuer(t *testing.T) {
	tok, err := CreateToken("user-1", TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "other"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, DefaultTokenConfig("secret")); err != ErrWrongIssuer {
		t.Fatalf("expected ErrWrongIssuer, got %v", err)
	}
}

func TestVerifyToken_Empty(t *testing.T) {
	if _, err := VerifyToken("", DefaultTokenConfig("secret")); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("expected no token, got %q", got)
	}

	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "from-cookie"})
	if got := TokenFromRequest(req); got != "from-cookie" {
		t.Fatalf("expected cookie token, got %q", got)
	}

	req.Header.Set("Authorization", "bearer from-header")
	if got := TokenFromRequest(req); got != "from-header" {
		t.Fatalf("expected header token, got %q", got)
	}
}
