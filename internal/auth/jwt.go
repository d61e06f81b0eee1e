// Package auth issues and verifies the HS256 session tokens shared by the
// REST API and the socket handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer     = "anichat-rt"
	SessionCookieName = "session"

	clockSkew = 30 * time.Second
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrWrongIssuer  = errors.New("token issued for another service")
	ErrMissingUser  = errors.New("token has no user")
)

type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: DefaultIssuer,
	}
}

func (cfg TokenConfig) validate() error {
	if cfg.Secret == "" {
		return errors.New("missing secret")
	}
	return nil
}

// CreateToken signs a token for userID that expires after cfg.Expiry.
func CreateToken(userID string, cfg TokenConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrMissingUser
	}
	if cfg.Expiry <= 0 {
		return "", fmt.Errorf("invalid expiry %s", cfg.Expiry)
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyToken checks signature, expiry and, when cfg.Issuer is set, issuer.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, ErrWrongIssuer
	case err != nil:
		return nil, err
	case claims.UserID == "":
		return nil, ErrMissingUser
	}
	return claims, nil
}

// TokenFromRequest returns the bearer token of r, falling back to the
// session cookie.
func TokenFromRequest(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
