package utils // package utils provides token helpers shared by the CLI and the HTTP layer

import (
	"errors" // errors builds validation failures
	"time"   // time computes issue and expiry instants

	"github.com/golang-jwt/jwt/v5" // JWT library for creating and parsing signed tokens
)

// Roles understood by the HTTP layer.  ADMIN may issue and rotate PINs;
// STAFF is accepted on the same group for read-only PIN lookups.
const (
	RoleAdmin = "ADMIN"
	RoleStaff = "STAFF"
)

// AccessToken represents a signed JWT access token along with its expiry.
// The Token field contains the JWT string.  Exp stores the expiration
// timestamp.  Tokens are sent in the Authorization header as a bearer.
type AccessToken struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"expires_at"`
}

// NewAccessToken builds and signs an HS256 JWT for an operator.  The
// subject is an operator name (for example a terminal or a person), the
// role is one of the Role constants and ttl bounds the token lifetime.
// The JWT includes the standard claims sub, role, exp and iat.
func NewAccessToken(secret, subject, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("jwt secret is empty")
	}
	if subject == "" {
		return AccessToken{}, errors.New("token subject is empty")
	}
	if ttl <= 0 {
		return AccessToken{}, errors.New("token ttl must be positive")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	// HS256 matches the method accepted by ParseAccessToken.
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseAccessToken verifies raw with secret and returns its subject and
// role.  Only HMAC signatures are accepted and exp is always required.
func ParseAccessToken(secret, raw string) (subject, role string, err error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid claims")
	}
	subject, _ = claims["sub"].(string)
	role, _ = claims["role"].(string)
	if subject == "" {
		return "", "", errors.New("token has no subject")
	}
	return subject, role, nil
}
