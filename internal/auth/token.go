// ABOUTME: HS256 JWTs for session clients and admin callers
// ABOUTME: Tokens carry the subject as identity and an optional admin role

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MinSecretLength is the shortest HS256 secret accepted.
	MinSecretLength = 32

	// RoleAdmin grants access to the admin API.
	RoleAdmin = "admin"

	tokenIssuer = "mirror-broker"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Claims is what a verified token asserts.
type Claims struct {
	Subject string
	Role    string
}

func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// TokenVerifier turns a bearer token into claims.
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

type brokerClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier signs and verifies tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	var bc brokerClaims
	_, err := v.parser.ParseWithClaims(tokenString, &bc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case err != nil:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case bc.Subject == "":
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return Claims{Subject: bc.Subject, Role: bc.Role}, nil
}

// Generate signs a token for subject. A zero expiresIn never expires.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration, role string) (string, error) {
	now := time.Now()
	bc := brokerClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresIn != 0 {
		bc.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, bc).SignedString(v.secret)
}
