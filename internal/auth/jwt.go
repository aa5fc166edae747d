package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope limits what an API token may do.
type Scope string

const (
	// ScopeRead allows status, hotspot and device queries.
	ScopeRead Scope = "read"
	// ScopeControl additionally allows connect, extend and disconnect.
	ScopeControl Scope = "control"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the claims of an agent API token.
type Claims struct {
	Scope Scope `json:"scope"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants scope.
func (c *Claims) Allows(scope Scope) bool {
	switch c.Scope {
	case ScopeControl:
		return true
	case ScopeRead:
		return scope == ScopeRead
	}
	return false
}

// TokenService signs and verifies ES256 API tokens.
type TokenService struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	issuer     string
	now        func() time.Time
}

// NewTokenService creates a token service with the given key pair.
func NewTokenService(keyPair *KeyPair, issuer string) *TokenService {
	return &TokenService{
		privateKey: keyPair.PrivateKey,
		publicKey:  keyPair.PublicKey,
		issuer:     issuer,
		now:        time.Now,
	}
}

// Issue creates a signed token for subject, valid for ttl.
func (s *TokenService) Issue(subject string, scope Scope, ttl time.Duration) (string, error) {
	if scope != ScopeRead && scope != ScopeControl {
		return "", fmt.Errorf("unknown scope %q", scope)
	}
	now := s.now()

	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and validity window of a token.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
