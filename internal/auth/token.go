// ABOUTME: JWT token verification for authenticating Bot Framework style bearer tokens
// ABOUTME: Uses HS256 signing with a configurable secret, issuer and audience

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret must be at least 16 bytes")
)

// minSecretLength guards against configs with placeholder secrets
const minSecretLength = 16

// Claims is what a verified token tells us about the caller.
type Claims struct {
	Subject        string
	ConversationID string // set on tokens issued by the start-conversation endpoint
	Issuer         string
	ExpiresAt      time.Time
}

// TokenVerifier checks that a bearer token was issued by the expected authority.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier. Empty issuer or audience disables that check.
func NewJWTVerifier(secret []byte, issuer, audience string) (*JWTVerifier, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret, issuer: issuer, audience: audience}, nil
}

// conversationClaims is the on-the-wire claim set.
type conversationClaims struct {
	ConversationID string `json:"conv,omitempty"`
	jwt.RegisteredClaims
}

// Verify validates signature, expiry, issuer and audience and returns the claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims conversationClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	out := &Claims{
		Subject:        claims.Subject,
		ConversationID: claims.ConversationID,
		Issuer:         claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Generate creates a token for subject, optionally scoped to one conversation.
func (v *JWTVerifier) Generate(subject, conversationID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := conversationClaims{
		ConversationID: conversationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
