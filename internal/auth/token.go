package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned by a TokenVerifier when the presented bearer
// token is malformed, expired, or fails signature verification — the "null"
// outcome of the external contract's verify(token) -> {userId, email} | null.
var ErrInvalidToken = errors.New("invalid or expired token")

// VerifiedIdentity is what a TokenVerifier resolves a bearer token to.
type VerifiedIdentity struct {
	UserID uuid.UUID
	Email  string
}

// TokenVerifier is the external bearer-token verification contract (spec
// §6). Bearer-token minting and verification are out of core scope; the
// core depends only on this interface.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*VerifiedIdentity, error)
}

// sessionClaims are the claims embedded in a self-issued session JWT.
type sessionClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	UserID  string `json:"user_id"`
}

// HMACTokenVerifier issues and validates self-signed session JWTs using
// HMAC-SHA256, the same self-issued-token shape nightowl's SessionManager
// uses for operator sessions — logharbor's default TokenVerifier adapter.
type HMACTokenVerifier struct {
	signingKey []byte
	maxAge     time.Duration
}

// NewHMACTokenVerifier creates a verifier/issuer pair. The secret must be at
// least 32 bytes.
func NewHMACTokenVerifier(secret string, maxAge time.Duration) (*HMACTokenVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &HMACTokenVerifier{signingKey: []byte(secret), maxAge: maxAge}, nil
}

// GenerateDevSecret generates a random 32-byte hex-encoded secret for dev mode.
func GenerateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// IssueToken creates a signed JWT for the given user, used by whatever
// external login/registration flow mints operator sessions.
func (v *HMACTokenVerifier) IssueToken(userID uuid.UUID, email string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: v.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(v.maxAge)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "logharbor",
	}
	custom := sessionClaims{Subject: userID.String(), Email: email, UserID: userID.String()}

	token, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify implements TokenVerifier.
func (v *HMACTokenVerifier) Verify(_ context.Context, raw string) (*VerifiedIdentity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrInvalidToken
	}

	var registered jwt.Claims
	var custom sessionClaims
	if err := tok.Claims(v.signingKey, &registered, &custom); err != nil {
		return nil, ErrInvalidToken
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "logharbor",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(custom.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &VerifiedIdentity{UserID: userID, Email: custom.Email}, nil
}
