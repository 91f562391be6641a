// Package apikey implements the API-key lifecycle endpoints (spec §12:
// create/list/delete, implied by C10's role table but not itemized in
// spec.md §6) and the API-key resolution cache used by the ingestion
// controller (C5 step 2).
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/model"
)

// keyLength is the decoded length of the opaque token; base64url without
// padding of this many random bytes yields the spec's "40-char opaque
// token" (30 bytes -> 40 base64url characters).
const keyLength = 30

// Generate creates a new API key: a 40-char opaque token from a
// cryptographic RNG, base64url minus padding (spec §3 ApiKey.key).
func Generate() (rawKey string, err error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the stored form of a raw key. Only the hash is persisted;
// the raw key is shown to the caller exactly once, at creation.
func Hash(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// CreateRequest is the JSON body for POST /api/v1/projects/{projectId}/api-keys.
type CreateRequest struct {
	Description string                  `json:"description"`
	Constraints model.ApiKeyConstraints `json:"constraints" validate:"required"`
}

// CreateResponse includes the raw key exactly once.
type CreateResponse struct {
	Response
	Key string `json:"key"`
}

// Response is the JSON response for a single API key (never the raw key).
type Response struct {
	ID          uuid.UUID               `json:"id"`
	KeyPrefix   string                  `json:"keyPrefix"`
	Description string                  `json:"description"`
	Constraints model.ApiKeyConstraints `json:"constraints"`
	CreatedAt   time.Time               `json:"createdAt"`
}

// ToResponse strips the hash from a model.ApiKey for the wire.
func ToResponse(k model.ApiKey) Response {
	return Response{
		ID:          k.ID,
		KeyPrefix:   k.KeyPrefix,
		Description: k.Description,
		Constraints: k.Constraints,
		CreatedAt:   k.CreatedAt,
	}
}

// New builds a model.ApiKey and its raw token for persistence and display.
func New(description string, constraints model.ApiKeyConstraints) (key model.ApiKey, rawKey string, err error) {
	rawKey, err = Generate()
	if err != nil {
		return model.ApiKey{}, "", err
	}

	prefix := rawKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	key = model.ApiKey{
		ID:          uuid.New(),
		KeyHash:     Hash(rawKey),
		KeyPrefix:   prefix,
		Description: description,
		Constraints: constraints,
		CreatedAt:   time.Now(),
	}
	return key, rawKey, nil
}
