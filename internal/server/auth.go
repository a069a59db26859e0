package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"evbackend.in/core/internal/common"
)

// Argon2id parameters for new hashes. Verification reads them from the hash.
const (
	argonMemory      uint32 = 64 * 1024
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonKeyLength   uint32 = 32
	argonSaltLength         = 16
)

// HashAPIKey encodes key as $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>.
func HashAPIKey(key string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyAPIKey checks key against an encoded Argon2id hash in constant time.
func VerifyAPIKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Malformed Argon2id hash")
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Failed to parse Argon2id parameters")
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Failed to decode Argon2id salt")
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Failed to decode Argon2id hash")
		return false
	}

	computed := argon2.IDKey([]byte(key), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// APIKeyAuth guards ops routes with the X-API-Key header. Argon2id costs
// 64 MiB per check, so keys that verified recently are remembered by digest.
type APIKeyAuth struct {
	hash     string
	verified *cache.Cache
}

// NewAPIKeyAuth creates the guard for an encoded hash.
func NewAPIKeyAuth(encodedHash string, ttl time.Duration) *APIKeyAuth {
	return &APIKeyAuth{hash: encodedHash, verified: cache.New(ttl, 2*ttl)}
}

func (a *APIKeyAuth) allowed(key string) bool {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	if _, ok := a.verified.Get(digest); ok {
		return true
	}
	if !VerifyAPIKey(key, a.hash) {
		return false
	}
	a.verified.SetDefault(digest, struct{}{})
	return true
}

// Middleware rejects requests without a valid key.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || !a.allowed(key) {
			log.WithFields(log.Fields{"path": r.URL.Path, "remote": r.RemoteAddr}).Warn("Rejected ops request")
			common.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
