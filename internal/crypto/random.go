package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// SecurityKeyLength is the number of decimal digits in a login security key.
const SecurityKeyLength = 6

// GenerateSecureToken creates a cryptographically secure random token.
// Returns a base64 URL-encoded string suitable for activity IDs and other
// opaque identifiers.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateSecurityKey returns SecurityKeyLength uniformly random decimal
// digits. Leading zeros are kept.
func GenerateSecurityKey() (string, error) {
	ten := big.NewInt(10)
	key := make([]byte, SecurityKeyLength)
	for i := range key {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate security key digit: %w", err)
		}
		key[i] = byte('0' + n.Int64())
	}
	return string(key), nil
}

// HashSecurityKey hashes a security key with bcrypt so that a pending
// challenge never stores the key itself.
func HashSecurityKey(key string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
}

// VerifySecurityKey reports whether key matches a hash produced by HashSecurityKey.
func VerifySecurityKey(hash []byte, key string) bool {
	if len(hash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil
}
