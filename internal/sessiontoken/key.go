package sessiontoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// DefaultKeyBits is the RSA modulus size used by GenerateKey.
const DefaultKeyBits = 2048

// ParsePrivateKey parses the configured encryption key. The value may be PEM
// text, or base64 of PKCS#8 DER, PKCS#1 DER or PEM.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: encryption key is not set", ErrConfiguration)
	}

	raw := []byte(encoded)
	if !strings.HasPrefix(encoded, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: encryption key is not valid base64: %v", ErrConfiguration, err)
		}
		raw = decoded
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(raw); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: encryption key is %T, an RSA key is required", ErrConfiguration, parsed)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key is neither PKCS#8 nor PKCS#1: %v", ErrConfiguration, err)
	}
	return key, nil
}

// GenerateKey creates a new RSA key and returns it in the form accepted by
// ParsePrivateKey (base64 of PKCS#8 DER).
func GenerateKey(bits int) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", fmt.Errorf("generating RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshaling RSA key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
