// Package sessiontoken turns resumption state into an opaque URL-safe token
// and back. Tokens are JWE compact serializations: the CBOR payload is
// DEFLATE-compressed and encrypted with A256GCM under an RSA-OAEP-256
// wrapped key. Only the holder of the private key can read a token, and any
// modification makes decryption fail.
package sessiontoken

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrConfiguration is returned when no usable key is available.
	ErrConfiguration = errors.New("session token codec is not configured")
	// ErrDecode is returned for malformed, tampered, undecryptable or expired tokens.
	ErrDecode = errors.New("invalid session token")
)

// DefaultTTL bounds how long a login link stays usable.
const DefaultTTL = 15 * time.Minute

const (
	keyAlgorithm      = jose.RSA_OAEP_256
	contentEncryption = jose.A256GCM
)

// Codec encodes and decodes session tokens.
type Codec struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL sets the maximum age of a session state. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) { c.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec able to both encode and decode.
func NewCodec(key *rsa.PrivateKey, opts ...Option) (*Codec, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: missing private key", ErrConfiguration)
	}
	return newCodec(&key.PublicKey, key, opts), nil
}

// NewEncoder creates a codec that can only encode.
func NewEncoder(pub *rsa.PublicKey, opts ...Option) (*Codec, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrConfiguration)
	}
	return newCodec(pub, nil, opts), nil
}

func newCodec(pub *rsa.PublicKey, priv *rsa.PrivateKey, opts []Option) *Codec {
	c := &Codec{
		public:  pub,
		private: priv,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode serializes v and returns it as a token.
func (c *Codec) Encode(v any) (string, error) {
	if c == nil || c.public == nil {
		return "", ErrConfiguration
	}

	plaintext, err := cbor.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	enc, err := jose.NewEncrypter(
		contentEncryption,
		jose.Recipient{Algorithm: keyAlgorithm, Key: c.public},
		&jose.EncrypterOptions{Compression: jose.DEFLATE},
	)
	if err != nil {
		return "", fmt.Errorf("creating encrypter: %w", err)
	}

	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}

	token, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing: %w", err)
	}

	log.LogTraceWithFields("sessiontoken", "Encoded session token", map[string]any{
		"payload_bytes": len(plaintext),
		"token_length":  len(token),
	})
	return token, nil
}

// Decode reverses Encode into v.
func (c *Codec) Decode(token string, v any) error {
	if c == nil || c.private == nil {
		return ErrConfiguration
	}

	if err := checkCompact(token); err != nil {
		return err
	}

	obj, err := jose.ParseEncryptedCompact(token,
		[]jose.KeyAlgorithm{keyAlgorithm},
		[]jose.ContentEncryption{contentEncryption},
	)
	if err != nil {
		return fmt.Errorf("%w: parsing JWE: %v", ErrDecode, err)
	}

	plaintext, err := obj.Decrypt(c.private)
	if err != nil {
		return fmt.Errorf("%w: decrypting: %v", ErrDecode, err)
	}

	if err := cbor.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: unmarshaling payload: %v", ErrDecode, err)
	}
	return nil
}

// EncodeState stamps the state with the current time and encodes it.
func (c *Codec) EncodeState(state conversation.SessionState) (string, error) {
	if c == nil {
		return "", ErrConfiguration
	}
	state.IssuedAt = c.now().Unix()
	return c.Encode(state)
}

// DecodeState decodes a token produced by EncodeState and rejects it once
// it is older than the configured TTL.
func (c *Codec) DecodeState(token string) (conversation.SessionState, error) {
	var state conversation.SessionState
	if err := c.Decode(token, &state); err != nil {
		return conversation.SessionState{}, err
	}

	if c.ttl > 0 && state.IssuedAt != 0 {
		age := c.now().Sub(time.Unix(state.IssuedAt, 0))
		if age > c.ttl {
			return conversation.SessionState{}, fmt.Errorf("%w: expired %s ago", ErrDecode, (age - c.ttl).Round(time.Second))
		}
	}
	return state, nil
}

// checkCompact requires five canonical base64url segments. The JOSE parser
// tolerates non-zero trailing bits, which would let two different strings
// decode to the same token.
func checkCompact(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return fmt.Errorf("%w: expected 5 segments, got %d", ErrDecode, len(parts))
	}
	for i, part := range parts {
		if _, err := base64.RawURLEncoding.Strict().DecodeString(part); err != nil {
			return fmt.Errorf("%w: segment %d: %v", ErrDecode, i, err)
		}
	}
	return nil
}
