// Package crypto seals tokens and key sets before they leave the process.
//
// Every value written to a cache backend goes through a Codec: the value is
// serialized to JSON, sealed with XChaCha20-Poly1305 under a 32-byte key and
// a fresh random 24-byte nonce, and stored as nonce || ciphertext. The same
// format is used for the in-process backend, so switching backends never
// changes what is stored.
//
// Example usage:
//
//	key, err := crypto.ParseKey(os.Getenv("TOKENBRIDGE_ENCRYPTION_KEY"))
//	if err != nil {
//		return err
//	}
//	codec, err := crypto.NewCodec(key)
//	if err != nil {
//		return err
//	}
//
//	blob, err := codec.Seal(token)
//	...
//	var restored models.Token
//	err = codec.Open(blob, &restored)
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"tokenbridge/internal/common/errors"
)

const (
	// KeySize is the required length of a codec key in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the length of the nonce prefixed to every blob.
	NonceSize = chacha20poly1305.NonceSizeX
)

// Codec performs authenticated encryption of JSON-serializable values.
//
// A Codec is immutable after construction and safe for concurrent use by
// multiple goroutines.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a raw key.
//
// The key length is checked here rather than on first use, so a
// misconfigured key fails construction instead of every later cache read.
//
// Parameters:
//   - key: exactly KeySize bytes of key material
//
// Returns:
//   - *Codec: ready to seal and open blobs
//   - error: a crypto error if the key has the wrong length
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, errors.CryptoError(
			fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)), nil)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.CryptoError("failed to initialise cipher", err)
	}

	return &Codec{aead: aead}, nil
}

// Seal serializes v to JSON and encrypts it under a fresh random nonce.
//
// Sealing the same value twice yields different blobs.
//
// Returns:
//   - []byte: nonce || ciphertext
//   - error: a deserialization error if v cannot be encoded, or a crypto
//     error if no nonce could be drawn
func (c *Codec) Seal(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, errors.DeserializationError("failed to encode value", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.CryptoError("failed to generate nonce", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts blob, then decodes the JSON payload into v.
//
// Open fails closed: a short blob, a blob sealed under another key, or a
// blob with any byte altered returns a crypto error and leaves v untouched.
//
// Returns:
//   - nil on success
//   - a crypto error when the blob cannot be authenticated
//   - a deserialization error when the authenticated payload is not valid
//     JSON for v
func (c *Codec) Open(blob []byte, v any) error {
	if len(blob) < NonceSize+c.aead.Overhead() {
		return errors.CryptoError(fmt.Sprintf("ciphertext too short: %d bytes", len(blob)), nil)
	}

	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return errors.CryptoError("failed to authenticate ciphertext", err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return errors.DeserializationError("failed to decode value", err)
	}

	return nil
}

// ParseKey decodes a textual key. Hex and both base64 alphabets, padded or
// not, are accepted. The decoded key must be KeySize bytes.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.ConfigError("encryption key is empty")
	}

	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}

	for _, decode := range decoders {
		key, err := decode(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}

	return nil, errors.ConfigError(
		fmt.Sprintf("encryption key must decode (hex or base64) to exactly %d bytes", KeySize))
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.CryptoError("failed to generate key", err)
	}
	return key, nil
}
