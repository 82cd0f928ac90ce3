package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/apas-records-backend/interfaces"
)

const (
	// tokenVersion is the first byte of every sealed token and is bound as
	// additional authenticated data.
	tokenVersion byte = 0x01

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// ErrKeyReuse is returned when the digest key equals the encryption key.
var ErrKeyReuse = errors.New("digest key must differ from encryption key")

var tokenEncoding = base64.RawURLEncoding

// FieldCodec encrypts the sensitive subject field with AES-256-GCM and
// computes its HMAC-SHA256 lookup digest. Keys are obtained from the
// KeyProvider on every call; the provider caches them per process.
//
// Token format (base64url, no padding):
//
//	[version (1 byte)][nonce (12 bytes)][ciphertext || tag]
type FieldCodec struct {
	keys interfaces.KeyProvider
	log  *slog.Logger
}

var _ interfaces.FieldCodec = (*FieldCodec)(nil)

// NewFieldCodec creates a codec and verifies that the two key slots hold
// usable, distinct keys.
func NewFieldCodec(keys interfaces.KeyProvider, log *slog.Logger) (*FieldCodec, error) {
	encKey, err := keys.ResolveEncryptionKey()
	if err != nil {
		return nil, err
	}
	if len(encKey) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be 32 bytes", interfaces.ErrKeyMaterial)
	}

	digestKey, err := keys.ResolveDigestKey()
	if err != nil {
		return nil, err
	}
	if len(digestKey) == 0 {
		return nil, fmt.Errorf("%w: empty digest key", interfaces.ErrKeyMaterial)
	}

	if bytes.Equal(encKey, digestKey) ||
		bytes.Equal(digestKey, []byte(base64.URLEncoding.EncodeToString(encKey))) ||
		bytes.Equal(digestKey, []byte(base64.StdEncoding.EncodeToString(encKey))) ||
		bytes.Equal(digestKey, []byte(hex.EncodeToString(encKey))) {
		return nil, ErrKeyReuse
	}

	return &FieldCodec{keys: keys, log: log}, nil
}

func (c *FieldCodec) aead() (cipher.AEAD, error) {
	key, err := c.keys.ResolveEncryptionKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (c *FieldCodec) Seal(plaintext string) (string, error) {
	aesGCM, err := c.aead()
	if err != nil {
		return "", err
	}

	buf := make([]byte, 1+gcmNonceSize, 1+gcmNonceSize+len(plaintext)+gcmTagSize)
	buf[0] = tokenVersion
	if _, err := io.ReadFull(rand.Reader, buf[1:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aesGCM.Seal(buf, buf[1:], []byte(plaintext), buf[:1])
	return tokenEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token. Malformed, truncated, forged or foreign-key tokens
// yield ("", false); the failure is logged without the token content.
func (c *FieldCodec) Open(token string) (string, bool) {
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		c.log.Warn("Undecryptable field: not a token", "err", err)
		return "", false
	}

	if len(raw) < 1+gcmNonceSize+gcmTagSize {
		c.log.Warn("Undecryptable field: truncated token", slog.Int("size", len(raw)))
		return "", false
	}

	if raw[0] != tokenVersion {
		c.log.Warn("Undecryptable field: unsupported token version", slog.Int("version", int(raw[0])))
		return "", false
	}

	aesGCM, err := c.aead()
	if err != nil {
		c.log.Error("Undecryptable field: encryption key unavailable", "err", err)
		return "", false
	}

	nonce := raw[1 : 1+gcmNonceSize]
	plaintext, err := aesGCM.Open(nil, nonce, raw[1+gcmNonceSize:], raw[:1])
	if err != nil {
		c.log.Warn("Undecryptable field: authentication failed")
		return "", false
	}

	return string(plaintext), true
}

// Digest returns the lowercase hex HMAC-SHA256 of plaintext under the digest key.
func (c *FieldCodec) Digest(plaintext string) (interfaces.Digest, error) {
	key, err := c.keys.ResolveDigestKey()
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(plaintext))
	return interfaces.Digest(hex.EncodeToString(mac.Sum(nil))), nil
}

// EncryptValue is Seal with absence propagation: nil in, nil out.
func EncryptValue(c interfaces.FieldCodec, plaintext *string) (*string, error) {
	if plaintext == nil {
		return nil, nil
	}
	token, err := c.Seal(*plaintext)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DecryptValue is Open with absence propagation. A nil result means either
// the input was absent or the token could not be decrypted.
func DecryptValue(c interfaces.FieldCodec, token *string) *string {
	if token == nil {
		return nil
	}
	plaintext, ok := c.Open(*token)
	if !ok {
		return nil
	}
	return &plaintext
}

// DigestValue is Digest with absence propagation.
func DigestValue(c interfaces.FieldCodec, plaintext *string) (*interfaces.Digest, error) {
	if plaintext == nil {
		return nil, nil
	}
	d, err := c.Digest(*plaintext)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
