package cryptoutils

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Argon2id parameters for newly hashed credentials.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// ErrUnrecognizedHash is returned by VerifyPassword when the stored
// credential is not in any supported hash format.
var ErrUnrecognizedHash = errors.New("unrecognized credential hash")

// HashPassword hashes a password with argon2id and encodes it in the
// PHC string format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// IsPasswordHash reports whether stored looks like a supported hash.
func IsPasswordHash(stored string) bool {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"),
		strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"),
		strings.HasPrefix(stored, "pbkdf2:"):
		return true
	default:
		return false
	}
}

// VerifyPassword checks password against a stored hash in constant time.
// Supported formats are argon2id (PHC), bcrypt and werkzeug-style pbkdf2
// ("pbkdf2:<method>:<iterations>$<salt>$<hexhash>").
func VerifyPassword(stored, password string) (bool, error) {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return verifyArgon2id(stored, password)
	case strings.HasPrefix(stored, "$2"):
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	case strings.HasPrefix(stored, "pbkdf2:"):
		return verifyPBKDF2(stored, password)
	default:
		return false, ErrUnrecognizedHash
	}
}

// ConstantTimeEqual compares two strings without leaking where they differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func verifyArgon2id(stored, password string) (bool, error) {
	// "", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash
	parts := strings.Split(stored, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("%w: malformed argon2id hash", ErrUnrecognizedHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported argon2 version", ErrUnrecognizedHash)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("%w: malformed argon2id parameters", ErrUnrecognizedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: malformed argon2id salt", ErrUnrecognizedHash)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: malformed argon2id key", ErrUnrecognizedHash)
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func verifyPBKDF2(stored, password string) (bool, error) {
	sections := strings.SplitN(stored, "$", 3)
	if len(sections) != 3 {
		return false, fmt.Errorf("%w: malformed pbkdf2 hash", ErrUnrecognizedHash)
	}

	method := strings.Split(sections[0], ":")
	if len(method) < 2 || len(method) > 3 {
		return false, fmt.Errorf("%w: malformed pbkdf2 method", ErrUnrecognizedHash)
	}

	var newHash func() hash.Hash
	switch method[1] {
	case "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	case "sha1":
		newHash = sha1.New
	default:
		return false, fmt.Errorf("%w: unsupported pbkdf2 digest %q", ErrUnrecognizedHash, method[1])
	}

	iterations := 600000
	if len(method) == 3 {
		n, err := strconv.Atoi(method[2])
		if err != nil || n <= 0 {
			return false, fmt.Errorf("%w: malformed pbkdf2 iterations", ErrUnrecognizedHash)
		}
		iterations = n
	}

	want, err := hex.DecodeString(sections[2])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: malformed pbkdf2 key", ErrUnrecognizedHash)
	}

	got := pbkdf2.Key([]byte(password), []byte(sections[1]), iterations, len(want), newHash)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
