package interfaces

import "context"

// KeyPurpose identifies one of the two independent key slots.
type KeyPurpose int

const (
	// EncryptionKey is the symmetric key of the reversible field cipher.
	EncryptionKey KeyPurpose = iota
	// DigestKey is the HMAC key of the deterministic lookup digest.
	DigestKey
)

// String returns the purpose name.
func (p KeyPurpose) String() string {
	switch p {
	case EncryptionKey:
		return "encryption"
	case DigestKey:
		return "digest"
	default:
		return "unknown"
	}
}

// KeyProvider resolves key material for the field codec.
type KeyProvider interface {
	// ResolveEncryptionKey returns the 32-byte AES-256 key.
	ResolveEncryptionKey() ([]byte, error)

	// ResolveDigestKey returns the HMAC key. It must differ from the encryption key.
	ResolveDigestKey() ([]byte, error)
}

// FieldCodec protects the one sensitive field of a record.
type FieldCodec interface {
	// Seal encrypts plaintext into a versioned, authenticated token.
	// Every call uses a fresh nonce.
	Seal(plaintext string) (string, error)

	// Open decrypts a token. It reports false for malformed, truncated or
	// forged tokens instead of returning an error.
	Open(token string) (string, bool)

	// Digest returns the deterministic keyed digest of plaintext.
	Digest(plaintext string) (Digest, error)
}

// IdentityStore is the guard's view of the user table.
type IdentityStore interface {
	// LookupIdentity returns ErrNotFound when the username is unknown.
	LookupIdentity(ctx context.Context, username string) (*Identity, error)
}

// AlertNotification is handed to a Notifier once an alert is committed.
type AlertNotification struct {
	AlertID       int64
	RecordID      int64
	Subject       string
	SubjectDigest Digest
	RiskScore     float64
	Course        string
	Owner         string
}

// Notifier delivers alert notifications. Delivery is best effort.
type Notifier interface {
	NotifyAlert(ctx context.Context, n AlertNotification) error
}
