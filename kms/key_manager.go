package kms

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/apas-records-backend/interfaces"
)

const (
	// KeySize is the length of generated key material and of the AES-256 key.
	KeySize = 32

	// DefaultEncryptionKeyEnv overrides the encryption key slot.
	DefaultEncryptionKeyEnv = "APAS_ENCRYPTION_KEY"
	// DefaultDigestKeyEnv overrides the digest key slot.
	DefaultDigestKeyEnv = "APAS_HMAC_KEY"

	emptyFileRetries = 50
	emptyFileBackoff = 10 * time.Millisecond
)

// KeySlot describes where one key is resolved from. Sources are consulted
// in order: environment, Vault (when configured), key file.
type KeySlot struct {
	// EnvVar names an environment variable whose value is used verbatim.
	EnvVar string

	// VaultPath is a KV path read through the Vault source, if any.
	VaultPath string

	// FilePath is loaded if present, otherwise created with fresh key material.
	FilePath string
}

// KeyManagerConfig holds the two independent key slots.
type KeyManagerConfig struct {
	Encryption KeySlot
	Digest     KeySlot

	// Vault is optional.
	Vault *VaultKeySource
}

// KeyManager resolves and caches the encryption and digest keys for the
// lifetime of the process. It implements interfaces.KeyProvider.
type KeyManager struct {
	cfg KeyManagerConfig
	log *slog.Logger

	mu    sync.Mutex
	cache map[interfaces.KeyPurpose][]byte
}

// NewKeyManager creates a key manager. Nothing is resolved until first use.
func NewKeyManager(cfg KeyManagerConfig, log *slog.Logger) *KeyManager {
	return &KeyManager{
		cfg:   cfg,
		log:   log,
		cache: make(map[interfaces.KeyPurpose][]byte),
	}
}

// ResolveEncryptionKey returns the 32-byte AES-256 key.
func (k *KeyManager) ResolveEncryptionKey() ([]byte, error) {
	return k.resolve(interfaces.EncryptionKey)
}

// ResolveDigestKey returns the HMAC key.
func (k *KeyManager) ResolveDigestKey() ([]byte, error) {
	return k.resolve(interfaces.DigestKey)
}

// Warm resolves both keys eagerly so that misconfiguration surfaces at startup.
func (k *KeyManager) Warm() error {
	if _, err := k.ResolveEncryptionKey(); err != nil {
		return err
	}
	_, err := k.ResolveDigestKey()
	return err
}

func (k *KeyManager) slot(purpose interfaces.KeyPurpose) KeySlot {
	if purpose == interfaces.DigestKey {
		return k.cfg.Digest
	}
	return k.cfg.Encryption
}

func (k *KeyManager) resolve(purpose interfaces.KeyPurpose) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.cache[purpose]; ok {
		return key, nil
	}

	material, source, err := k.loadMaterial(purpose, k.slot(purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %s key: %v", interfaces.ErrKeyMaterial, purpose, err)
	}

	key, err := decodeKey(purpose, material)
	if err != nil {
		return nil, fmt.Errorf("%w: %s key from %s: %v", interfaces.ErrKeyMaterial, purpose, source, err)
	}

	k.log.Debug("Resolved key", slog.String("purpose", purpose.String()), slog.String("source", source))
	k.cache[purpose] = key
	return key, nil
}

func (k *KeyManager) loadMaterial(purpose interfaces.KeyPurpose, slot KeySlot) ([]byte, string, error) {
	if slot.EnvVar != "" {
		if v := os.Getenv(slot.EnvVar); v != "" {
			return []byte(v), "env:" + slot.EnvVar, nil
		}
	}

	if slot.VaultPath != "" && k.cfg.Vault != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		material, err := k.cfg.Vault.Fetch(ctx, slot.VaultPath)
		if err != nil {
			return nil, "", err
		}
		return material, "vault:" + slot.VaultPath, nil
	}

	if slot.FilePath == "" {
		return nil, "", errors.New("no key source configured")
	}

	material, created, err := LoadOrCreateKeyFile(slot.FilePath, GenerateKeyMaterial)
	if err != nil {
		return nil, "", err
	}
	if created {
		k.log.Info("Generated new key file", slog.String("purpose", purpose.String()), slog.String("path", slot.FilePath))
	}
	return material, "file:" + slot.FilePath, nil
}

// decodeKey turns slot material into key bytes. Digest material is used
// verbatim; encryption material must decode to exactly KeySize bytes.
func decodeKey(purpose interfaces.KeyPurpose, material []byte) ([]byte, error) {
	text := strings.TrimSpace(string(material))
	if text == "" {
		return nil, errors.New("empty key material")
	}

	if purpose == interfaces.DigestKey {
		return []byte(text), nil
	}

	if len(text) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(text); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if key, err := enc.DecodeString(text); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("encryption key is neither hex nor base64")
}

// GenerateKeyMaterial returns KeySize random bytes, base64url encoded.
func GenerateKeyMaterial() ([]byte, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return []byte(base64.URLEncoding.EncodeToString(raw)), nil
}

// LoadOrCreateKeyFile returns the key material stored at path. If the file
// does not exist, fresh material is generated and published atomically:
// exactly one concurrent creator wins and every caller observes its key.
// The boolean result reports whether this call created the file.
func LoadOrCreateKeyFile(path string, generate func() ([]byte, error)) ([]byte, bool, error) {
	material, err := readKeyFile(path)
	if err == nil {
		return material, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, false, fmt.Errorf("failed to create key directory: %w", err)
	}

	material, err = generate()
	if err != nil {
		return nil, false, err
	}

	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return nil, false, fmt.Errorf("failed to create temporary key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(material); err != nil {
		tmp.Close()
		return nil, false, fmt.Errorf("failed to write temporary key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, false, fmt.Errorf("failed to sync temporary key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to close temporary key file: %w", err)
	}

	// Link fails if the target exists, so the file is never observed half written.
	err = os.Link(tmpName, path)
	switch {
	case err == nil:
		return material, true, nil
	case errors.Is(err, fs.ErrExist):
		existing, err := readKeyFile(path)
		return existing, false, err
	default:
		return createExclusive(path, material)
	}
}

// createExclusive is the fallback for file systems without hard links.
func createExclusive(path string, material []byte) ([]byte, bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		existing, err := readKeyFile(path)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(material); err != nil {
		return nil, false, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, false, fmt.Errorf("failed to sync key file: %w", err)
	}
	return material, true, nil
}

// readKeyFile waits briefly for a concurrently created file to be filled.
func readKeyFile(path string) ([]byte, error) {
	for i := 0; ; i++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
			return []byte(trimmed), nil
		}
		if i >= emptyFileRetries {
			return nil, fmt.Errorf("key file %s is empty", path)
		}
		time.Sleep(emptyFileBackoff)
	}
}
