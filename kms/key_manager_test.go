package kms

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fileSlots(dir string) KeyManagerConfig {
	return KeyManagerConfig{
		Encryption: KeySlot{EnvVar: "APAS_TEST_ENC_KEY", FilePath: filepath.Join(dir, "nested", "enc.key")},
		Digest:     KeySlot{EnvVar: "APAS_TEST_HMAC_KEY", FilePath: filepath.Join(dir, "nested", "hmac.key")},
	}
}

func TestKeyManager_CreatesKeyFilesWithParents(t *testing.T) {
	dir := t.TempDir()
	km := NewKeyManager(fileSlots(dir), testLogger())

	encKey, err := km.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.Len(t, encKey, KeySize)

	digestKey, err := km.ResolveDigestKey()
	require.NoError(t, err)
	assert.NotEmpty(t, digestKey)
	assert.NotEqual(t, encKey, digestKey)

	info, err := os.Stat(filepath.Join(dir, "nested", "enc.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second process-equivalent manager reads the same files
	other := NewKeyManager(fileSlots(dir), testLogger())
	otherEnc, err := other.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, encKey, otherEnc)

	otherDigest, err := other.ResolveDigestKey()
	require.NoError(t, err)
	assert.Equal(t, digestKey, otherDigest)
}

func TestKeyManager_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	t.Setenv("APAS_TEST_ENC_KEY", base64.URLEncoding.EncodeToString(raw))
	t.Setenv("APAS_TEST_HMAC_KEY", "verbatim-hmac-secret")

	km := NewKeyManager(fileSlots(dir), testLogger())

	encKey, err := km.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, raw, encKey)

	digestKey, err := km.ResolveDigestKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("verbatim-hmac-secret"), digestKey)

	// Env override never touches the file slot
	_, err = os.Stat(filepath.Join(dir, "nested", "enc.key"))
	assert.True(t, os.IsNotExist(err))
}

func TestKeyManager_InvalidEncryptionKey(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not encoded", value: "this is not a key!!"},
		{name: "wrong length", value: base64.StdEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("APAS_TEST_ENC_KEY", tt.value)
			km := NewKeyManager(fileSlots(t.TempDir()), testLogger())

			_, err := km.ResolveEncryptionKey()
			require.Error(t, err)
			assert.True(t, errors.Is(err, interfaces.ErrKeyMaterial))
		})
	}
}

func TestKeyManager_HexEncryptionKey(t *testing.T) {
	raw := make([]byte, KeySize)
	raw[0] = 0xff
	t.Setenv("APAS_TEST_ENC_KEY", hex.EncodeToString(raw))

	km := NewKeyManager(fileSlots(t.TempDir()), testLogger())
	key, err := km.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestKeyManager_CachesPerProcess(t *testing.T) {
	dir := t.TempDir()
	cfg := fileSlots(dir)
	km := NewKeyManager(cfg, testLogger())

	first, err := km.ResolveDigestKey()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cfg.Digest.FilePath, []byte("replaced"), 0600))

	second, err := km.ResolveDigestKey()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyManager_NoSource(t *testing.T) {
	km := NewKeyManager(KeyManagerConfig{}, testLogger())
	_, err := km.ResolveDigestKey()
	assert.ErrorIs(t, err, interfaces.ErrKeyMaterial)
}

func TestLoadOrCreateKeyFile_ConcurrentCreatorsAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "race", "key")

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		keys    = make(map[string]int)
		created int
	)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			material, wasCreated, err := LoadOrCreateKeyFile(path, GenerateKeyMaterial)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			keys[string(material)]++
			if wasCreated {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, keys, 1, "all callers must observe the same key")
	assert.Equal(t, 1, created, "exactly one caller must create the file")

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	_, ok := keys[string(onDisk)]
	assert.True(t, ok)

	// No temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestVaultKeySource_Fetch(t *testing.T) {
	raw := make([]byte, KeySize)
	raw[1] = 7
	encoded := base64.URLEncoding.EncodeToString(raw)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/apas/encryption":
			w.Write([]byte(`{"data":{"data":{"key":"` + encoded + `"},"metadata":{"version":1}}}`))
		case "/v1/kv/apas/digest":
			w.Write([]byte(`{"data":{"key":"vault-hmac-key"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
		}
	}))
	defer srv.Close()

	source, err := NewVaultKeySource(srv.URL, "", testLogger())
	require.NoError(t, err)

	km := NewKeyManager(KeyManagerConfig{
		Encryption: KeySlot{VaultPath: "secret/data/apas/encryption"},
		Digest:     KeySlot{VaultPath: "/kv/apas/digest"},
		Vault:      source,
	}, testLogger())

	encKey, err := km.ResolveEncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, raw, encKey)

	digestKey, err := km.ResolveDigestKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("vault-hmac-key"), digestKey)

	missing := NewKeyManager(KeyManagerConfig{
		Digest: KeySlot{VaultPath: "secret/data/missing"},
		Vault:  source,
	}, testLogger())
	_, err = missing.ResolveDigestKey()
	assert.ErrorIs(t, err, interfaces.ErrKeyMaterial)
}
