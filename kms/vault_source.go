package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultKeySource reads key material from a HashiCorp Vault KV mount.
// The token is taken from the standard VAULT_TOKEN environment variable.
// Keys are never written to Vault; provisioning them is an operator task.
type VaultKeySource struct {
	client *api.Client
	field  string
	log    *slog.Logger
}

// NewVaultKeySource creates a Vault client for the given address.
// field names the key inside the secret's data map (default "key").
func NewVaultKeySource(address, field string, log *slog.Logger) (*VaultKeySource, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if field == "" {
		field = "key"
	}

	return &VaultKeySource{client: client, field: field, log: log}, nil
}

// Fetch reads the secret at path. Both KV v1 and KV v2 response shapes are accepted.
func (v *VaultKeySource) Fetch(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	path = strings.TrimPrefix(path, "/")

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("Failed to read key from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	raw, ok := data[v.field]
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no %q field", path, v.field)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return nil, errors.New("vault key field is not a non-empty string")
	}

	v.log.Debug("Fetched key from Vault", slog.String("path", path), slog.Duration("duration", time.Since(start)))
	return []byte(value), nil
}
