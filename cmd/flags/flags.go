package flags

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/ruteri/apas-records-backend/api"
	"github.com/ruteri/apas-records-backend/common"
	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/ruteri/apas-records-backend/kms"
	"github.com/ruteri/apas-records-backend/records"
	"github.com/ruteri/apas-records-backend/session"
	"github.com/ruteri/apas-records-backend/storage"
	"github.com/urfave/cli/v2"
)

const DefaultEnvFile = ".env"

// LoadEnvFile loads variables from the --env-file given in args (or
// DefaultEnvFile) into the process environment. It must run before the
// CLI parses flags so that EnvVars pick the values up. Variables already
// set in the environment win. A missing default file is not an error.
func LoadEnvFile(args []string) error {
	path, explicit := DefaultEnvFile, false
	for i, arg := range args {
		switch {
		case arg == "--env-file" || arg == "-env-file":
			if i+1 < len(args) {
				path, explicit = args[i+1], true
			}
		case strings.HasPrefix(arg, "--env-file="):
			path, explicit = strings.TrimPrefix(arg, "--env-file="), true
		}
	}

	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		CORSOrigins:              cCtx.StringSlice(CORSOriginsFlag.Name),
		TLSCertFile:              cCtx.String(TLSCertFlag.Name),
		TLSKeyFile:               cCtx.String(TLSKeyFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// ConfigureKeyManager builds the key manager from the key flags. Vault is
// consulted only when --vault-addr is set.
func ConfigureKeyManager(cCtx *cli.Context, logger *slog.Logger) (*kms.KeyManager, error) {
	cfg := kms.KeyManagerConfig{
		Encryption: kms.KeySlot{
			EnvVar:    kms.DefaultEncryptionKeyEnv,
			VaultPath: cCtx.String(VaultEncryptionPathFlag.Name),
			FilePath:  cCtx.String(EncryptionKeyFileFlag.Name),
		},
		Digest: kms.KeySlot{
			EnvVar:    kms.DefaultDigestKeyEnv,
			VaultPath: cCtx.String(VaultDigestPathFlag.Name),
			FilePath:  cCtx.String(DigestKeyFileFlag.Name),
		},
	}

	if addr := cCtx.String(VaultAddrFlag.Name); addr != "" {
		vault, err := kms.NewVaultKeySource(addr, cCtx.String(VaultFieldFlag.Name), logger)
		if err != nil {
			return nil, err
		}
		cfg.Vault = vault
		logger.Info("Resolving keys through Vault", slog.String("address", addr))
	}

	return kms.NewKeyManager(cfg, logger), nil
}

func ConfigureDatabase(cCtx *cli.Context) records.Config {
	return records.Config{
		Driver: cCtx.String(DBDriverFlag.Name),
		DSN:    cCtx.String(DBDSNFlag.Name),
	}
}

func ConfigureSessions(cCtx *cli.Context) session.Config {
	return session.Config{
		Secret: []byte(cCtx.String(SessionSecretFlag.Name)),
		TTL:    cCtx.Duration(SessionTTLFlag.Name),
		Secure: cCtx.Bool(CookieSecureFlag.Name),
	}
}

// ConfigureExportBackend creates the report backend. Several locations
// replicate every report.
func ConfigureExportBackend(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (interfaces.StorageBackend, error) {
	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(ExportLocationFlag.Name) {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid export location: %w", err)
		}
		locations = append(locations, location)
	}

	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, err
	}
	if !backend.Available(ctx) {
		logger.Warn("Export backend is not available yet", slog.String("backend", backend.Name()))
	}
	return backend, nil
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"APAS_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"APAS_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var EnvFileFlag = &cli.StringFlag{
	Name:  "env-file",
	Value: DefaultEnvFile,
	Usage: "dotenv file loaded before flags are parsed",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8000",
	Usage:   "address to listen on for the records API",
	EnvVars: []string{"APAS_LISTEN_ADDR"},
}
var TLSCertFlag = &cli.StringFlag{
	Name:    "tls-cert",
	Usage:   "PEM certificate; HTTPS is served when both --tls-cert and --tls-key are set",
	EnvVars: []string{"APAS_TLS_CERT"},
}
var TLSKeyFlag = &cli.StringFlag{
	Name:    "tls-key",
	Usage:   "PEM private key for --tls-cert",
	EnvVars: []string{"APAS_TLS_KEY"},
}
var CORSOriginsFlag = &cli.StringSliceFlag{
	Name:    "cors-origins",
	Value:   cli.NewStringSlice("http://localhost:8501", "http://127.0.0.1:8501"),
	Usage:   "dashboard origins allowed to send credentialed requests",
	EnvVars: []string{"APAS_CORS_ORIGINS"},
}

var DBDriverFlag = &cli.StringFlag{
	Name:    "db-driver",
	Value:   records.DriverSQLite,
	Usage:   "database driver: 'sqlite' or 'pgx'",
	EnvVars: []string{"APAS_DB_DRIVER"},
}
var DBDSNFlag = &cli.StringFlag{
	Name:    "db-dsn",
	Value:   "data/apas.db",
	Usage:   "SQLite file path or PostgreSQL connection string",
	EnvVars: []string{"APAS_DB_DSN"},
}

var EncryptionKeyFileFlag = &cli.StringFlag{
	Name:    "encryption-key-file",
	Value:   "keys/encryption.key",
	Usage:   "encryption key file, created on first use (overridden by " + kms.DefaultEncryptionKeyEnv + ")",
	EnvVars: []string{"APAS_ENCRYPTION_KEY_FILE"},
}
var DigestKeyFileFlag = &cli.StringFlag{
	Name:    "digest-key-file",
	Value:   "keys/hmac.key",
	Usage:   "digest key file, created on first use (overridden by " + kms.DefaultDigestKeyEnv + ")",
	EnvVars: []string{"APAS_HMAC_KEY_FILE"},
}
var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault address to read keys from; the token comes from VAULT_TOKEN",
	EnvVars: []string{"VAULT_ADDR"},
}
var VaultFieldFlag = &cli.StringFlag{
	Name:  "vault-field",
	Value: "key",
	Usage: "field holding the key inside the Vault secret",
}
var VaultEncryptionPathFlag = &cli.StringFlag{
	Name:    "vault-encryption-key-path",
	Usage:   "Vault KV path of the encryption key",
	EnvVars: []string{"APAS_VAULT_ENCRYPTION_KEY_PATH"},
}
var VaultDigestPathFlag = &cli.StringFlag{
	Name:    "vault-digest-key-path",
	Usage:   "Vault KV path of the digest key",
	EnvVars: []string{"APAS_VAULT_HMAC_KEY_PATH"},
}

var SessionSecretFlag = &cli.StringFlag{
	Name:    "session-secret",
	Usage:   "secret signing session cookies; random per process when empty",
	EnvVars: []string{"APAS_SECRET_KEY"},
}
var SessionTTLFlag = &cli.DurationFlag{
	Name:    "session-ttl",
	Value:   session.DefaultTTL,
	Usage:   "session lifetime",
	EnvVars: []string{"APAS_SESSION_TTL"},
}
var CookieSecureFlag = &cli.BoolFlag{
	Name:    "cookie-secure",
	Usage:   "mark the session cookie HTTPS only",
	EnvVars: []string{"APAS_COOKIE_SECURE"},
}
var AllowPlaintextPasswordsFlag = &cli.BoolFlag{
	Name:    "allow-plaintext-passwords",
	Usage:   "accept legacy rows whose stored credential is not a hash",
	EnvVars: []string{"APAS_ALLOW_PLAINTEXT_PASSWORDS"},
}

var ExportLocationFlag = &cli.StringSliceFlag{
	Name:    "export-location",
	Value:   cli.NewStringSlice("file://./exports"),
	Usage:   "report storage: file:///path or s3://bucket/prefix?region=...; repeat to replicate",
	EnvVars: []string{"APAS_EXPORT_LOCATION"},
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	EnvFileFlag,
}

// KeyFlags select the key material.
var KeyFlags = []cli.Flag{
	EncryptionKeyFileFlag,
	DigestKeyFileFlag,
	VaultAddrFlag,
	VaultFieldFlag,
	VaultEncryptionPathFlag,
	VaultDigestPathFlag,
}

// DatabaseFlags select the record store.
var DatabaseFlags = []cli.Flag{
	DBDriverFlag,
	DBDSNFlag,
}
