package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/apas-records-backend/api/clients"
	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/cmd/flags"
	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/ruteri/apas-records-backend/records"
	"github.com/urfave/cli/v2"
)

var flagServer *cli.StringFlag = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8000",
	Usage:   "records API base URL",
	EnvVars: []string{"APASCTL_SERVER"},
}
var flagUsername *cli.StringFlag = &cli.StringFlag{
	Name:    "username",
	Usage:   "account to log in as",
	EnvVars: []string{"APASCTL_USERNAME"},
}
var flagPassword *cli.StringFlag = &cli.StringFlag{
	Name:    "password",
	Usage:   "password of --username",
	EnvVars: []string{"APASCTL_PASSWORD"},
}
var flagTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "request timeout",
}

var flagNewUsername *cli.StringFlag = &cli.StringFlag{
	Name:     "new-username",
	Required: true,
	Usage:    "username of the account to create",
}
var flagNewPassword *cli.StringFlag = &cli.StringFlag{
	Name:     "new-password",
	Required: true,
	Usage:    "password of the account to create",
}
var flagRole *cli.StringFlag = &cli.StringFlag{
	Name:  "role",
	Value: interfaces.RoleStudent.String(),
	Usage: "student, instructor or admin",
}

var remoteFlags = []cli.Flag{flagServer, flagUsername, flagPassword, flagTimeout}

func main() {
	if err := flags.LoadEnvFile(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "apasctl",
		Usage: "Operate an academic records deployment",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:  "keys",
				Usage: "manage key material",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "resolve both keys, creating missing key files",
						Flags:  flags.KeyFlags,
						Action: keysInit,
					},
				},
			},
			{
				Name:  "tls",
				Usage: "manage server certificates",
				Subcommands: []*cli.Command{
					{
						Name:  "dev-cert",
						Usage: "write a self-signed certificate for local deployments",
						Flags: []cli.Flag{
							&cli.StringSliceFlag{Name: "host", Value: cli.NewStringSlice("localhost", "127.0.0.1")},
							&cli.DurationFlag{Name: "validity", Value: 365 * 24 * time.Hour},
							&cli.StringFlag{Name: "cert-out", Value: "secrets/server.crt"},
							&cli.StringFlag{Name: "key-out", Value: "secrets/server.key"},
						},
						Action: tlsDevCert,
					},
				},
			},
			{
				Name:  "users",
				Usage: "manage accounts directly in the database",
				Subcommands: []*cli.Command{
					{
						Name: "add",
						Usage: "create an account; the first admin is created without credentials, " +
							"later accounts need --username/--password of an existing admin",
						Flags:  append(append([]cli.Flag{flagNewUsername, flagNewPassword, flagRole, flagUsername, flagPassword}, flags.KeyFlags...), flags.DatabaseFlags...),
						Action: usersAdd,
					},
				},
			},
			{
				Name:  "remote",
				Usage: "call a running server",
				Subcommands: []*cli.Command{
					{Name: "me", Flags: remoteFlags, Action: remote(remoteMe)},
					{Name: "users", Flags: remoteFlags, Action: remote(remoteUsers)},
					{
						Name:   "create-user",
						Flags:  append([]cli.Flag{flagNewUsername, flagNewPassword, flagRole}, remoteFlags...),
						Action: remote(remoteCreateUser),
					},
					{Name: "settings", Flags: remoteFlags, Action: remote(remoteSettings)},
					{
						Name:      "set",
						Usage:     "update a setting",
						ArgsUsage: "<key> <value>",
						Flags:     remoteFlags,
						Action:    remote(remoteSet),
					},
					{Name: "retrain", Flags: remoteFlags, Action: remote(remoteRetrain)},
					{Name: "drain", Usage: "take the server out of rotation", Flags: remoteFlags, Action: remote(remoteReadiness((*clients.RecordsClient).Drain))},
					{Name: "undrain", Usage: "put the server back into rotation", Flags: remoteFlags, Action: remote(remoteReadiness((*clients.RecordsClient).Undrain))},
					{Name: "alerts", Flags: remoteFlags, Action: remote(remoteAlerts)},
					{
						Name:  "audit",
						Flags: append([]cli.Flag{&cli.IntFlag{Name: "limit", Value: 50}}, remoteFlags...),
						Action: remote(func(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
							return c.AuditLogs(cCtx.Context, cCtx.Int("limit"))
						}),
					},
					{
						Name:   "export",
						Usage:  "export an anonymised report, optionally downloading it",
						Flags:  append([]cli.Flag{&cli.StringFlag{Name: "out", Usage: "write the CSV to this file"}}, remoteFlags...),
						Action: remote(remoteExport),
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func keysInit(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	keys, err := flags.ConfigureKeyManager(cCtx, logger)
	if err != nil {
		return err
	}
	if err := keys.Warm(); err != nil {
		return err
	}
	fmt.Println("keys ready")
	return nil
}

func tlsDevCert(cCtx *cli.Context) error {
	certPEM, keyPEM, err := cryptoutils.GenerateDevCertificate(cCtx.StringSlice("host"), cCtx.Duration("validity"))
	if err != nil {
		return err
	}

	for path, data := range map[string][]byte{
		cCtx.String("cert-out"): certPEM,
		cCtx.String("key-out"):  keyPEM,
	} {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	fmt.Printf("wrote %s and %s\n", cCtx.String("cert-out"), cCtx.String("key-out"))
	return nil
}

func usersAdd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	role, err := interfaces.ParseRole(cCtx.String(flagRole.Name))
	if err != nil {
		return err
	}

	keys, err := flags.ConfigureKeyManager(cCtx, logger)
	if err != nil {
		return err
	}
	codec, err := cryptoutils.NewFieldCodec(keys, logger)
	if err != nil {
		return err
	}
	store, err := records.Open(ctx, flags.ConfigureDatabase(cCtx), codec, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	username := cCtx.String(flagNewUsername.Name)
	password := cCtx.String(flagNewPassword.Name)

	if cCtx.String(flagUsername.Name) == "" {
		if role != interfaces.RoleAdmin {
			return errors.New("--username and --password of an admin are required")
		}
		identity, err := store.BootstrapAdmin(ctx, username, password)
		if err != nil {
			return err
		}
		return printJSON(identity)
	}

	guard := authz.NewGuard(store, authz.GuardOptions{}, logger)
	admin, err := guard.Authenticate(ctx, cCtx.String(flagUsername.Name), cCtx.String(flagPassword.Name))
	if err != nil {
		return err
	}
	grant, err := guard.RequireRole(authz.WithIdentity(ctx, admin.Username), interfaces.RoleAdmin)
	if err != nil {
		return err
	}

	identity, err := store.CreateUser(ctx, grant, username, password, role)
	if err != nil {
		return err
	}
	if err := store.AppendAudit(ctx, grant.Username(), interfaces.AuditCreateUser, map[string]string{
		"username": identity.Username,
		"role":     identity.Role.String(),
	}); err != nil {
		logger.Warn("Failed to append audit entry", "err", err)
	}
	return printJSON(identity)
}

// remote logs in, runs fn and prints its result as JSON.
func remote(fn func(cCtx *cli.Context, c *clients.RecordsClient) (any, error)) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		client, err := clients.NewRecordsClient(cCtx.String(flagServer.Name), cCtx.Duration(flagTimeout.Name))
		if err != nil {
			return err
		}

		if _, err := client.Login(cCtx.Context, cCtx.String(flagUsername.Name), cCtx.String(flagPassword.Name)); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Logout(ctx)
		}()

		result, err := fn(cCtx, client)
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		return printJSON(result)
	}
}

func remoteMe(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	return c.Me(cCtx.Context)
}

func remoteUsers(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	return c.ListUsers(cCtx.Context)
}

func remoteCreateUser(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	return c.CreateUser(cCtx.Context, cCtx.String(flagNewUsername.Name), cCtx.String(flagNewPassword.Name), cCtx.String(flagRole.Name))
}

func remoteSettings(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	return c.Settings(cCtx.Context)
}

func remoteSet(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	if cCtx.NArg() != 2 {
		return nil, errors.New("usage: apasctl remote set <key> <value>")
	}
	if err := c.SetSetting(cCtx.Context, cCtx.Args().Get(0), cCtx.Args().Get(1)); err != nil {
		return nil, err
	}
	return c.Settings(cCtx.Context)
}

func remoteRetrain(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	version, err := c.RetrainModel(cCtx.Context)
	if err != nil {
		return nil, err
	}
	return map[string]string{"model_version": version}, nil
}

func remoteReadiness(toggle func(*clients.RecordsClient, context.Context) (string, error)) func(*cli.Context, *clients.RecordsClient) (any, error) {
	return func(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
		status, err := toggle(c, cCtx.Context)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": status}, nil
	}
}

func remoteAlerts(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	return c.Alerts(cCtx.Context)
}

func remoteExport(cCtx *cli.Context, c *clients.RecordsClient) (any, error) {
	report, err := c.Export(cCtx.Context)
	if err != nil {
		return nil, err
	}

	if out := cCtx.String("out"); out != "" {
		data, err := c.FetchExport(cCtx.Context, report.ContentID)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(out, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write report: %w", err)
		}
	}
	return report, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
