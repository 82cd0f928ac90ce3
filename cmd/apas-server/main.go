package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/apas-records-backend/api/adminhandler"
	"github.com/ruteri/apas-records-backend/api/authhandler"
	"github.com/ruteri/apas-records-backend/api/recordshandler"
	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/cmd/flags"
	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/export"
	"github.com/ruteri/apas-records-backend/httpserver"
	"github.com/ruteri/apas-records-backend/notify"
	"github.com/ruteri/apas-records-backend/records"
	"github.com/ruteri/apas-records-backend/risk"
	"github.com/ruteri/apas-records-backend/session"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.TLSCertFlag,
	flags.TLSKeyFlag,
	flags.CORSOriginsFlag,
	flags.SessionSecretFlag,
	flags.SessionTTLFlag,
	flags.CookieSecureFlag,
	flags.AllowPlaintextPasswordsFlag,
	flags.ExportLocationFlag,
}

func main() {
	if err := flags.LoadEnvFile(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:   "apas-server",
		Usage:  "Serve the academic records API over encrypted storage",
		Flags:  append(append(append(serverFlags, flags.KeyFlags...), flags.DatabaseFlags...), flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	keys, err := flags.ConfigureKeyManager(cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure key manager", "err", err)
		return err
	}
	// Key errors surface here rather than on the first request
	if err := keys.Warm(); err != nil {
		logger.Error("Failed to resolve keys", "err", err)
		return err
	}

	codec, err := cryptoutils.NewFieldCodec(keys, logger)
	if err != nil {
		logger.Error("Failed to create field codec", "err", err)
		return err
	}

	notifier := notify.NewLogNotifier(logger)
	store, err := records.Open(ctx, flags.ConfigureDatabase(cCtx), codec, notifier, logger)
	if err != nil {
		logger.Error("Failed to open record store", "err", err)
		return err
	}
	defer store.Close()

	version, err := store.ModelVersion(ctx)
	if err != nil {
		logger.Error("Failed to read model version", "err", err)
		return err
	}
	engine := risk.NewEngine(version)
	logger.Info("Risk model loaded", slog.Int64("version", engine.Version()))

	backend, err := flags.ConfigureExportBackend(ctx, cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure export backend", "err", err)
		return err
	}
	exporter := export.NewExporter(store, backend, logger)

	guard := authz.NewGuard(store, authz.GuardOptions{
		AllowPlaintextPasswords: cCtx.Bool(flags.AllowPlaintextPasswordsFlag.Name),
	}, logger)

	sessions, err := session.NewManager(flags.ConfigureSessions(cCtx), logger)
	if err != nil {
		logger.Error("Failed to create session manager", "err", err)
		return err
	}

	serverCfg := flags.ConfigureServer(cCtx, logger)
	if serverCfg.TLSCertFile != "" || serverCfg.TLSKeyFile != "" {
		expiry, err := cryptoutils.LoadServerCertificate(serverCfg.TLSCertFile, serverCfg.TLSKeyFile)
		if err != nil {
			logger.Error("Invalid TLS certificate", "err", err)
			return err
		}
		if time.Until(expiry) < 14*24*time.Hour {
			logger.Warn("TLS certificate expires soon", slog.Time("notAfter", expiry))
		}
	}

	server, err := httpserver.New(serverCfg, sessions.Middleware, guard, store,
		authhandler.NewHandler(guard, sessions, store, logger),
		recordshandler.NewHandler(guard, store, engine, exporter, logger),
		adminhandler.NewHandler(guard, store, engine, logger),
	)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	select {
	case <-exit:
		logger.Info("Shutdown signal received")
	case <-ctx.Done():
	}

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

