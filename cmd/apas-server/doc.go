// Package main (cmd/apas-server) runs the academic records API.
//
// At startup the server resolves both keys (environment, then Vault when
// --vault-addr is set, then key files created on first use), opens the
// record store, seeds the risk model version from the stored settings and
// prepares the report backend. Any failure there aborts startup.
//
// Every flag has an environment variable, and an optional dotenv file
// (--env-file, default .env) is loaded before flags are parsed.
//
// The server implements graceful shutdown on SIGINT/SIGTERM and exposes
// /livez and /readyz. POST /drain and POST /undrain take the instance out of
// and back into rotation; like the profiler they require an admin session.
//
// Example usage:
//
//	apas-server \
//	    --listen-addr 0.0.0.0:8443 \
//	    --tls-cert server.crt --tls-key server.key --cookie-secure \
//	    --db-driver pgx --db-dsn postgres://apas@db/apas \
//	    --export-location file:///var/lib/apas/exports \
//	    --export-location 's3://reports/apas?region=eu-west-1'
package main
