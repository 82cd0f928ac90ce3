/*
Package httpserver runs the HTTP surface of the academic records backend.

The server wires the API handlers behind a shared middleware chain:

 1. Request logging (structured, one line per request)
 2. Panic recovery
 3. CORS for the dashboard origins, with credentials allowed
 4. The session middleware, which places the cookie identity on the
    request context for the handlers

Handlers never trust the identity beyond that: every route resolves a
Grant through the access control guard, which re-reads the role from the
identity store.

# Health Endpoints

  - /livez answers as long as the process serves requests
  - /readyz fails while draining or when the record store is unreachable
  - POST /drain and POST /undrain toggle readiness for load balancer
    rotation

Drain, undrain and the profiler (mounted under /debug when pprof is
enabled) sit behind the session middleware and require the admin role.
Anonymous callers get 401 and other roles get 403.

# TLS

Setting both a certificate and a key file serves HTTPS with TLS 1.2 as
the minimum version. Without them the server speaks plain HTTP and logs a
warning at startup, which is only suitable behind a TLS-terminating proxy.
*/
package httpserver
