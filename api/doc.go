/*
Package api provides the HTTP surface of the academic records backend.

This package holds the request and response types shared by the handler
subpackages and the client, the error-to-status mapping and the server
configuration. It is organized into the following subpackages:

1. authhandler - login, logout and the current identity
2. recordshandler - record submission, scoped reads, alerts and exports
3. adminhandler - audit log, settings, model retraining and user management
4. clients - a Go client for the API, used by apasctl

Every handler resolves a Grant from the session identity through the
access control guard before it touches the record store; the store
refuses to run without one.

# Error Mapping

	unauthenticated            401
	invalid credentials        401
	forbidden                  403
	invalid subject or input   400
	not found                  404
	conflict                   409
	anything else              500 (generic message, error logged)

Failed requests answer with {"success": false, "message": "..."}.
*/
package api
