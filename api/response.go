package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/apas-records-backend/interfaces"
)

// MaxBodySize limits JSON request bodies.
const MaxBodySize = 4 << 20

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrUnauthenticated), errors.Is(err, interfaces.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrInvalidSubject), errors.Is(err, interfaces.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound), errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the JSON error body for err. Server errors are logged
// and answered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status := StatusFor(err)
	message := err.Error()

	switch status {
	case http.StatusInternalServerError:
		log.Error("Request failed", slog.String("path", r.URL.Path), "err", err)
		message = "internal server error"
	case http.StatusUnauthorized:
		if errors.Is(err, interfaces.ErrInvalidCredentials) {
			message = "invalid credentials"
		} else {
			message = "authentication required"
		}
	}

	WriteJSON(w, status, ErrorResponse{Success: false, Message: message})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodySize)
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: malformed JSON body: %v", interfaces.ErrInvalidInput, err)
}
