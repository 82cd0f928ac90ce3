package authhandler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/apas-records-backend/api"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// Authenticator verifies credentials and resolves the session identity.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*interfaces.Identity, error)
	Current(ctx context.Context) (*interfaces.Identity, error)
}

// SessionCarrier sets the session cookie, and ends the session presented
// with a request.
type SessionCarrier interface {
	Establish(w http.ResponseWriter, username, role string) error
	Clear(w http.ResponseWriter, r *http.Request)
}

// Auditor appends audit log entries.
type Auditor interface {
	AppendAudit(ctx context.Context, username, action string, details map[string]string) error
}

// Handler serves login, logout and the current identity.
type Handler struct {
	guard    Authenticator
	sessions SessionCarrier
	audit    Auditor
	log      *slog.Logger
}

func NewHandler(guard Authenticator, sessions SessionCarrier, audit Auditor, log *slog.Logger) *Handler {
	return &Handler{
		guard:    guard,
		sessions: sessions,
		audit:    audit,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/login", h.HandleLogin)
	r.Post("/api/logout", h.HandleLogout)
	r.Get("/api/me", h.HandleMe)
}

// HandleLogin authenticates a username and password and establishes the
// session cookie. Both outcomes are audited.
//
// URL format: POST /api/login
// Body: {"username": "...", "password": "..."}
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	identity, err := h.guard.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		username := req.Username
		if username == "" {
			username = "unknown"
		}
		h.appendAudit(r.Context(), username, interfaces.AuditLogin, map[string]string{"success": "false"})
		api.WriteError(w, r, h.log, err)
		return
	}

	if err := h.sessions.Establish(w, identity.Username, identity.Role.String()); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	h.appendAudit(r.Context(), identity.Username, interfaces.AuditLogin, map[string]string{"success": "true"})
	h.log.Info("User logged in", slog.String("username", identity.Username), slog.String("role", identity.Role.String()))

	api.WriteJSON(w, http.StatusOK, api.IdentityResponse{
		Success:  true,
		Username: identity.Username,
		Role:     identity.Role.String(),
	})
}

// HandleLogout ends the session and clears its cookie. It succeeds without
// a session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if identity, err := h.guard.Current(r.Context()); err == nil {
		h.appendAudit(r.Context(), identity.Username, interfaces.AuditLogout, nil)
	}

	h.sessions.Clear(w, r)
	api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleMe returns the session identity.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, err := h.guard.Current(r.Context())
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.IdentityResponse{
		Success:  true,
		Username: identity.Username,
		Role:     identity.Role.String(),
	})
}

func (h *Handler) appendAudit(ctx context.Context, username, action string, details map[string]string) {
	if err := h.audit.AppendAudit(ctx, username, action, details); err != nil {
		h.log.Warn("Failed to append audit entry", slog.String("action", action), "err", err)
	}
}
