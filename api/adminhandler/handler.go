package adminhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/apas-records-backend/api"
	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// Guard mints grants for the session identity.
type Guard interface {
	RequireRole(ctx context.Context, allowed ...interfaces.Role) (authz.Grant, error)
}

// AdminStore is the part of the record store behind the admin API.
type AdminStore interface {
	ListAudit(ctx context.Context, grant authz.Grant, limit int) ([]interfaces.AuditEntry, error)
	AppendAudit(ctx context.Context, username, action string, details map[string]string) error
	RiskThreshold(ctx context.Context, grant authz.Grant) (float64, error)
	GetSetting(ctx context.Context, grant authz.Grant, key string) (string, error)
	ListSettings(ctx context.Context, grant authz.Grant) ([]interfaces.Setting, error)
	SetSetting(ctx context.Context, grant authz.Grant, key, value string) error
	RecordModelVersion(ctx context.Context, grant authz.Grant, version int64) error
	ListUsers(ctx context.Context, grant authz.Grant) ([]interfaces.Identity, error)
	CreateUser(ctx context.Context, grant authz.Grant, username, password string, role interfaces.Role) (*interfaces.Identity, error)
}

// ModelRebuilder advances the risk model version.
type ModelRebuilder interface {
	Rebuild() int64
}

// Handler serves the administrative API.
type Handler struct {
	guard Guard
	store AdminStore
	model ModelRebuilder
	log   *slog.Logger
}

func NewHandler(guard Guard, store AdminStore, model ModelRebuilder, log *slog.Logger) *Handler {
	return &Handler{
		guard: guard,
		store: store,
		model: model,
		log:   log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/audit_logs", h.HandleAuditLogs)
	r.Get("/api/settings", h.HandleGetSettings)
	r.Post("/api/settings", h.HandleSetSetting)
	r.Post("/api/retrain_model", h.HandleRetrainModel)
	r.Get("/api/users", h.HandleListUsers)
	r.Post("/api/users", h.HandleCreateUser)
}

// HandleAuditLogs returns the newest audit entries.
//
// URL format: GET /api/audit_logs[?limit=N]
func (h *Handler) HandleAuditLogs(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			api.WriteError(w, r, h.log, fmt.Errorf("%w: limit must be an integer", interfaces.ErrInvalidInput))
			return
		}
	}

	entries, err := h.store.ListAudit(r.Context(), grant, limit)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	if entries == nil {
		entries = []interfaces.AuditEntry{}
	}
	api.WriteJSON(w, http.StatusOK, entries)
}

// HandleGetSettings returns the risk threshold, the model version and all
// settings. Any authenticated identity may read them.
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleStudent, interfaces.RoleInstructor, interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	threshold, err := h.store.RiskThreshold(r.Context(), grant)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	version, err := h.store.GetSetting(r.Context(), grant, interfaces.SettingModelVersion)
	if errors.Is(err, interfaces.ErrNotFound) {
		version, err = "1", nil
	}
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	settings, err := h.store.ListSettings(r.Context(), grant)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	if settings == nil {
		settings = []interfaces.Setting{}
	}

	api.WriteJSON(w, http.StatusOK, api.SettingsResponse{
		RiskThreshold: threshold,
		ModelVersion:  version,
		Settings:      settings,
	})
}

// HandleSetSetting upserts one setting. The risk threshold must be a
// number in [0, 1]; other keys are free-form.
//
// URL format: POST /api/settings
// Body: {"key": "risk_threshold", "value": 0.7}
func (h *Handler) HandleSetSetting(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	var req api.SettingRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	if err := h.store.SetSetting(r.Context(), grant, req.Key, req.Value.String()); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	h.appendAudit(r.Context(), grant.Username(), interfaces.AuditUpdateSetting, map[string]string{
		"key":   req.Key,
		"value": req.Value.String(),
	})
	h.log.Info("Setting updated", slog.String("key", req.Key), slog.String("username", grant.Username()))

	api.WriteJSON(w, http.StatusOK, api.SettingResponse{Success: true, Key: req.Key, Value: req.Value.String()})
}

// HandleRetrainModel advances the model version and persists it.
func (h *Handler) HandleRetrainModel(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	version := h.model.Rebuild()
	if err := h.store.RecordModelVersion(r.Context(), grant, version); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	h.appendAudit(r.Context(), grant.Username(), interfaces.AuditRetrainModel, map[string]string{
		"new_version": strconv.FormatInt(version, 10),
	})
	h.log.Info("Risk model rebuilt", slog.Int64("version", version))

	api.WriteJSON(w, http.StatusOK, api.RetrainResponse{Success: true, ModelVersion: strconv.FormatInt(version, 10)})
}

// HandleListUsers lists identities without credentials.
func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	users, err := h.store.ListUsers(r.Context(), grant)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	if users == nil {
		users = []interfaces.Identity{}
	}
	api.WriteJSON(w, http.StatusOK, users)
}

// HandleCreateUser creates an identity. The role defaults to student.
//
// URL format: POST /api/users
// Body: {"username": "...", "password": "...", "role": "student|instructor|admin"}
func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	var req api.CreateUserRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	if req.Role == "" {
		req.Role = interfaces.RoleStudent.String()
	}

	role, err := interfaces.ParseRole(req.Role)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	identity, err := h.store.CreateUser(r.Context(), grant, req.Username, req.Password, role)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	h.appendAudit(r.Context(), grant.Username(), interfaces.AuditCreateUser, map[string]string{
		"username": identity.Username,
		"role":     identity.Role.String(),
	})

	api.WriteJSON(w, http.StatusOK, api.UserResponse{
		Success:  true,
		ID:       identity.ID,
		Username: identity.Username,
		Role:     identity.Role.String(),
	})
}

func (h *Handler) appendAudit(ctx context.Context, username, action string, details map[string]string) {
	if err := h.store.AppendAudit(ctx, username, action, details); err != nil {
		h.log.Warn("Failed to append audit entry", slog.String("action", action), "err", err)
	}
}
