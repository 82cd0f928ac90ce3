package recordshandler

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
	"github.com/ruteri/apas-records-backend/export"
	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/ruteri/apas-records-backend/records"
)

// Guard mints grants for the session identity.
type Guard interface {
	RequireRole(ctx context.Context, allowed ...interfaces.Role) (authz.Grant, error)
	RequireSelfOrRole(ctx context.Context, subject string, selfRoles, overrideRoles []interfaces.Role) (authz.Grant, error)
}

// RecordStore is the part of the record store served over HTTP.
type RecordStore interface {
	InsertRecord(ctx context.Context, grant authz.Grant, rec interfaces.NewRecord) (*records.InsertResult, error)
	BulkInsert(ctx context.Context, grant authz.Grant, items []records.BulkItem, score records.Scorer) (interfaces.BulkResult, error)
	FindBySubjectIdentity(ctx context.Context, grant authz.Grant, subject string) ([]interfaces.ConfidentialRecord, error)
	FindByOwner(ctx context.Context, grant authz.Grant, owner string) ([]interfaces.ConfidentialRecord, error)
	ScanAll(ctx context.Context, grant authz.Grant) ([]interfaces.ConfidentialRecord, error)
	ListAlerts(ctx context.Context, grant authz.Grant) ([]interfaces.Alert, error)
	AppendAudit(ctx context.Context, username, action string, details map[string]string) error
}

// RiskModel scores a record.
type RiskModel interface {
	Predict(marks, attendance float64) float64
}

// ReportExporter produces and serves anonymised reports.
type ReportExporter interface {
	Export(ctx context.Context, grant authz.Grant) (*export.Report, error)
	Fetch(ctx context.Context, grant authz.Grant, id interfaces.ContentID) ([]byte, error)
}

// Handler serves record submission, scoped reads, alerts and exports.
type Handler struct {
	guard    Guard
	store    RecordStore
	model    RiskModel
	exporter ReportExporter
	log      *slog.Logger
}

func NewHandler(guard Guard, store RecordStore, model RiskModel, exporter ReportExporter, log *slog.Logger) *Handler {
	return &Handler{
		guard:    guard,
		store:    store,
		model:    model,
		exporter: exporter,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/add_record", h.HandleAddRecord)
	r.Post("/api/add_records", h.HandleAddRecords)
	r.Get("/api/student/{username}", h.HandleStudentRecords)
	r.Get("/api/instructor/{username}", h.HandleInstructorRecords)
	r.Get("/api/all_records", h.HandleAllRecords)
	r.Get("/api/alerts", h.HandleAlerts)
	r.Get("/api/export", h.HandleExport)
	r.Get("/api/export/{content_id}", h.HandleFetchExport)
}

// HandleAddRecord scores and stores one record owned by the calling
// instructor. An alert is raised in the same transaction when the score
// reaches the configured threshold.
//
// URL format: POST /api/add_record
// Body: {"student_name": "s1", "marks": 72, "attendance": "90", "course": "..."}
func (h *Handler) HandleAddRecord(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleInstructor)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	var req api.AddRecordRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	rec, err := h.newRecord(req)
	if err != nil {
		h.appendAudit(r.Context(), grant.Username(), interfaces.AuditAddRecord, map[string]string{"status": "invalid_input"})
		api.WriteError(w, r, h.log, err)
		return
	}

	result, err := h.store.InsertRecord(r.Context(), grant, rec)
	if errors.Is(err, interfaces.ErrInvalidSubject) {
		h.appendAudit(r.Context(), grant.Username(), interfaces.AuditAddRecord, map[string]string{"status": "invalid_student"})
	}
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	h.appendAudit(r.Context(), grant.Username(), interfaces.AuditAddRecord, map[string]string{
		"record_id": strconv.FormatInt(result.RecordID, 10),
		"risk":      strconv.FormatFloat(result.RiskScore, 'f', -1, 64),
		"alert":     strconv.FormatBool(result.Alerted()),
	})

	api.WriteJSON(w, http.StatusOK, api.AddRecordResponse{
		Success:   true,
		RecordID:  result.RecordID,
		RiskScore: result.RiskScore,
		Alert:     result.Alerted(),
	})
}

// HandleAddRecords stores a batch. Entries with an unknown subject or
// unparseable fields are skipped and counted.
//
// URL format: POST /api/add_records
// Body: {"records": [{"student_name": ..., "marks": ..., "attendance": ..., "course": ...}]}
func (h *Handler) HandleAddRecords(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleInstructor)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	var req api.AddRecordsRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	items := make([]records.BulkItem, 0, len(req.Records))
	for _, rec := range req.Records {
		items = append(items, records.BulkItem{
			Subject:    rec.StudentName,
			Marks:      rec.Marks.String(),
			Attendance: rec.Attendance.String(),
			Course:     rec.Course,
		})
	}

	result, err := h.store.BulkInsert(r.Context(), grant, items, h.model.Predict)
	h.appendAudit(r.Context(), grant.Username(), interfaces.AuditBulkAdd, map[string]string{
		"processed": strconv.Itoa(result.Processed),
		"alerts":    strconv.Itoa(result.Alerts),
		"skipped":   strconv.Itoa(result.SkippedSubject + result.SkippedInput),
	})
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.AddRecordsResponse{Success: true, BulkResult: result})
}

// HandleStudentRecords returns the records of one student, newest first.
// Students may only read their own records; admins may read any.
//
// URL format: GET /api/student/{username}
func (h *Handler) HandleStudentRecords(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("username")
	grant, err := h.guard.RequireSelfOrRole(r.Context(), subject,
		[]interfaces.Role{interfaces.RoleStudent}, []interfaces.Role{interfaces.RoleAdmin})
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	rows, err := h.store.FindBySubjectIdentity(r.Context(), grant, subject)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, nonNil(rows))
}

// HandleInstructorRecords returns the records an instructor submitted.
//
// URL format: GET /api/instructor/{username}
func (h *Handler) HandleInstructorRecords(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("username")
	grant, err := h.guard.RequireSelfOrRole(r.Context(), owner,
		[]interfaces.Role{interfaces.RoleInstructor}, []interfaces.Role{interfaces.RoleAdmin})
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	rows, err := h.store.FindByOwner(r.Context(), grant, owner)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, nonNil(rows))
}

// HandleAllRecords returns every record with decrypted subjects. Admin only.
func (h *Handler) HandleAllRecords(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	rows, err := h.store.ScanAll(r.Context(), grant)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, nonNil(rows))
}

// HandleAlerts lists alerts, newest first.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin, interfaces.RoleInstructor)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	alerts, err := h.store.ListAlerts(r.Context(), grant)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, nonNil(alerts))
}

// HandleExport renders and stores an anonymised CSV report.
//
// URL format: GET /api/export
// Response: {"success": true, "path": "<backend location>", "content_id": "<sha256 hex>", "rows": N}
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	report, err := h.exporter.Export(r.Context(), grant)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	h.appendAudit(r.Context(), grant.Username(), interfaces.AuditExport, map[string]string{
		"content_id": report.ContentID.String(),
		"path":       report.Location,
		"rows":       strconv.Itoa(report.Rows),
	})

	api.WriteJSON(w, http.StatusOK, api.ExportResponse{
		Success:   true,
		Path:      report.Location,
		ContentID: report.ContentID,
		Rows:      report.Rows,
	})
}

// HandleFetchExport downloads a stored report.
//
// URL format: GET /api/export/{content_id}
func (h *Handler) HandleFetchExport(w http.ResponseWriter, r *http.Request) {
	grant, err := h.guard.RequireRole(r.Context(), interfaces.RoleAdmin)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	id, err := interfaces.NewContentIDFromHex(r.PathValue("content_id"))
	if err != nil {
		api.WriteError(w, r, h.log, fmt.Errorf("%w: %v", interfaces.ErrInvalidInput, err))
		return
	}

	data, err := h.exporter.Fetch(r.Context(), grant, id)
	if err != nil {
		api.WriteError(w, r, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="report_%s.csv"`, id.String()[:16]))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) newRecord(req api.AddRecordRequest) (interfaces.NewRecord, error) {
	marks, err := req.Marks.Float()
	if err != nil {
		return interfaces.NewRecord{}, err
	}
	attendance, err := req.Attendance.Float()
	if err != nil {
		return interfaces.NewRecord{}, err
	}

	return interfaces.NewRecord{
		Subject:    req.StudentName,
		Marks:      marks,
		Attendance: attendance,
		RiskScore:  h.model.Predict(marks, attendance),
		Course:     req.Course,
	}, nil
}

func (h *Handler) appendAudit(ctx context.Context, username, action string, details map[string]string) {
	if err := h.store.AppendAudit(ctx, username, action, details); err != nil {
		h.log.Warn("Failed to append audit entry", slog.String("action", action), "err", err)
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
