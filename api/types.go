package api

import (
	"bytes"
	"encoding/json"

	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/ruteri/apas-records-backend/records"
)

// FlexValue accepts any JSON value and keeps its text; strings are
// unquoted. Dashboard clients send numeric fields either way, and bad
// values are rejected when parsed rather than when decoded.
type FlexValue string

func (f *FlexValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexValue(s)
	default:
		*f = FlexValue(b)
	}
	return nil
}

// Float parses the value as a number. Empty is zero.
func (f FlexValue) Float() (float64, error) {
	return records.ParseNumber(string(f))
}

func (f FlexValue) String() string {
	return string(f)
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// IdentityResponse is returned by login and /api/me.
type IdentityResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// AddRecordRequest is the body of POST /api/add_record. The owner is
// always the session identity.
type AddRecordRequest struct {
	StudentName string    `json:"student_name"`
	Marks       FlexValue `json:"marks"`
	Attendance  FlexValue `json:"attendance"`
	Course      string    `json:"course"`
}

// AddRecordResponse reports the stored record.
type AddRecordResponse struct {
	Success   bool    `json:"success"`
	RecordID  int64   `json:"record_id"`
	RiskScore float64 `json:"risk_score"`
	Alert     bool    `json:"alert"`
}

// AddRecordsRequest is the body of POST /api/add_records.
type AddRecordsRequest struct {
	Records []AddRecordRequest `json:"records"`
}

// AddRecordsResponse reports the outcome of a bulk insert.
type AddRecordsResponse struct {
	Success bool `json:"success"`
	interfaces.BulkResult
}

// ExportResponse describes a stored anonymised report.
type ExportResponse struct {
	Success   bool                 `json:"success"`
	Path      string               `json:"path"`
	ContentID interfaces.ContentID `json:"content_id"`
	Rows      int                  `json:"rows"`
}

// SettingsResponse is returned by GET /api/settings.
type SettingsResponse struct {
	RiskThreshold float64              `json:"risk_threshold"`
	ModelVersion  string               `json:"model_version"`
	Settings      []interfaces.Setting `json:"settings"`
}

// SettingRequest is the body of POST /api/settings.
type SettingRequest struct {
	Key   string    `json:"key"`
	Value FlexValue `json:"value"`
}

// SettingResponse echoes a stored setting.
type SettingResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// RetrainResponse is returned by POST /api/retrain_model.
type RetrainResponse struct {
	Success      bool   `json:"success"`
	ModelVersion string `json:"model_version"`
}

// CreateUserRequest is the body of POST /api/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// UserResponse describes a created identity.
type UserResponse struct {
	Success  bool   `json:"success"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
