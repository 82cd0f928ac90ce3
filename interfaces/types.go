// Package interfaces defines the core interfaces and types for the academic records backend.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"fmt"
	"strings"
	"time"
)

// Role is the sole authorization axis of the system.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.TrimSpace(strings.ToLower(s))); r {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// In reports whether the role is a member of the given set.
func (r Role) In(set ...Role) bool {
	for _, allowed := range set {
		if r == allowed {
			return true
		}
	}
	return false
}

// Identity is a user account. The credential is an opaque hash
// (or, for legacy rows, a plaintext value) and is never serialized.
type Identity struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Credential string `json:"-"`
	Role       Role   `json:"role"`
}

// Digest is the fixed-length deterministic keyed digest of a subject name,
// used for equality lookup over encrypted data.
type Digest string

// Short returns a truncated form of the digest suitable for logs.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// ConfidentialRecord is a stored performance record. Subject holds the
// decrypted student name on read and is nil when the ciphertext could not
// be decrypted; it is never persisted in plaintext.
type ConfidentialRecord struct {
	ID                int64     `json:"id"`
	SubjectCiphertext string    `json:"-"`
	SubjectDigest     Digest    `json:"-"`
	Subject           *string   `json:"student_name"`
	Marks             float64   `json:"marks"`
	Attendance        float64   `json:"attendance"`
	RiskScore         float64   `json:"risk_score"`
	Course            string    `json:"course"`
	Owner             string    `json:"instructor_name"`
	CreatedAt         time.Time `json:"timestamp"`
}

// NewRecord carries the caller-provided fields of a record to insert.
type NewRecord struct {
	Subject    string
	Marks      float64
	Attendance float64
	RiskScore  float64
	Course     string
	Owner      string
}

// Alert is derived from a ConfidentialRecord whose risk score reached the
// threshold at insert time. It carries its own ciphertext and digest.
type Alert struct {
	ID                int64     `json:"id"`
	RecordID          int64     `json:"record_id"`
	SubjectCiphertext string    `json:"-"`
	SubjectDigest     Digest    `json:"student_hmac"`
	Subject           *string   `json:"student_name"`
	RiskScore         float64   `json:"risk_score"`
	CreatedAt         time.Time `json:"created_at"`
}

// Setting is a free-form key/value configuration entry.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Well-known setting keys.
const (
	SettingRiskThreshold = "risk_threshold"
	SettingModelVersion  = "model_version"

	DefaultRiskThreshold = 0.6
)

// AuditEntry is a single row of the audit log.
type AuditEntry struct {
	ID        int64             `json:"id"`
	EventTime time.Time         `json:"event_time"`
	Username  string            `json:"username"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
}

// Audit actions.
const (
	AuditLogin         = "login"
	AuditLogout        = "logout"
	AuditAddRecord     = "add_record"
	AuditBulkAdd       = "bulk_add_records"
	AuditExport        = "export_report"
	AuditUpdateSetting = "update_setting"
	AuditRetrainModel  = "retrain_model"
	AuditCreateUser    = "create_user"
)

// BulkResult summarizes a bulk insert.
type BulkResult struct {
	Processed      int `json:"processed"`
	Alerts         int `json:"alerts"`
	SkippedSubject int `json:"skipped_invalid_subject"`
	SkippedInput   int `json:"skipped_invalid_input"`
}
