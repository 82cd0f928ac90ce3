package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// MaxCourseLength is the number of characters of a course name that are kept.
const MaxCourseLength = 200

const recordColumns = `id, subject_ciphertext, subject_digest, marks, attendance, risk_score, course, owner, created_at`

// InsertResult reports the outcome of a single insert.
type InsertResult struct {
	RecordID  int64   `json:"record_id"`
	RiskScore float64 `json:"risk_score"`
	// AlertID is zero when the record did not reach the threshold.
	AlertID int64 `json:"alert_id,omitempty"`
}

// Alerted reports whether the insert raised an alert.
func (r InsertResult) Alerted() bool {
	return r.AlertID != 0
}

// BulkItem is one unparsed entry of a bulk insert.
type BulkItem struct {
	Subject    string
	Marks      string
	Attendance string
	Course     string
}

// Scorer computes a risk score from marks and attendance.
type Scorer func(marks, attendance float64) float64

// InsertRecord stores a record for a student subject on behalf of the
// instructor holding grant, who becomes the record's owner. The subject
// must be a known student; this is checked before any encryption. If the
// risk score reaches the current threshold an alert is stored in the same
// transaction.
func (s *Store) InsertRecord(ctx context.Context, grant authz.Grant, rec interfaces.NewRecord) (*InsertResult, error) {
	if !grant.HasRole(interfaces.RoleInstructor) {
		return nil, interfaces.ErrForbidden
	}

	rec.Owner = grant.Username()
	rec, err := normalize(rec)
	if err != nil {
		return nil, err
	}

	result, err := s.insertOne(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, rec, result)
	return result, nil
}

// BulkInsert inserts each item in its own transaction. Items with an
// unknown subject or unparseable fields are skipped and counted; a storage
// failure stops the batch and is returned with the counts so far.
func (s *Store) BulkInsert(ctx context.Context, grant authz.Grant, items []BulkItem, score Scorer) (interfaces.BulkResult, error) {
	var result interfaces.BulkResult
	if !grant.HasRole(interfaces.RoleInstructor) {
		return result, interfaces.ErrForbidden
	}

	for i, item := range items {
		rec, err := parseBulkItem(item)
		if err != nil {
			s.log.Debug("Skipping bulk item", slog.Int("index", i), "err", err)
			result.SkippedInput++
			continue
		}
		rec.Owner = grant.Username()
		rec.RiskScore = score(rec.Marks, rec.Attendance)

		rec, err = normalize(rec)
		if err != nil {
			result.SkippedInput++
			continue
		}

		inserted, err := s.insertOne(ctx, rec)
		switch {
		case errors.Is(err, interfaces.ErrInvalidSubject):
			result.SkippedSubject++
			continue
		case errors.Is(err, interfaces.ErrInvalidInput):
			result.SkippedInput++
			continue
		case err != nil:
			return result, err
		}

		result.Processed++
		if inserted.Alerted() {
			result.Alerts++
		}
		s.notify(ctx, rec, inserted)
	}

	s.log.Info("Bulk insert finished",
		slog.String("owner", grant.Username()),
		slog.Int("processed", result.Processed),
		slog.Int("alerts", result.Alerts),
		slog.Int("skippedSubject", result.SkippedSubject),
		slog.Int("skippedInput", result.SkippedInput))
	return result, nil
}

func (s *Store) insertOne(ctx context.Context, rec interfaces.NewRecord) (*InsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	subject, err := s.lookupIdentity(ctx, tx, rec.Subject)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q is not a known identity", interfaces.ErrInvalidSubject, rec.Subject)
	}
	if err != nil {
		return nil, err
	}
	if subject.Role != interfaces.RoleStudent {
		return nil, fmt.Errorf("%w: %q is not a student", interfaces.ErrInvalidSubject, rec.Subject)
	}

	ciphertext, err := s.codec.Seal(rec.Subject)
	if err != nil {
		return nil, err
	}
	digest, err := s.codec.Digest(rec.Subject)
	if err != nil {
		return nil, err
	}

	threshold, err := s.riskThreshold(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	result := &InsertResult{RiskScore: rec.RiskScore}

	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`INSERT INTO records (subject_ciphertext, subject_digest, marks, attendance, risk_score, course, owner, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		ciphertext, string(digest), rec.Marks, rec.Attendance, rec.RiskScore, rec.Course, rec.Owner, now,
	).Scan(&result.RecordID)
	if err != nil {
		return nil, storageErr("insert record", err)
	}

	if rec.RiskScore >= threshold {
		// The alert carries its own ciphertext under a fresh nonce.
		alertCiphertext, err := s.codec.Seal(rec.Subject)
		if err != nil {
			return nil, err
		}

		err = tx.QueryRowContext(ctx,
			s.dialect.rebind(`INSERT INTO alerts (record_id, subject_ciphertext, subject_digest, risk_score, created_at)
				VALUES (?, ?, ?, ?, ?) RETURNING id`),
			result.RecordID, alertCiphertext, string(digest), rec.RiskScore, now,
		).Scan(&result.AlertID)
		if err != nil {
			return nil, storageErr("insert alert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}

	s.log.Debug("Inserted record",
		slog.Int64("recordId", result.RecordID),
		slog.String("subjectDigest", digest.Short()),
		slog.Bool("alert", result.Alerted()))
	return result, nil
}

func (s *Store) notify(ctx context.Context, rec interfaces.NewRecord, result *InsertResult) {
	if s.notifier == nil || !result.Alerted() {
		return
	}

	digest, err := s.codec.Digest(rec.Subject)
	if err != nil {
		s.log.Warn("Skipping alert notification", slog.Int64("alertId", result.AlertID), "err", err)
		return
	}

	err = s.notifier.NotifyAlert(ctx, interfaces.AlertNotification{
		AlertID:       result.AlertID,
		RecordID:      result.RecordID,
		Subject:       rec.Subject,
		SubjectDigest: digest,
		RiskScore:     rec.RiskScore,
		Course:        rec.Course,
		Owner:         rec.Owner,
	})
	if err != nil {
		s.log.Warn("Alert notification failed", slog.Int64("alertId", result.AlertID), "err", err)
	}
}

// FindBySubjectIdentity returns the records of one student, newest first.
// The subject is matched by digest; rows are never decrypted to search.
func (s *Store) FindBySubjectIdentity(ctx context.Context, grant authz.Grant, subject string) ([]interfaces.ConfidentialRecord, error) {
	if !grant.ScopedTo(subject) {
		return nil, interfaces.ErrForbidden
	}

	digest, err := s.codec.Digest(subject)
	if err != nil {
		return nil, err
	}

	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE subject_digest = ? ORDER BY created_at DESC, id DESC`,
		string(digest),
	)
}

// FindByOwner returns the records created by one instructor, newest first.
func (s *Store) FindByOwner(ctx context.Context, grant authz.Grant, owner string) ([]interfaces.ConfidentialRecord, error) {
	if !grant.ScopedTo(owner) {
		return nil, interfaces.ErrForbidden
	}

	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE owner = ? ORDER BY created_at DESC, id DESC`,
		owner,
	)
}

// ScanAll returns every record, newest first, decrypting each subject.
// Requires admin.
func (s *Store) ScanAll(ctx context.Context, grant authz.Grant) ([]interfaces.ConfidentialRecord, error) {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return nil, interfaces.ErrForbidden
	}

	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM records ORDER BY created_at DESC, id DESC`)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]interfaces.ConfidentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("query records", err)
	}
	defer rows.Close()

	records := []interfaces.ConfidentialRecord{}
	for rows.Next() {
		var (
			r         interfaces.ConfidentialRecord
			digest    string
			createdAt int64
		)
		err := rows.Scan(&r.ID, &r.SubjectCiphertext, &digest, &r.Marks, &r.Attendance, &r.RiskScore, &r.Course, &r.Owner, &createdAt)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		r.SubjectDigest = interfaces.Digest(strings.TrimSpace(digest))
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.Subject = cryptoutils.DecryptValue(s.codec, &r.SubjectCiphertext)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query records", err)
	}
	return records, nil
}

// ListAlerts returns all alerts, newest first. Requires admin or instructor.
func (s *Store) ListAlerts(ctx context.Context, grant authz.Grant) ([]interfaces.Alert, error) {
	if !grant.HasRole(interfaces.RoleAdmin, interfaces.RoleInstructor) {
		return nil, interfaces.ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, subject_ciphertext, subject_digest, risk_score, created_at
		 FROM alerts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, storageErr("list alerts", err)
	}
	defer rows.Close()

	alerts := []interfaces.Alert{}
	for rows.Next() {
		var (
			a         interfaces.Alert
			digest    string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.RecordID, &a.SubjectCiphertext, &digest, &a.RiskScore, &createdAt); err != nil {
			return nil, storageErr("scan alert", err)
		}
		a.SubjectDigest = interfaces.Digest(strings.TrimSpace(digest))
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		a.Subject = cryptoutils.DecryptValue(s.codec, &a.SubjectCiphertext)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list alerts", err)
	}
	return alerts, nil
}

// normalize validates the text and numeric fields of a record.
func normalize(rec interfaces.NewRecord) (interfaces.NewRecord, error) {
	rec.Subject = strings.TrimSpace(rec.Subject)
	if rec.Subject == "" {
		return rec, fmt.Errorf("%w: subject is required", interfaces.ErrInvalidInput)
	}

	rec.Course = strings.TrimSpace(rec.Course)
	if rec.Course == "" {
		return rec, fmt.Errorf("%w: course is required", interfaces.ErrInvalidInput)
	}
	if utf8.RuneCountInString(rec.Course) > MaxCourseLength {
		rec.Course = string([]rune(rec.Course)[:MaxCourseLength])
	}

	for name, v := range map[string]float64{"marks": rec.Marks, "attendance": rec.Attendance} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return rec, fmt.Errorf("%w: %s is not a finite number", interfaces.ErrInvalidInput, name)
		}
	}
	if math.IsNaN(rec.RiskScore) || rec.RiskScore < 0 || rec.RiskScore > 1 {
		return rec, fmt.Errorf("%w: risk score must be in [0, 1]", interfaces.ErrInvalidInput)
	}
	return rec, nil
}

func parseBulkItem(item BulkItem) (interfaces.NewRecord, error) {
	marks, err := ParseNumber(item.Marks)
	if err != nil {
		return interfaces.NewRecord{}, err
	}
	attendance, err := ParseNumber(item.Attendance)
	if err != nil {
		return interfaces.NewRecord{}, err
	}
	return interfaces.NewRecord{
		Subject:    item.Subject,
		Marks:      marks,
		Attendance: attendance,
		Course:     item.Course,
	}, nil
}

// ParseNumber parses a numeric field given as text. A missing value is zero.
func ParseNumber(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", interfaces.ErrInvalidInput, raw)
	}
	return v, nil
}
