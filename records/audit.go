package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// DefaultAuditLimit bounds ListAudit when no limit is given.
const DefaultAuditLimit = 500

// AppendAudit adds an audit log entry. It is the only write that takes no
// Grant: failed logins must be recorded and have no identity. It never
// reveals stored data.
func (s *Store) AppendAudit(ctx context.Context, username, action string, details map[string]string) error {
	var detailsJSON sql.NullString
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON.String = string(data)
		detailsJSON.Valid = true
	}

	if username == "" {
		username = "unknown"
	}

	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO audit_log (event_time, username, action, details) VALUES (?, ?, ?, ?)`),
		s.timestamp(), username, action, detailsJSON,
	)
	if err != nil {
		return storageErr("append audit", err)
	}
	return nil
}

// ListAudit returns the newest audit entries first. Requires admin.
func (s *Store) ListAudit(ctx context.Context, grant authz.Grant, limit int) ([]interfaces.AuditEntry, error) {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return nil, interfaces.ErrForbidden
	}
	if limit <= 0 || limit > DefaultAuditLimit {
		limit = DefaultAuditLimit
	}

	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT id, event_time, username, action, details FROM audit_log
			ORDER BY event_time DESC, id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	defer rows.Close()

	var entries []interfaces.AuditEntry
	for rows.Next() {
		var (
			e         interfaces.AuditEntry
			eventTime int64
			details   sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventTime, &e.Username, &e.Action, &details); err != nil {
			return nil, storageErr("scan audit", err)
		}
		e.EventTime = time.Unix(0, eventTime).UTC()
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				s.log.Warn("Unreadable audit details", "err", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audit", err)
	}
	return entries, nil
}
